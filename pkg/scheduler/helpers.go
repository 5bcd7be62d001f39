package scheduler

import (
	"os"
	"time"
)

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func removeFile(path string) error {
	return os.Remove(path)
}
