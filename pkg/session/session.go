// Package session derives the Agent's deterministic session identity and
// the on-disk artifact paths that go with it.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// namespace is the fixed literal UUID used to derive session IDs. It is
// load-bearing: changing it would orphan every existing session's on-disk
// artifacts. Not configurable.
var namespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DeriveSessionID returns the deterministic UUIDv5 session ID for a
// (channelId, folder) pair. Two calls with the same inputs, in the same
// process or a different one, always yield the same ID.
func DeriveSessionID(channelID, folder string) uuid.UUID {
	name := channelID + ":" + folder
	return uuid.NewSHA1(namespace, []byte(name))
}

// Artifacts is the triple of filesystem paths the Agent maintains for a
// given session and working folder.
type Artifacts struct {
	LogFile  string
	WorkDir  string
	TodoFile string
}

// encodeFolder applies the folder-encoding rule: every path separator is
// replaced with "-"; a leading separator becomes a leading "-".
func encodeFolder(folder string) string {
	return strings.ReplaceAll(folder, string(os.PathSeparator), "-")
}

// ArtifactPaths resolves the three artifact paths for sessionID under
// folder, rooted at home (typically os.UserHomeDir()).
func ArtifactPaths(sessionID uuid.UUID, folder, home string) Artifacts {
	encoded := encodeFolder(folder)
	id := sessionID.String()
	projectDir := filepath.Join(home, ".claude", "projects", encoded)
	return Artifacts{
		LogFile:  filepath.Join(projectDir, id+".jsonl"),
		WorkDir:  filepath.Join(projectDir, id),
		TodoFile: filepath.Join(home, ".claude", "todos", fmt.Sprintf("%s-agent-%s.json", id, id)),
	}
}

// Exists reports whether a session log file already exists, which governs
// whether the supervisor resumes the session (--resume) or starts a fresh
// one (--session-id).
func (a Artifacts) Exists() bool {
	_, err := os.Stat(a.LogFile)
	return err == nil
}

// ClearArtifacts removes all three artifact paths, tolerating individual
// not-found or locked errors. Used to recover from an "already in use"
// session collision.
func ClearArtifacts(a Artifacts) {
	_ = os.Remove(a.LogFile)
	_ = os.RemoveAll(a.WorkDir)
	_ = os.Remove(a.TodoFile)
}
