package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// HTTPDownloader implements ImageDownloader against a chat platform's
// authenticated file-download URLs (Slack's url_private_download and
// equivalents), saving each attachment under a namespaced name inside
// dir so concurrent channels never collide.
type HTTPDownloader struct {
	dir   string
	token string
	http  *http.Client
}

// NewHTTPDownloader returns a downloader that saves into dir, sending
// token as a bearer credential on every request.
func NewHTTPDownloader(dir, token string) *HTTPDownloader {
	return &HTTPDownloader{dir: dir, token: token, http: http.DefaultClient}
}

func (d *HTTPDownloader) Download(ctx context.Context, a Attachment) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp image dir: %w", err)
	}
	path := filepath.Join(d.dir, sanitizeAttachmentName(a))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create temp image file: %w", err)
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp image file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp image file: %w", err)
	}
	return path, nil
}

// sanitizeAttachmentName namespaces the saved filename by the
// platform-provided unique id (the last URL path segment) and the
// attachment's own name, so two channels downloading files with the
// same original name never collide.
func sanitizeAttachmentName(a Attachment) string {
	id := a.URL
	if i := strings.LastIndex(id, "/"); i != -1 {
		id = id[i+1:]
	}
	id = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, id)
	name := a.Name
	if name == "" {
		name = "image"
	}
	return id + "_" + strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
}
