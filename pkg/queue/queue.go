// Package queue implements the durable, on-disk FIFO of inbound prompts
// that survives process restarts.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Message is a unit of pending work, persisted to disk until its turn
// terminates.
type Message struct {
	ChannelID  string   `json:"channelId"`
	UserID     string   `json:"userId"`
	Text       string   `json:"text"`
	TS         string   `json:"ts"`
	ThreadTS   string   `json:"threadTs,omitempty"`
	QueuedAt   string   `json:"queuedAt"`
	ImagePaths []string `json:"imagePaths,omitempty"`
}

// Queue is a durable FIFO of Messages, one file per message, scoped by
// channel. All methods are safe for concurrent use.
type Queue struct {
	mu  sync.Mutex
	dir string
}

// New returns a Queue backed by dir, creating it if necessary.
func New(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir %s: %w", dir, err)
	}
	return &Queue{dir: dir}, nil
}

// filename derives a filesystem-safe, collision-free name from a
// channel+ts pair: channelId_ts-with-dots-replaced.json.
func filename(channelID, ts string) string {
	safeChannel := sanitize(channelID)
	safeTS := strings.ReplaceAll(ts, ".", "-")
	safeTS = sanitize(safeTS)
	return fmt.Sprintf("%s_%s.json", safeChannel, safeTS)
}

func sanitize(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "/", "-"), string(os.PathSeparator), "-")
}

// Enqueue writes m to a fresh file. Same (channelId, ts) overwrites the
// prior record: the platform guarantees ts uniqueness per channel, so
// same ts implies same message.
func (q *Queue) Enqueue(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	path := filepath.Join(q.dir, filename(m.ChannelID, m.TS))

	tmp, err := os.CreateTemp(q.dir, "enqueue-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write queued message: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync queued message: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close queued message: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename queued message into place: %w", err)
	}
	cleanup = false
	return nil
}

// Dequeue removes the record for (channelID, ts), reporting whether a
// record actually existed.
func (q *Queue) Dequeue(channelID, ts string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.dir, filename(channelID, ts))
	err := os.Remove(path)
	return err == nil
}

// UpdateQueuedText replaces the text of a still-queued message in place,
// reporting whether the record still existed. Used when a user edits a
// message that has not yet been processed.
func (q *Queue) UpdateQueuedText(channelID, ts, newText string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.dir, filename(channelID, ts))
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	m.Text = newText

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return false
	}

	tmp, err := os.CreateTemp(q.dir, "update-*.tmp")
	if err != nil {
		return false
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return false
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false
	}
	if err := tmp.Close(); err != nil {
		return false
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return false
	}
	cleanup = false
	return true
}

// GetPending returns every persisted record, sorted ascending by
// QueuedAt. Individual unreadable or malformed records are skipped
// rather than failing the whole read.
func (q *Queue) GetPending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getPendingLocked("")
}

// GetPendingForChannel is GetPending filtered to one channel.
func (q *Queue) GetPendingForChannel(channelID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getPendingLocked(channelID)
}

func (q *Queue) getPendingLocked(channelFilter string) []Message {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil
	}

	var messages []Message
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, e.Name()))
		if err != nil {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if channelFilter != "" && m.ChannelID != channelFilter {
			continue
		}
		messages = append(messages, m)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].QueuedAt < messages[j].QueuedAt
	})
	return messages
}
