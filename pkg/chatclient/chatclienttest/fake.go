// Package chatclienttest provides an in-memory chatclient.Client fake
// used by every other component's tests, so none of them need a real
// chat platform connection.
package chatclienttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ktamas77/claudeway/pkg/chatclient"
)

// PostedMessage records one posted or updated message's current state.
type PostedMessage struct {
	Channel  string
	ThreadTS string
	Text     string
	Deleted  bool
}

// UploadedFile records one FileUpload call.
type UploadedFile struct {
	Channel  string
	ThreadTS string
	Content  []byte
	Filename string
	Title    string
}

// Fake is an in-memory chatclient.Client. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	nextTS    int
	messages  map[string]*PostedMessage  // keyed by ts
	order     []string                   // ts values in post order, for LastMessage
	reactions map[string]map[string]bool // keyed by "channel:ts", set of reaction names
	files     []UploadedFile
	streams   []*FakeStreamer
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		messages:  make(map[string]*PostedMessage),
		reactions: make(map[string]map[string]bool),
	}
}

func (f *Fake) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTS++
	ts := fmt.Sprintf("fake-ts-%d", f.nextTS)
	f.messages[ts] = &PostedMessage{Channel: channel, ThreadTS: threadTS, Text: text}
	f.order = append(f.order, ts)
	return ts, nil
}

func (f *Fake) Update(ctx context.Context, channel, ts, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[ts]
	if !ok {
		return fmt.Errorf("update: no such message %s", ts)
	}
	m.Text = text
	return nil
}

func (f *Fake) Delete(ctx context.Context, channel, ts string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[ts]
	if !ok {
		return fmt.Errorf("delete: no such message %s", ts)
	}
	m.Deleted = true
	return nil
}

func (f *Fake) ReactionAdd(ctx context.Context, channel, timestamp, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channel + ":" + timestamp
	if f.reactions[key] == nil {
		f.reactions[key] = make(map[string]bool)
	}
	f.reactions[key][name] = true
	return nil
}

func (f *Fake) ReactionRemove(ctx context.Context, channel, timestamp, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channel + ":" + timestamp
	delete(f.reactions[key], name)
	return nil
}

func (f *Fake) FileUpload(ctx context.Context, channel, threadTS string, content []byte, filename, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, UploadedFile{Channel: channel, ThreadTS: threadTS, Content: content, Filename: filename, Title: title})
	return nil
}

// ChatStream returns a FakeStreamer that bridges Append calls onto
// Update, the same buffered-update bridge the real Slack adapter uses,
// since there is no native Slack streaming-append API to fake either.
func (f *Fake) ChatStream(ctx context.Context, channel, threadTS string, bufferSize int) (chatclient.Streamer, error) {
	ts, err := f.PostMessage(ctx, channel, threadTS, "")
	if err != nil {
		return nil, err
	}
	s := &FakeStreamer{fake: f, ctx: ctx, channel: channel, ts: ts}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// FakeStreamer is the Streamer returned by Fake.ChatStream.
type FakeStreamer struct {
	fake    *Fake
	ctx     context.Context
	channel string
	ts      string
	text    string
	stopped bool
}

func (s *FakeStreamer) Append(markdown string) error {
	s.text += markdown
	return s.fake.Update(s.ctx, s.channel, s.ts, s.text)
}

func (s *FakeStreamer) Stop() error {
	s.stopped = true
	return nil
}

// TS returns the placeholder message's timestamp, for assertions.
func (s *FakeStreamer) TS() string { return s.ts }

// Stopped reports whether Stop was called, for assertions.
func (s *FakeStreamer) Stopped() bool { return s.stopped }

// Message returns a snapshot of the message at ts, or nil if absent.
func (f *Fake) Message(ts string) *PostedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[ts]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Reactions returns the set of reaction names currently on (channel, ts).
func (f *Fake) Reactions(channel, ts string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, present := range f.reactions[channel+":"+ts] {
		if present {
			names = append(names, name)
		}
	}
	return names
}

// LastMessage returns the most recently posted message, or nil if none
// has been posted yet.
func (f *Fake) LastMessage() *PostedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return nil
	}
	cp := *f.messages[f.order[len(f.order)-1]]
	return &cp
}

// Files returns every FileUpload call recorded so far.
func (f *Fake) Files() []UploadedFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UploadedFile, len(f.files))
	copy(out, f.files)
	return out
}
