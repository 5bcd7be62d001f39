package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktamas77/claudeway/pkg/chatclient/chatclienttest"
	"github.com/ktamas77/claudeway/pkg/claude"
	"github.com/ktamas77/claudeway/pkg/config"
	"github.com/ktamas77/claudeway/pkg/queue"
)

const sampleYAML = `
defaults:
  model: claude-opus
  systemPrompt: be helpful
  timeoutMs: 60000
  responseMode: batch
  processMode: oneshot
channels:
  C001:
    name: general
    folder: /work
`

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(sampleYAML), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return cfg
}

// fakeSupervisor implements AgentSupervisor without spawning a real
// Agent process, so drain() can be exercised synchronously in tests.
type fakeSupervisor struct {
	oneshotText string
	oneshotErr  error
	deltas      []string
}

func (f *fakeSupervisor) RunOneshot(cfg claude.SpawnConfig, prompt string, imagePaths []string, onDelta func(string)) (claude.OneshotResult, error) {
	for _, d := range f.deltas {
		onDelta(d)
	}
	if f.oneshotErr != nil {
		return claude.OneshotResult{}, f.oneshotErr
	}
	return claude.OneshotResult{Text: f.oneshotText}, nil
}

func (f *fakeSupervisor) RunPersistentTurn(cfg claude.SpawnConfig, text string, onDelta func(string)) (claude.TurnResult, error) {
	for _, d := range f.deltas {
		onDelta(d)
	}
	return claude.TurnResult{Text: f.oneshotText}, nil
}

func newTestScheduler(t *testing.T, sup AgentSupervisor) (*Scheduler, *queue.Queue, *chatclienttest.Fake) {
	t.Helper()
	cfg := newTestConfig(t)
	q, err := queue.New(t.TempDir())
	require.NoError(t, err)
	fake := chatclienttest.New()
	s := New(cfg, q, sup, fake, nil, nil, nil)
	return s, q, fake
}

func TestHandleEventRejectsBotMessages(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessage, ChannelID: "C001", BotID: "B1", TS: "1.1", Text: "hi",
	}))
	assert.Empty(t, q.GetPending())
}

func TestHandleEventRejectsUnknownChannel(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessage, ChannelID: "C999", TS: "1.1", Text: "hi",
	}))
	assert.Empty(t, q.GetPending())
}

func TestHandleEventRoutesMagicPrefixToCommands(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	var seen InboundEvent
	s.commands = commandRouterFunc(func(ctx context.Context, ev InboundEvent) bool {
		seen = ev
		return true
	})

	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessage, ChannelID: "C001", TS: "1.1", Text: "!ps",
	}))
	assert.Equal(t, "!ps", seen.Text)
	assert.Empty(t, q.GetPending())
}

func TestHandleEventMessageDeletedDequeues(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	require.NoError(t, q.Enqueue(queue.Message{ChannelID: "C001", TS: "1.1", Text: "hi", QueuedAt: "2026-01-01T00:00:00Z"}))

	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessageDeleted, ChannelID: "C001", DeletedTS: "1.1",
	}))
	assert.Empty(t, q.GetPendingForChannel("C001"))
}

func TestHandleEventMessageChangedUpdatesQueuedText(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	require.NoError(t, q.Enqueue(queue.Message{ChannelID: "C001", TS: "1.1", Text: "old", QueuedAt: "2026-01-01T00:00:00Z"}))

	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessageChanged, ChannelID: "C001", OriginalTS: "1.1", Text: "new",
	}))
	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].Text)
}

func TestHandleEventMessageChangedSkippedWhileProcessing(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	require.NoError(t, q.Enqueue(queue.Message{ChannelID: "C001", TS: "1.1", Text: "old", QueuedAt: "2026-01-01T00:00:00Z"}))
	s.setProcessing("C001", "1.1", true)

	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessageChanged, ChannelID: "C001", OriginalTS: "1.1", Text: "new",
	}))
	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].Text)
}

func TestHandleEventTextOnlySubstitutesPromptForImageOnlyMessage(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	s.downloader = downloaderFunc(func(ctx context.Context, a Attachment) (string, error) {
		return "/tmp/fake.png", nil
	})

	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessage, ChannelID: "C001", TS: "1.1",
		Attachments: []Attachment{{URL: "http://x/img.png", Mimetype: "image/png", Size: 100}},
	}))
	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Equal(t, "What is in this image?", pending[0].Text)
	assert.Equal(t, []string{"/tmp/fake.png"}, pending[0].ImagePaths)
}

func TestHandleEventSkipsOversizedAndUnsupportedAttachments(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{})
	called := false
	s.downloader = downloaderFunc(func(ctx context.Context, a Attachment) (string, error) {
		called = true
		return "/tmp/fake.png", nil
	})

	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessage, ChannelID: "C001", TS: "1.1", Text: "look",
		Attachments: []Attachment{
			{URL: "http://x/big.png", Mimetype: "image/png", Size: maxImageBytes + 1},
			{URL: "http://x/doc.pdf", Mimetype: "application/pdf", Size: 10},
		},
	}))
	assert.False(t, called)
	pending := q.GetPendingForChannel("C001")
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].ImagePaths)
}

func TestHandleEventAddsInboxReactionAndEnqueues(t *testing.T) {
	s, q, fake := newTestScheduler(t, &fakeSupervisor{oneshotText: "done"})

	require.NoError(t, s.HandleEvent(context.Background(), InboundEvent{
		Type: EventMessage, ChannelID: "C001", TS: "1.1", Text: "hello",
	}))

	assert.Contains(t, fake.Reactions("C001", "1.1"), "inbox_tray")
	// HandleEvent launches the drain coroutine in the background; the
	// fake supervisor resolves immediately, so the queue drains shortly.
	deadline := time.Now().Add(time.Second)
	for len(q.GetPendingForChannel("C001")) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Empty(t, q.GetPendingForChannel("C001"))
}

func TestDrainProcessesMessageAndCompletesReactions(t *testing.T) {
	s, q, fake := newTestScheduler(t, &fakeSupervisor{oneshotText: "the answer"})
	require.NoError(t, q.Enqueue(queue.Message{ChannelID: "C001", TS: "1.1", Text: "hi", QueuedAt: "2026-01-01T00:00:00Z"}))
	s.channelBusy["C001"] = true

	s.drain("C001")

	assert.Empty(t, q.GetPendingForChannel("C001"))
	assert.False(t, s.channelBusy["C001"])
	reactions := fake.Reactions("C001", "1.1")
	assert.Contains(t, reactions, "white_check_mark")
	assert.NotContains(t, reactions, "hourglass_flowing_sand")
}

func TestDrainCleansUpImageFilesAfterTurn(t *testing.T) {
	s, q, _ := newTestScheduler(t, &fakeSupervisor{oneshotText: "ok"})
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("x"), 0o644))

	require.NoError(t, q.Enqueue(queue.Message{ChannelID: "C001", TS: "1.1", Text: "hi", QueuedAt: "2026-01-01T00:00:00Z", ImagePaths: []string{imgPath}}))
	s.channelBusy["C001"] = true
	s.drain("C001")

	_, err := os.Stat(imgPath)
	assert.True(t, os.IsNotExist(err))
}

type commandRouterFunc func(ctx context.Context, ev InboundEvent) bool

func (f commandRouterFunc) HandleCommand(ctx context.Context, ev InboundEvent) bool {
	return f(ctx, ev)
}

type downloaderFunc func(ctx context.Context, a Attachment) (string, error)

func (f downloaderFunc) Download(ctx context.Context, a Attachment) (string, error) { return f(ctx, a) }
