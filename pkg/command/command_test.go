package command

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
	"github.com/ktamas77/claudeway/pkg/scheduler"
)

const sampleYAML = `
defaults:
  model: claude-opus
channels:
  C001:
    name: general
    folder: /work
  C002:
    name: project-two
    folder: /work2
`

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(sampleYAML), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return cfg
}

type fakeSupervisor struct {
	active      []claude.ActiveProcess
	killed      map[string]bool
	nudged      map[string]bool
	killAllList []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{killed: map[string]bool{}, nudged: map[string]bool{}}
}

func (f *fakeSupervisor) ActiveProcesses() []claude.ActiveProcess { return f.active }

func (f *fakeSupervisor) KillProcess(channelID string) bool {
	for _, p := range f.active {
		if p.ChannelID == channelID {
			f.killed[channelID] = true
			return true
		}
	}
	return false
}

func (f *fakeSupervisor) NudgeProcess(channelID string) bool {
	for _, p := range f.active {
		if p.ChannelID == channelID {
			f.nudged[channelID] = true
			return true
		}
	}
	return false
}

func (f *fakeSupervisor) KillAllProcesses() []string { return f.killAllList }

func newTestInterpreter(t *testing.T, sup Supervisor) (*Interpreter, *queue.Queue, *chatclienttest.Fake) {
	t.Helper()
	cfg := newTestConfig(t)
	q, err := queue.New(t.TempDir())
	require.NoError(t, err)
	fake := chatclienttest.New()
	return New(sup, cfg, q, fake), q, fake
}

func TestParseCommandRecognizesMagicPrefix(t *testing.T) {
	name, arg, ok := parseCommand("!kill #project-two")
	require.True(t, ok)
	assert.Equal(t, "kill", name)
	assert.Equal(t, "#project-two", arg)
}

func TestParseCommandRejectsPlainText(t *testing.T) {
	_, _, ok := parseCommand("hello there")
	assert.False(t, ok)
}

func TestHandleCommandIgnoresNonCommand(t *testing.T) {
	in, _, _ := newTestInterpreter(t, newFakeSupervisor())
	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "not a command"})
	assert.False(t, handled)
}

func TestPSReportsActiveProcessesAndQueueBreakdown(t *testing.T) {
	sup := newFakeSupervisor()
	sup.active = []claude.ActiveProcess{
		{ChannelID: "C001", StartedAt: time.Now().Add(-90 * time.Second), MessageCount: 3, TotalTokens: 500, IsActive: true},
	}
	in, q, fake := newTestInterpreter(t, sup)
	require.NoError(t, q.Enqueue(queue.Message{ChannelID: "C001", TS: "1.1", Text: "a", QueuedAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, q.Enqueue(queue.Message{ChannelID: "C002", TS: "2.1", Text: "b", QueuedAt: "2026-01-01T00:00:01Z"}))

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!ps"})
	require.True(t, handled)

	msgs := fake.Files() // sanity: no file uploads from !ps
	assert.Empty(t, msgs)

	posted := lastPosted(fake)
	assert.Contains(t, posted, "Active processes: 1/8")
	assert.Contains(t, posted, "#general")
	assert.Contains(t, posted, "1m 30s")
	assert.Contains(t, posted, "Queued: 2 total")
	assert.Contains(t, posted, "#general: 1")
	assert.Contains(t, posted, "#project-two: 1")
}

func TestKillInCurrentChannel(t *testing.T) {
	sup := newFakeSupervisor()
	sup.active = []claude.ActiveProcess{{ChannelID: "C001"}}
	in, _, fake := newTestInterpreter(t, sup)

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!kill"})
	require.True(t, handled)
	assert.True(t, sup.killed["C001"])
	posted := lastPosted(fake)
	assert.Contains(t, posted, "Killed process in #general")
	assert.Contains(t, posted, "(was running")
}

func TestKillByChannelMention(t *testing.T) {
	sup := newFakeSupervisor()
	sup.active = []claude.ActiveProcess{{ChannelID: "C002"}}
	in, _, fake := newTestInterpreter(t, sup)

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!kill <#C002|project-two>"})
	require.True(t, handled)
	assert.True(t, sup.killed["C002"])
	assert.Contains(t, lastPosted(fake), "#project-two")
}

func TestKillByBareChannelName(t *testing.T) {
	sup := newFakeSupervisor()
	sup.active = []claude.ActiveProcess{{ChannelID: "C002"}}
	in, _, _ := newTestInterpreter(t, sup)

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!kill #project-two"})
	require.True(t, handled)
	assert.True(t, sup.killed["C002"])
}

func TestKillUnknownChannelPostsWarning(t *testing.T) {
	in, _, fake := newTestInterpreter(t, newFakeSupervisor())

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!kill #nonexistent"})
	require.True(t, handled)
	assert.Contains(t, lastPosted(fake), ":warning:")
}

func TestKillNoActiveProcessPostsWarning(t *testing.T) {
	in, _, fake := newTestInterpreter(t, newFakeSupervisor())

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!kill"})
	require.True(t, handled)
	assert.Contains(t, lastPosted(fake), ":warning:")
}

func TestNudgeSendsSigintVariant(t *testing.T) {
	sup := newFakeSupervisor()
	sup.active = []claude.ActiveProcess{{ChannelID: "C001"}}
	in, _, fake := newTestInterpreter(t, sup)

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!nudge"})
	require.True(t, handled)
	assert.True(t, sup.nudged["C001"])
	assert.Contains(t, lastPosted(fake), "nudged")
}

func TestKillAllReportsList(t *testing.T) {
	sup := newFakeSupervisor()
	sup.killAllList = []string{"C001", "C002"}
	in, _, fake := newTestInterpreter(t, sup)

	handled := in.HandleCommand(context.Background(), scheduler.InboundEvent{ChannelID: "C001", Text: "!killall"})
	require.True(t, handled)
	posted := lastPosted(fake)
	assert.Contains(t, posted, "#general")
	assert.Contains(t, posted, "#project-two")
}

func TestFormatDurationBuckets(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(2*time.Minute+5*time.Second))
	assert.Equal(t, "1h 2m 3s", formatDuration(time.Hour+2*time.Minute+3*time.Second))
}

func lastPosted(fake *chatclienttest.Fake) string {
	m := fake.LastMessage()
	if m == nil {
		return ""
	}
	return m.Text
}
