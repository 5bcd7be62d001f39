// Package scheduler owns the per-channel ingress pipeline: it decides
// what to do with an inbound chat event, persists accepted messages to
// the durable queue, and drains each channel's queue into the Agent
// supervisor one message at a time while a global semaphore caps how
// many turns run concurrently across all channels.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ktamas77/claudeway/pkg/chatclient"
	"github.com/ktamas77/claudeway/pkg/claude"
	"github.com/ktamas77/claudeway/pkg/config"
	"github.com/ktamas77/claudeway/pkg/logx"
	"github.com/ktamas77/claudeway/pkg/metrics"
	"github.com/ktamas77/claudeway/pkg/queue"
	"github.com/ktamas77/claudeway/pkg/response"
)

// MaxConcurrentProcesses is the global cap on simultaneous Agent turns
// across every channel.
const MaxConcurrentProcesses = 8

// EventType distinguishes the three inbound chat events the scheduler
// understands. Every other event subtype is ignored.
type EventType int

const (
	EventMessage EventType = iota
	EventMessageChanged
	EventMessageDeleted
)

// Attachment is one image already identified by the chat adapter as a
// candidate download; MIME/size filtering happens in the scheduler.
type Attachment struct {
	URL      string
	Mimetype string
	Size     int64
	Name     string
}

// InboundEvent is the scheduler's normalized view of a chat-platform
// event, independent of which concrete platform produced it.
type InboundEvent struct {
	Type        EventType
	ChannelID   string
	UserID      string
	BotID       string
	TS          string
	ThreadTS    string
	Text        string
	Attachments []Attachment

	// DeletedTS is set on EventMessageDeleted: the ts of the message
	// that was deleted.
	DeletedTS string
	// OriginalTS is set on EventMessageChanged: the ts of the message
	// being edited.
	OriginalTS string
}

// CommandRouter is implemented by the command interpreter. The
// scheduler hands it any message beginning with a magic prefix and
// never enqueues it.
type CommandRouter interface {
	HandleCommand(ctx context.Context, ev InboundEvent) bool
}

// ImageDownloader fetches an authenticated attachment URL and saves it
// to a host temp directory, returning the local path. Split out as an
// interface so tests can fake it without touching the filesystem or
// network.
type ImageDownloader interface {
	Download(ctx context.Context, a Attachment) (path string, err error)
}

// magicCommands are the prefixes that bypass the queue entirely and go
// straight to the command interpreter.
var magicCommands = []string{"!ps", "!kill", "!killall", "!nudge"}

var supportedImageMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

const maxImageBytes = 5 * 1024 * 1024

// AgentSupervisor is the subset of *claude.Supervisor the scheduler
// drives a turn through. Declared as an interface, rather than taking
// the concrete type directly, so tests can drain a channel against a
// fake that never spawns a real Agent process.
type AgentSupervisor interface {
	RunOneshot(cfg claude.SpawnConfig, prompt string, imagePaths []string, onDelta func(string)) (claude.OneshotResult, error)
	RunPersistentTurn(cfg claude.SpawnConfig, text string, onDelta func(string)) (claude.TurnResult, error)
}

// Scheduler owns every channel's ingress and drain state; per-channel
// state is guarded by mu.
type Scheduler struct {
	cfg        *config.Config
	queue      *queue.Queue
	supervisor AgentSupervisor
	chat       chatclient.Client
	downloader ImageDownloader
	commands   CommandRouter
	metrics    *metrics.Recorder
	logger     *logx.Logger

	sem *semaphore.Weighted

	mu                 sync.Mutex
	channelBusy        map[string]bool
	processingMessages map[string]bool // key "channel:ts"
}

// New constructs a Scheduler. commands may be nil until the command
// interpreter is wired in; downloader may be nil if the deployment
// never expects image attachments.
func New(cfg *config.Config, q *queue.Queue, supervisor AgentSupervisor, chat chatclient.Client, downloader ImageDownloader, commands CommandRouter, rec *metrics.Recorder) *Scheduler {
	return &Scheduler{
		cfg:                cfg,
		queue:              q,
		supervisor:         supervisor,
		chat:               chat,
		downloader:         downloader,
		commands:           commands,
		metrics:            rec,
		logger:             logx.NewLogger("scheduler"),
		sem:                semaphore.NewWeighted(MaxConcurrentProcesses),
		channelBusy:        make(map[string]bool),
		processingMessages: make(map[string]bool),
	}
}

// HandleEvent runs the ingress procedure for one inbound chat event:
// filter, handle edits/deletes, route magic commands, download images,
// persist, acknowledge, and kick off the channel's drain if idle.
func (s *Scheduler) HandleEvent(ctx context.Context, ev InboundEvent) error {
	if ev.BotID != "" {
		return nil
	}

	switch ev.Type {
	case EventMessageDeleted:
		s.queue.Dequeue(ev.ChannelID, ev.DeletedTS)
		return nil
	case EventMessageChanged:
		if !s.isProcessing(ev.ChannelID, ev.OriginalTS) {
			s.queue.UpdateQueuedText(ev.ChannelID, ev.OriginalTS, ev.Text)
		}
		return nil
	}

	if hasMagicPrefix(ev.Text) {
		if s.commands != nil {
			s.commands.HandleCommand(ctx, ev)
		}
		return nil
	}

	if ev.Text == "" && len(ev.Attachments) == 0 {
		return nil
	}
	if _, err := s.cfg.Resolve(ev.ChannelID); err != nil {
		return nil
	}

	var imagePaths []string
	for _, a := range ev.Attachments {
		if !supportedImageMIME[a.Mimetype] || a.Size > maxImageBytes {
			continue
		}
		if s.downloader == nil {
			continue
		}
		path, err := s.downloader.Download(ctx, a)
		if err != nil {
			s.logger.Warn("download attachment for %s: %v", ev.ChannelID, err)
			continue
		}
		imagePaths = append(imagePaths, path)
	}

	text := ev.Text
	if text == "" && len(imagePaths) > 0 {
		text = "What is in this image?"
	}
	if text == "" {
		return nil
	}

	// Replies always go into a thread; a message posted at channel top
	// level becomes its own thread root.
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}

	msg := queue.Message{
		ChannelID:  ev.ChannelID,
		UserID:     ev.UserID,
		Text:       text,
		TS:         ev.TS,
		ThreadTS:   threadTS,
		QueuedAt:   nowRFC3339(),
		ImagePaths: imagePaths,
	}
	if err := s.queue.Enqueue(msg); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetQueuedMessages(ev.ChannelID, len(s.queue.GetPendingForChannel(ev.ChannelID)))
	}

	if err := response.InboxReaction(ctx, s.chat, ev.ChannelID, ev.TS); err != nil {
		s.logger.Warn("add inbox reaction: %v", err)
	}

	if s.markBusyIfIdle(ev.ChannelID) {
		go s.drain(ev.ChannelID)
	}
	return nil
}

func hasMagicPrefix(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, cmd := range magicCommands {
		if trimmed == cmd || strings.HasPrefix(trimmed, cmd+" ") {
			return true
		}
	}
	return false
}

func (s *Scheduler) isProcessing(channelID, ts string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processingMessages[channelID+":"+ts]
}

// markBusyIfIdle marks channelID busy and reports whether the caller is
// responsible for launching the drain coroutine (true means the
// channel was idle before this call).
func (s *Scheduler) markBusyIfIdle(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelBusy[channelID] {
		return false
	}
	s.channelBusy[channelID] = true
	return true
}

func (s *Scheduler) setProcessing(channelID, ts string, processing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := channelID + ":" + ts
	if processing {
		s.processingMessages[key] = true
	} else {
		delete(s.processingMessages, key)
	}
}

// drain processes channelID's queue to exhaustion, one message at a
// time, releasing channelBusy only once the queue is empty. The final
// emptiness check re-runs under mu so an enqueue that observed the
// channel as busy is guaranteed to be picked up before the busy flag
// drops.
func (s *Scheduler) drain(channelID string) {
	ctx := context.Background()
	for {
		pending := s.queue.GetPendingForChannel(channelID)
		if len(pending) == 0 {
			s.mu.Lock()
			if len(s.queue.GetPendingForChannel(channelID)) == 0 {
				delete(s.channelBusy, channelID)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			continue
		}
		s.processOne(ctx, pending[0])
		s.queue.Dequeue(channelID, pending[0].TS)
		if s.metrics != nil {
			s.metrics.SetQueuedMessages(channelID, len(s.queue.GetPendingForChannel(channelID)))
		}
	}
}

func (s *Scheduler) processOne(ctx context.Context, msg queue.Message) {
	s.setProcessing(msg.ChannelID, msg.TS, true)
	defer s.setProcessing(msg.ChannelID, msg.TS, false)
	defer cleanupImages(msg.ImagePaths)

	// Hourglass goes on before the inbox reaction comes off, so the
	// message is never visibly reaction-less mid-transition.
	if err := response.StartReactions(ctx, s.chat, msg.ChannelID, msg.TS); err != nil {
		s.logger.Warn("add hourglass reaction: %v", err)
	}
	if err := response.RemoveInboxReaction(ctx, s.chat, msg.ChannelID, msg.TS); err != nil {
		s.logger.Warn("remove inbox reaction: %v", err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Error("acquire process slot: %v", err)
		_ = response.CompleteReactions(ctx, s.chat, msg.ChannelID, msg.TS, false)
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	rcfg, err := s.cfg.Resolve(msg.ChannelID)
	if err != nil {
		_ = response.CompleteReactions(ctx, s.chat, msg.ChannelID, msg.TS, false)
		return
	}

	responder, err := s.newResponder(ctx, rcfg, msg.ThreadTS)
	if err != nil {
		s.logger.Error("construct responder: %v", err)
		_ = response.CompleteReactions(ctx, s.chat, msg.ChannelID, msg.TS, false)
		return
	}

	spawnCfg := claude.SpawnConfig{
		ChannelID:    rcfg.ChannelID,
		Folder:       rcfg.Folder,
		Model:        rcfg.Model,
		SystemPrompt: rcfg.SystemPrompt,
		TimeoutMs:    rcfg.TimeoutMs,
	}

	var turnErr error
	var finalText string
	switch rcfg.ProcessMode {
	case claude.ModePersistent:
		result, err := s.supervisor.RunPersistentTurn(spawnCfg, msg.Text, responder.OnTextDelta)
		turnErr = err
		finalText = result.Text
		if s.metrics != nil {
			s.metrics.ObserveTurn(msg.ChannelID, outcome(err), time.Since(start))
		}
	default:
		result, err := s.supervisor.RunOneshot(spawnCfg, msg.Text, msg.ImagePaths, responder.OnTextDelta)
		turnErr = err
		finalText = result.Text
		if s.metrics != nil {
			s.metrics.ObserveTurn(msg.ChannelID, outcome(err), time.Since(start))
		}
	}

	if turnErr != nil {
		_, _ = responder.Finish(ctx, fmt.Sprintf(":warning: Error: %v", turnErr))
		_ = response.CompleteReactions(ctx, s.chat, msg.ChannelID, msg.TS, false)
		return
	}

	if _, err := responder.Finish(ctx, finalText); err != nil {
		s.logger.Error("finish response: %v", err)
		_ = response.CompleteReactions(ctx, s.chat, msg.ChannelID, msg.TS, false)
		return
	}
	_ = response.CompleteReactions(ctx, s.chat, msg.ChannelID, msg.TS, true)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (s *Scheduler) newResponder(ctx context.Context, rcfg config.ResolvedChannelConfig, threadTS string) (response.Responder, error) {
	switch rcfg.ResponseMode {
	case config.ResponseStreamUpdate:
		return response.NewEditThrottledResponder(ctx, s.chat, rcfg.ChannelID, threadTS), nil
	case config.ResponseStreamNative:
		return response.NewNativeStreamResponder(ctx, s.chat, rcfg.ChannelID, threadTS)
	default:
		return response.NewBatchResponder(s.chat, rcfg.ChannelID, threadTS), nil
	}
}

func cleanupImages(paths []string) {
	for _, p := range paths {
		_ = removeFile(p)
	}
}
