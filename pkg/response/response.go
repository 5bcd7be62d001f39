// Package response implements the three response-delivery strategies
// (batch, edit-throttled, native-stream) that translate an Agent turn's
// output into chat-platform messages.
package response

import (
	"context"
	"sync"
	"time"
	"unicode"

	"github.com/ktamas77/claudeway/pkg/chatclient"
	"github.com/ktamas77/claudeway/pkg/logx"
	"github.com/ktamas77/claudeway/pkg/markup"
)

const (
	// MaxMessageLength is the longest single chat message body.
	MaxMessageLength = 3900
	// FileThreshold is the length above which a response is uploaded as
	// a file rather than posted/split as messages.
	FileThreshold = 12000
	// StreamUpdateInterval is the edit-throttled responder's tick period.
	StreamUpdateInterval = 500 * time.Millisecond

	hourglassReaction = "hourglass_flowing_sand"
	checkmarkReaction = "white_check_mark"
	failureReaction   = "x"
	inboxReaction     = "inbox_tray"

	writingIndicator    = " :writing_hand:"
	truncatedSuffix     = "\n_[streaming...]_"
	thinkingPlaceholder = ":thinking_face: _thinking..._"
)

// Responder is the shared contract for all three delivery strategies:
// receive deltas as they arrive, then finalize with the turn's
// authoritative text.
type Responder interface {
	OnTextDelta(text string)
	Finish(ctx context.Context, finalText string) (ts string, err error)
}

// SplitMessage breaks text into chunks no longer than MaxMessageLength,
// preferring to split at the last newline in the first half of the
// window so chunks don't break mid-paragraph when avoidable.
func SplitMessage(text string) []string {
	var chunks []string
	remaining := text
	for len(remaining) > MaxMessageLength {
		window := remaining[:MaxMessageLength]
		split := lastNewline(window)
		if split == -1 || split < MaxMessageLength/2 {
			split = MaxMessageLength
		}
		chunks = append(chunks, remaining[:split])
		remaining = trimLeadingSpace(remaining[split:])
	}
	chunks = append(chunks, remaining)
	return chunks
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func trimLeadingSpace(s string) string {
	i := 0
	for i < len(s) && unicode.IsSpace(rune(s[i])) {
		i++
	}
	return s[i:]
}

// StartReactions adds the ingress-acknowledgment reaction that marks a
// turn as having begun processing.
func StartReactions(ctx context.Context, client chatclient.Client, channel, ts string) error {
	return client.ReactionAdd(ctx, channel, ts, hourglassReaction)
}

// CompleteReactions adds the checkmark/x reaction before removing the
// hourglass, in that order, to avoid a visual flicker of "no reaction".
func CompleteReactions(ctx context.Context, client chatclient.Client, channel, ts string, success bool) error {
	name := checkmarkReaction
	if !success {
		name = failureReaction
	}
	if err := client.ReactionAdd(ctx, channel, ts, name); err != nil {
		return err
	}
	return client.ReactionRemove(ctx, channel, ts, hourglassReaction)
}

// InboxReaction and RemoveInboxReaction mark/unmark ingress, added by
// the scheduler at the moment a message is queued.
func InboxReaction(ctx context.Context, client chatclient.Client, channel, ts string) error {
	return client.ReactionAdd(ctx, channel, ts, inboxReaction)
}

func RemoveInboxReaction(ctx context.Context, client chatclient.Client, channel, ts string) error {
	return client.ReactionRemove(ctx, channel, ts, inboxReaction)
}

// BatchResponder ignores deltas and posts the fully translated,
// split-or-uploaded response once the turn completes.
type BatchResponder struct {
	client   chatclient.Client
	channel  string
	threadTS string
}

func NewBatchResponder(client chatclient.Client, channel, threadTS string) *BatchResponder {
	return &BatchResponder{client: client, channel: channel, threadTS: threadTS}
}

func (r *BatchResponder) OnTextDelta(text string) {}

func (r *BatchResponder) Finish(ctx context.Context, finalText string) (string, error) {
	translated := markup.Translate(finalText)

	if len(translated) > FileThreshold {
		if err := r.client.FileUpload(ctx, r.channel, r.threadTS, []byte(translated), "response.md", "response.md"); err != nil {
			return "", err
		}
		return "", nil
	}

	var firstTS string
	for _, chunk := range SplitMessage(translated) {
		ts, err := r.client.PostMessage(ctx, r.channel, r.threadTS, chunk)
		if err != nil {
			return firstTS, err
		}
		if firstTS == "" {
			firstTS = ts
		}
	}
	return firstTS, nil
}

// EditThrottledResponder posts one message on the first delta, then
// updates it on a fixed tick as long as the buffer has grown.
type EditThrottledResponder struct {
	client   chatclient.Client
	channel  string
	threadTS string
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	logger   *logx.Logger

	mu        sync.Mutex
	fullText  string
	lastFlush string
	messageTS string
	started   bool
	finished  bool
	tickDone  chan struct{}
}

func NewEditThrottledResponder(ctx context.Context, client chatclient.Client, channel, threadTS string) *EditThrottledResponder {
	cctx, cancel := context.WithCancel(ctx)
	return &EditThrottledResponder{
		client:   client,
		channel:  channel,
		threadTS: threadTS,
		ctx:      cctx,
		cancel:   cancel,
		interval: StreamUpdateInterval,
		logger:   logx.NewLogger("response"),
		tickDone: make(chan struct{}),
	}
}

func (r *EditThrottledResponder) OnTextDelta(text string) {
	r.mu.Lock()
	r.fullText += text
	needsStart := !r.started
	r.started = true
	r.mu.Unlock()

	if needsStart {
		r.start()
	}
}

func (r *EditThrottledResponder) start() {
	r.mu.Lock()
	snapshot := r.fullText
	r.mu.Unlock()

	ts, err := r.client.PostMessage(r.ctx, r.channel, r.threadTS, renderStreaming(snapshot))
	if err != nil {
		r.logger.Error("post initial streamed message: %v", err)
		return
	}

	r.mu.Lock()
	r.messageTS = ts
	r.lastFlush = snapshot
	r.mu.Unlock()

	go r.tickLoop()
}

func (r *EditThrottledResponder) tickLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.tickDone:
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Flush pushes the current buffer if it has grown since the last
// flush. Exported so the internal ticker and tests share one path.
func (r *EditThrottledResponder) Flush() {
	r.mu.Lock()
	ts := r.messageTS
	text := r.fullText
	grown := text != r.lastFlush
	r.lastFlush = text
	r.mu.Unlock()

	if ts == "" || !grown {
		return
	}
	if err := r.client.Update(r.ctx, r.channel, ts, renderStreaming(text)); err != nil {
		r.logger.Error("update streamed message: %v", err)
	}
}

func (r *EditThrottledResponder) Finish(ctx context.Context, finalText string) (string, error) {
	r.mu.Lock()
	if r.finished {
		ts := r.messageTS
		r.mu.Unlock()
		return ts, nil
	}
	r.finished = true
	r.fullText = finalText
	ts := r.messageTS
	r.mu.Unlock()

	close(r.tickDone)
	r.cancel()

	if ts == "" {
		newTS, err := r.client.PostMessage(ctx, r.channel, r.threadTS, renderFinal(finalText))
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.messageTS = newTS
		r.mu.Unlock()
		ts = newTS
	} else if err := r.client.Update(ctx, r.channel, ts, renderFinal(finalText)); err != nil {
		return ts, err
	}

	translated := markup.Translate(finalText)
	switch {
	case len(translated) > FileThreshold:
		_ = r.client.Delete(ctx, r.channel, ts)
		if err := r.client.FileUpload(ctx, r.channel, r.threadTS, []byte(translated), "response.md", "response.md"); err != nil {
			return ts, err
		}
	case len(translated) > MaxMessageLength:
		chunks := SplitMessage(translated)
		if err := r.client.Update(ctx, r.channel, ts, chunks[0]); err != nil {
			return ts, err
		}
		for _, chunk := range chunks[1:] {
			if _, err := r.client.PostMessage(ctx, r.channel, r.threadTS, chunk); err != nil {
				return ts, err
			}
		}
	}
	return ts, nil
}

func renderStreaming(text string) string {
	translated := markup.Translate(text)
	limit := MaxMessageLength - len(truncatedSuffix) - len(writingIndicator)
	if len(translated) > limit {
		translated = translated[:limit] + truncatedSuffix
	}
	return translated + writingIndicator
}

func renderFinal(text string) string {
	return markup.Translate(text)
}

// NativeStreamResponder posts a placeholder immediately, then opens a
// native append-only stream on the first delta.
type NativeStreamResponder struct {
	client   chatclient.Client
	channel  string
	threadTS string
	ctx      context.Context

	mu            sync.Mutex
	placeholderTS string
	streamer      chatclient.Streamer
	started       bool
}

func NewNativeStreamResponder(ctx context.Context, client chatclient.Client, channel, threadTS string) (*NativeStreamResponder, error) {
	ts, err := client.PostMessage(ctx, channel, threadTS, thinkingPlaceholder)
	if err != nil {
		return nil, err
	}
	return &NativeStreamResponder{client: client, channel: channel, threadTS: threadTS, ctx: ctx, placeholderTS: ts}, nil
}

func (r *NativeStreamResponder) OnTextDelta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		r.started = true
		if streamer, err := r.client.ChatStream(r.ctx, r.channel, r.threadTS, 1); err == nil {
			r.streamer = streamer
			_ = r.client.Delete(r.ctx, r.channel, r.placeholderTS)
		}
	}
	// The native stream takes markdown as-is; no mrkdwn translation.
	if r.streamer != nil {
		_ = r.streamer.Append(text)
	}
}

func (r *NativeStreamResponder) Finish(ctx context.Context, finalText string) (string, error) {
	r.mu.Lock()
	started := r.started
	streamer := r.streamer
	placeholderTS := r.placeholderTS
	r.mu.Unlock()

	if streamer != nil {
		_ = streamer.Stop()
	}
	if !started {
		_ = r.client.Delete(ctx, r.channel, placeholderTS)
	}

	translated := markup.Translate(finalText)

	// A turn can complete without ever streaming a delta (a batch-style
	// result, or an error surfaced as the final text). With no stream
	// open, the text would otherwise never reach the channel.
	if !started && translated != "" && len(translated) <= FileThreshold {
		ts, err := r.client.PostMessage(ctx, r.channel, r.threadTS, translated)
		if err != nil {
			return placeholderTS, err
		}
		return ts, nil
	}

	if len(translated) > FileThreshold {
		if err := r.client.FileUpload(ctx, r.channel, r.threadTS, []byte(translated), "response.md", "response.md"); err != nil {
			return placeholderTS, err
		}
	}
	return placeholderTS, nil
}
