// Package command implements the magic-prefix command interpreter
// (!ps, !kill, !killall, !nudge) that bypasses the durable queue and
// drives the Agent supervisor directly.
package command

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ktamas77/claudeway/pkg/chatclient"
	"github.com/ktamas77/claudeway/pkg/claude"
	"github.com/ktamas77/claudeway/pkg/config"
	"github.com/ktamas77/claudeway/pkg/queue"
	"github.com/ktamas77/claudeway/pkg/scheduler"
)

// Supervisor is the subset of *claude.Supervisor the interpreter
// drives directly, declared as an interface so tests can exercise
// !ps/!kill/!nudge against a fake registry.
type Supervisor interface {
	ActiveProcesses() []claude.ActiveProcess
	KillProcess(channelID string) bool
	NudgeProcess(channelID string) bool
	KillAllProcesses() []string
}

// Interpreter parses and executes the magic commands. It implements
// scheduler.CommandRouter.
type Interpreter struct {
	supervisor Supervisor
	cfg        *config.Config
	queue      *queue.Queue
	chat       chatclient.Client
}

// New constructs an Interpreter.
func New(supervisor Supervisor, cfg *config.Config, q *queue.Queue, chat chatclient.Client) *Interpreter {
	return &Interpreter{supervisor: supervisor, cfg: cfg, queue: q, chat: chat}
}

// HandleCommand parses ev.Text as a magic command and executes it,
// posting the result back into ev.ChannelID. It reports whether the
// text was recognized as a command at all.
func (in *Interpreter) HandleCommand(ctx context.Context, ev scheduler.InboundEvent) bool {
	name, arg, ok := parseCommand(ev.Text)
	if !ok {
		return false
	}

	var reply string
	switch name {
	case "ps":
		reply = in.renderPS()
	case "kill":
		reply = in.doKill(ev.ChannelID, arg)
	case "killall":
		reply = in.doKillAll()
	case "nudge":
		reply = in.doNudge(ev.ChannelID, arg)
	default:
		return false
	}

	if reply != "" {
		_, _ = in.chat.PostMessage(ctx, ev.ChannelID, ev.ThreadTS, reply)
	}
	return true
}

// parseCommand splits a magic command into its name and optional
// argument. It returns ok=false for anything not beginning with "!".
func parseCommand(text string) (name, arg string, ok bool) {
	if !strings.HasPrefix(text, "!") {
		return "", "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, "!"))
	if len(fields) == 0 {
		return "", "", false
	}
	name = strings.ToLower(fields[0])
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}
	return name, arg, true
}

func (in *Interpreter) doKill(currentChannel, ref string) string {
	target := currentChannel
	if ref != "" {
		resolved, err := in.resolveChannelRef(ref)
		if err != nil {
			return fmt.Sprintf(":warning: %v", err)
		}
		target = resolved
	}

	// Snapshot the runtime before the SIGTERM removes the entry.
	var running time.Duration
	for _, p := range in.supervisor.ActiveProcesses() {
		if p.ChannelID == target {
			running = time.Since(p.StartedAt)
			break
		}
	}

	if !in.supervisor.KillProcess(target) {
		return fmt.Sprintf(":warning: no active process in %s", in.displayName(target))
	}
	return fmt.Sprintf(":stop_sign: Killed process in %s (was running %s)", in.displayName(target), formatDuration(running))
}

func (in *Interpreter) doNudge(currentChannel, ref string) string {
	target := currentChannel
	if ref != "" {
		resolved, err := in.resolveChannelRef(ref)
		if err != nil {
			return fmt.Sprintf(":warning: %v", err)
		}
		target = resolved
	}
	if !in.supervisor.NudgeProcess(target) {
		return fmt.Sprintf(":warning: no active process in %s", in.displayName(target))
	}
	return fmt.Sprintf(":raised_hand: nudged process in %s", in.displayName(target))
}

func (in *Interpreter) doKillAll() string {
	killed := in.supervisor.KillAllProcesses()
	if len(killed) == 0 {
		return ":warning: no active processes"
	}
	names := make([]string, len(killed))
	for i, id := range killed {
		names[i] = in.displayName(id)
	}
	return fmt.Sprintf(":stop_sign: killed %d process(es): %s", len(killed), strings.Join(names, ", "))
}

// resolveChannelRef accepts a platform channel mention (<#ID|name>), a
// bare channel name, or a channel name with a leading #, and resolves
// it to a configured channel id.
func (in *Interpreter) resolveChannelRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)

	if strings.HasPrefix(ref, "<#") && strings.HasSuffix(ref, ">") {
		inner := ref[2 : len(ref)-1]
		id := inner
		if i := strings.Index(inner, "|"); i != -1 {
			id = inner[:i]
		}
		if _, ok := in.cfg.Channels[id]; ok {
			return id, nil
		}
		return "", fmt.Errorf("unknown channel %s", ref)
	}

	name := strings.TrimPrefix(ref, "#")
	if _, ok := in.cfg.Channels[name]; ok {
		return name, nil
	}
	for id, ch := range in.cfg.Channels {
		if ch.Name == name {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown channel %s", ref)
}

func (in *Interpreter) displayName(channelID string) string {
	if ch, ok := in.cfg.Channels[channelID]; ok && ch.Name != "" {
		return "#" + ch.Name
	}
	return channelID
}

// renderPS formats the !ps summary per the fixed layout: one header
// line, one line per active process, a blank line, then the queued
// breakdown by channel.
func (in *Interpreter) renderPS() string {
	active := in.supervisor.ActiveProcesses()

	var b strings.Builder
	fmt.Fprintf(&b, "Active processes: %d/%d\n", len(active), scheduler.MaxConcurrentProcesses)
	for _, p := range active {
		fmt.Fprintf(&b, "%s\n", formatActiveProcess(in.displayName(p.ChannelID), p))
	}
	b.WriteString("\n")

	pending := in.queue.GetPending()
	counts := map[string]int{}
	for _, m := range pending {
		counts[m.ChannelID]++
	}
	channels := make([]string, 0, len(counts))
	for id := range counts {
		channels = append(channels, id)
	}
	sort.Strings(channels)

	fmt.Fprintf(&b, "Queued: %d total\n", len(pending))
	for _, id := range channels {
		fmt.Fprintf(&b, "  %s: %d\n", in.displayName(id), counts[id])
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatActiveProcess(name string, p claude.ActiveProcess) string {
	indicator := "(idle)"
	if p.IsActive {
		indicator = ":hourglass_flowing_sand:"
	}
	amount := strconv.Itoa(p.TotalTokens) + " tok"
	if p.TotalTokens == 0 {
		amount = strconv.FormatFloat(p.TotalCost, 'f', 4, 64) + " USD"
	}
	return fmt.Sprintf("%s: %s, %d turn(s), %s %s", name, formatDuration(time.Since(p.StartedAt)), p.MessageCount, amount, indicator)
}

// formatDuration renders an elapsed duration as "Hh Mm Ss", "Mm Ss", or
// "Ss" depending on magnitude.
func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
