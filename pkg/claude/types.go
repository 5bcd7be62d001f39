// Package claude supervises the Agent (a locally-installed AI coding
// assistant CLI) as a child process, in either oneshot or persistent
// mode, and parses its newline-delimited JSON stdout stream.
package claude

import (
	"time"

	"github.com/google/uuid"
)

// ProcessMode is the process-reuse strategy for a channel. The
// enumeration is closed: dispatch on it should be exhaustive.
type ProcessMode string

const (
	ModeOneshot    ProcessMode = "oneshot"
	ModePersistent ProcessMode = "persistent"
)

// SpawnConfig carries everything the supervisor needs to build a command
// line and working environment for one channel, independent of how the
// config was resolved (see pkg/config.ResolvedChannelConfig).
type SpawnConfig struct {
	ChannelID    string
	Folder       string
	Model        string
	SystemPrompt string
	TimeoutMs    int
}

// ActiveProcess is a read-only snapshot of one live Agent invocation,
// returned by Supervisor.ActiveProcesses. Mutating it has no effect on
// the supervisor's internal state.
type ActiveProcess struct {
	ChannelID    string
	SessionID    uuid.UUID
	Mode         ProcessMode
	StartedAt    time.Time
	PromptPrefix string
	MessageCount int
	TotalCost    float64
	TotalTokens  int
	IsActive     bool
}

// TurnResult is what a completed turn resolves to, whether from a
// oneshot run's exit or a persistent turn's Result event.
type TurnResult struct {
	Text      string
	SessionID string
	Cost      float64
	Tokens    int
}

// promptPrefix truncates a prompt to at most 80 characters for display in
// ActiveProcess / !ps output.
func promptPrefix(text string) string {
	const max = 80
	r := []rune(text)
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max])
}
