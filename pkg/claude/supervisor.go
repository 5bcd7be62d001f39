package claude

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ktamas77/claudeway/pkg/logx"
	"github.com/ktamas77/claudeway/pkg/session"
)

// binaryName is the Agent executable looked up on PATH.
const binaryName = "claude"

var log = logx.NewLogger("claude-runner")

// oneshotEntry and persistentEntry are the two registries' record shapes.
// Both snapshot into ActiveProcess; they stay two concrete types rather
// than one tagged record, since oneshot entries have no currentTurn slot.
type oneshotEntry struct {
	mu           sync.Mutex
	cmd          *exec.Cmd
	channelID    string
	sessionID    uuid.UUID
	startedAt    time.Time
	promptPrefix string
	timers       *TimeoutManager
	expiry       ExpiryReason // set when a timer fired; empty otherwise
}

type persistentEntry struct {
	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        ioWriteCloser
	channelID    string
	sessionID    uuid.UUID
	startedAt    time.Time
	promptPrefix string
	messageCount int
	totalCost    float64
	totalTokens  int
	currentTurn  *turn
	timers       *TimeoutManager
	stderrBuf    strings.Builder
	exited       bool
	exitErr      error
	expiry       ExpiryReason // set when a timer fired; empty otherwise
}

type ioWriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// turn is the completion slot for one in-flight persistent exchange.
type turn struct {
	onDelta  func(text string)
	fullText strings.Builder
	done     chan TurnResult
	errCh    chan error
}

// Supervisor owns every live Agent child process for the gateway. All
// registry mutation happens with mu held; each process's stdout/stderr
// reader goroutines communicate back to the owning entry only, and the
// entry is deleted in exactly one place, the process's wait path.
type Supervisor struct {
	mu         sync.Mutex
	oneshots   map[string]*oneshotEntry
	persistent map[string]*persistentEntry
	homeDir    string // override point for tests; empty means os.UserHomeDir()
}

// NewSupervisor constructs an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		oneshots:   make(map[string]*oneshotEntry),
		persistent: make(map[string]*persistentEntry),
	}
}

func (s *Supervisor) home() string {
	if s.homeDir != "" {
		return s.homeDir
	}
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.Getenv("HOME")
}

// busy reports whether channelID already has a live entry in either
// registry. Caller must hold s.mu.
func (s *Supervisor) busyLocked(channelID string) bool {
	_, oneshotBusy := s.oneshots[channelID]
	_, persistentBusy := s.persistent[channelID]
	return oneshotBusy || persistentBusy
}

// buildEnv inherits the parent environment, strips CLAUDECODE (its
// presence causes the Agent to refuse the spawn as a nested invocation),
// and synthesizes HOME from USER if HOME is altogether missing.
func buildEnv() []string {
	parent := os.Environ()
	env := make([]string, 0, len(parent))
	hasHome := false
	for _, kv := range parent {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		if strings.HasPrefix(kv, "HOME=") {
			hasHome = true
		}
		env = append(env, kv)
	}
	if !hasHome {
		if user := os.Getenv("USER"); user != "" {
			env = append(env, "HOME=/home/"+user)
		}
	}
	return env
}

// mcpConfigPath returns the path to mcp.json if one exists in the
// supervisor process's own working directory (not the channel's folder).
func mcpConfigPath() string {
	if wd, err := os.Getwd(); err == nil {
		p := filepath.Join(wd, "mcp.json")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// buildArgs assembles the Agent command line. Flag order matters to the
// binary; prompt is always the final positional argument.
func buildArgs(cfg SpawnConfig, sessionID uuid.UUID, resume bool, mode ProcessMode, prompt string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages"}

	if mode == ModePersistent {
		args = append(args, "--input-format", "stream-json", "--replay-user-messages")
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if resume {
		args = append(args, "--resume", sessionID.String())
	} else {
		args = append(args, "--session-id", sessionID.String())
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	args = append(args, "--dangerously-skip-permissions")
	if path := mcpConfigPath(); path != "" {
		args = append(args, "--mcp-config", path)
	}
	args = append(args, prompt)
	return args
}

// withImageSuffix extends a oneshot prompt with the attachment paths so
// the Agent can open them with its own file tools.
func withImageSuffix(prompt string, imagePaths []string) string {
	if len(imagePaths) == 0 {
		return prompt
	}
	return prompt + "\n\n[Attached image files — use your Read tool to view them]\n" + strings.Join(imagePaths, "\n")
}

func idleTimeout(cfg SpawnConfig) time.Duration {
	if cfg.TimeoutMs <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// ActiveProcesses returns a snapshot of every live entry across both
// registries.
func (s *Supervisor) ActiveProcesses() []ActiveProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ActiveProcess, 0, len(s.oneshots)+len(s.persistent))
	for _, e := range s.oneshots {
		out = append(out, ActiveProcess{
			ChannelID:    e.channelID,
			SessionID:    e.sessionID,
			Mode:         ModeOneshot,
			StartedAt:    e.startedAt,
			PromptPrefix: e.promptPrefix,
			IsActive:     true,
		})
	}
	for _, e := range s.persistent {
		e.mu.Lock()
		out = append(out, ActiveProcess{
			ChannelID:    e.channelID,
			SessionID:    e.sessionID,
			Mode:         ModePersistent,
			StartedAt:    e.startedAt,
			PromptPrefix: e.promptPrefix,
			MessageCount: e.messageCount,
			TotalCost:    e.totalCost,
			TotalTokens:  e.totalTokens,
			IsActive:     e.currentTurn != nil,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// KillProcess sends SIGTERM to the entry for channelID, clearing its
// timers. Returns whether an entry was found.
func (s *Supervisor) KillProcess(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.oneshots[channelID]; ok && e.cmd != nil {
		e.timers.Stop()
		_ = e.cmd.Process.Signal(syscall.SIGTERM)
		return true
	}
	if e, ok := s.persistent[channelID]; ok && e.cmd != nil {
		e.timers.Stop()
		_ = e.cmd.Process.Signal(syscall.SIGTERM)
		return true
	}
	return false
}

// NudgeProcess sends SIGINT to the entry for channelID without touching
// timers or the registry. Returns whether an entry was found.
func (s *Supervisor) NudgeProcess(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.oneshots[channelID]; ok && e.cmd != nil {
		_ = e.cmd.Process.Signal(syscall.SIGINT)
		return true
	}
	if e, ok := s.persistent[channelID]; ok && e.cmd != nil {
		_ = e.cmd.Process.Signal(syscall.SIGINT)
		return true
	}
	return false
}

// KillAllProcesses sends SIGTERM to every live entry and returns the
// affected channel IDs.
func (s *Supervisor) KillAllProcesses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for ch, e := range s.oneshots {
		if e.cmd == nil {
			continue
		}
		e.timers.Stop()
		_ = e.cmd.Process.Signal(syscall.SIGTERM)
		affected = append(affected, ch)
	}
	for ch, e := range s.persistent {
		if e.cmd == nil {
			continue
		}
		e.timers.Stop()
		_ = e.cmd.Process.Signal(syscall.SIGTERM)
		affected = append(affected, ch)
	}
	sort.Strings(affected)
	return affected
}

// exitErrorMessage formats a non-zero exit as "Claude exited with code
// <n>: <trimmed stderr>".
func exitErrorMessage(code int, stderr string) string {
	return fmt.Sprintf("Claude exited with code %d: %s", code, strings.TrimSpace(stderr))
}

func isSessionCollision(msg string) bool {
	return strings.Contains(msg, "already in use")
}

func deriveArtifacts(home string, cfg SpawnConfig, sessionID uuid.UUID) session.Artifacts {
	return session.ArtifactPaths(sessionID, cfg.Folder, home)
}
