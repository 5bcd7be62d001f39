package claude

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ktamas77/claudeway/pkg/session"
)

// pumpLines reads r in raw chunks (not line-buffered), invoking
// recordActivity on every non-empty read and emit on every complete line
// extracted from the accumulated buffer. A trailing partial line is
// retained across chunks and emitted once r is exhausted.
func pumpLines(r io.Reader, recordActivity func(), emit func(line string)) {
	buf := make([]byte, 32*1024)
	var pending strings.Builder

	for {
		n, err := r.Read(buf)
		if n > 0 {
			recordActivity()
			pending.Write(buf[:n])
			lines := strings.Split(pending.String(), "\n")
			pending.Reset()
			for i := 0; i < len(lines)-1; i++ {
				emit(lines[i])
			}
			pending.WriteString(lines[len(lines)-1])
		}
		if err != nil {
			if pending.Len() > 0 {
				emit(pending.String())
			}
			return
		}
	}
}

// OneshotResult is what a successful oneshot run resolves to.
type OneshotResult struct {
	Text      string
	SessionID string
	Cost      float64
	Tokens    int
}

// RunOneshot spawns a fresh Agent for a single message, waits for it to
// exit, and resolves with its Result event (or the accumulated delta text
// if the Agent never emitted one). onDelta is invoked for every TextDelta
// in stdout order.
func (s *Supervisor) RunOneshot(cfg SpawnConfig, prompt string, imagePaths []string, onDelta func(string)) (OneshotResult, error) {
	s.mu.Lock()
	if s.busyLocked(cfg.ChannelID) {
		s.mu.Unlock()
		return OneshotResult{}, fmt.Errorf("channel %s already has an active process", cfg.ChannelID)
	}
	// Reserve the slot immediately so a racing second call sees it busy;
	// the real entry replaces this placeholder once exec.Command succeeds.
	s.oneshots[cfg.ChannelID] = &oneshotEntry{channelID: cfg.ChannelID}
	s.mu.Unlock()

	result, err := s.runOneshotAttempt(cfg, prompt, imagePaths, onDelta, false)
	if err != nil && isSessionCollision(err.Error()) {
		sessionID := session.DeriveSessionID(cfg.ChannelID, cfg.Folder)
		session.ClearArtifacts(deriveArtifacts(s.home(), cfg, sessionID))
		result, err = s.runOneshotAttempt(cfg, prompt, imagePaths, onDelta, true)
	}

	s.mu.Lock()
	delete(s.oneshots, cfg.ChannelID)
	s.mu.Unlock()

	return result, err
}

// runOneshotAttempt runs exactly one spawn, forceSessionID overriding the
// usual "resume if artifacts exist" decision (used for the single
// session-collision retry).
func (s *Supervisor) runOneshotAttempt(cfg SpawnConfig, prompt string, imagePaths []string, onDelta func(string), forceSessionID bool) (OneshotResult, error) {
	sessionID := session.DeriveSessionID(cfg.ChannelID, cfg.Folder)
	artifacts := deriveArtifacts(s.home(), cfg, sessionID)
	resume := artifacts.Exists() && !forceSessionID

	fullPrompt := withImageSuffix(prompt, imagePaths)
	args := buildArgs(cfg, sessionID, resume, ModeOneshot, fullPrompt)

	cmd := exec.Command(binaryName, args...)
	cmd.Dir = cfg.Folder
	cmd.Env = buildEnv()
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return OneshotResult{}, fmt.Errorf("failed to spawn claude: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return OneshotResult{}, fmt.Errorf("failed to spawn claude: %w", err)
	}

	entry := &oneshotEntry{
		channelID:    cfg.ChannelID,
		sessionID:    sessionID,
		promptPrefix: promptPrefix(prompt),
	}
	timers := NewTimeoutManager(idleTimeout(cfg), func(reason ExpiryReason) {
		entry.mu.Lock()
		entry.expiry = reason
		entry.mu.Unlock()
		_ = cmd.Process.Signal(syscall.SIGTERM)
		log.Warn("%s: %s", cfg.ChannelID, reason)
	})

	if err := cmd.Start(); err != nil {
		return OneshotResult{}, fmt.Errorf("failed to spawn claude: %w", err)
	}
	timers.Start()

	entry.cmd = cmd
	entry.timers = timers
	entry.startedAt = time.Now()
	s.mu.Lock()
	s.oneshots[cfg.ChannelID] = entry
	s.mu.Unlock()

	var stderrBuf bytes.Buffer
	var finalEvent *Event
	var textBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpLines(stdout, timers.RecordActivity, func(line string) {
			ev := ParseStreamLine(line)
			if ev == nil {
				return
			}
			switch ev.Kind {
			case EventTextDelta:
				textBuf.WriteString(ev.Text)
				if onDelta != nil {
					onDelta(ev.Text)
				}
			case EventResult:
				finalEvent = ev
			}
		})
	}()
	go func() {
		defer wg.Done()
		pumpLines(stderr, timers.RecordActivity, func(line string) {
			stderrBuf.WriteString(line)
			stderrBuf.WriteString("\n")
		})
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	timers.Stop()

	// A fired timer takes precedence over the generic exit-code error,
	// so a timed-out run is distinguishable from a crash or a kill.
	entry.mu.Lock()
	expired := entry.expiry
	entry.mu.Unlock()
	if expired != "" {
		return OneshotResult{}, fmt.Errorf("claude terminated by %s", expired)
	}

	if waitErr != nil {
		return OneshotResult{}, fmt.Errorf("%s", exitErrorMessage(exitCode(waitErr), stderrBuf.String()))
	}

	if finalEvent != nil {
		result := OneshotResult{Text: finalEvent.Text}
		if finalEvent.SessionID != nil {
			result.SessionID = *finalEvent.SessionID
		}
		if finalEvent.Cost != nil {
			result.Cost = *finalEvent.Cost
		}
		if finalEvent.Tokens != nil {
			result.Tokens = *finalEvent.Tokens
		}
		return result, nil
	}
	return OneshotResult{Text: textBuf.String(), SessionID: sessionID.String()}, nil
}

// exitCode extracts the process exit code from the error cmd.Wait()
// returns, defaulting to -1 for signals or launch failures that never
// produced a code.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
