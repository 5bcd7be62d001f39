package claude

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/ktamas77/claudeway/pkg/session"
)

// userStdinMessage is the single line written to a persistent Agent's
// stdin for every turn.
type userStdinMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// RunPersistentTurn delivers one turn to the channel's long-lived Agent,
// spawning one transparently if none is running or the previous one has
// exited. onDelta is invoked for every TextDelta in stdout order; the
// call blocks until the Agent emits a Result event or the process exits.
func (s *Supervisor) RunPersistentTurn(cfg SpawnConfig, text string, onDelta func(string)) (TurnResult, error) {
	entry, err := s.getOrSpawnPersistent(cfg)
	if err != nil {
		return TurnResult{}, err
	}

	t := &turn{onDelta: onDelta, done: make(chan TurnResult, 1), errCh: make(chan error, 1)}

	entry.mu.Lock()
	entry.currentTurn = t
	entry.promptPrefix = promptPrefix(text)
	entry.mu.Unlock()

	msg := userStdinMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = text
	payload, err := json.Marshal(msg)
	if err != nil {
		entry.mu.Lock()
		entry.currentTurn = nil
		entry.mu.Unlock()
		return TurnResult{}, fmt.Errorf("failed to encode turn: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := entry.stdin.Write(payload); err != nil {
		entry.mu.Lock()
		entry.currentTurn = nil
		entry.mu.Unlock()
		return TurnResult{}, fmt.Errorf("failed to write to claude stdin: %w", err)
	}

	select {
	case res := <-t.done:
		return res, nil
	case err := <-t.errCh:
		return TurnResult{}, err
	}
}

// getOrSpawnPersistent returns the channel's live persistent entry,
// spawning one if none exists. Exited entries are removed from the
// registry by waitPersistent (the single cleanup point), so any entry
// found here is presumed live.
func (s *Supervisor) getOrSpawnPersistent(cfg SpawnConfig) (*persistentEntry, error) {
	s.mu.Lock()
	if e, ok := s.persistent[cfg.ChannelID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	if s.busyLocked(cfg.ChannelID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("channel %s already has an active process", cfg.ChannelID)
	}
	s.mu.Unlock()

	return s.spawnPersistent(cfg)
}

func (s *Supervisor) spawnPersistent(cfg SpawnConfig) (*persistentEntry, error) {
	sessionID := session.DeriveSessionID(cfg.ChannelID, cfg.Folder)
	artifacts := deriveArtifacts(s.home(), cfg, sessionID)
	resume := artifacts.Exists()

	// The command line carries no prompt text of its own; every turn,
	// including the first, is delivered over stdin.
	args := buildArgs(cfg, sessionID, resume, ModePersistent, "")

	cmd := exec.Command(binaryName, args...)
	cmd.Dir = cfg.Folder
	cmd.Env = buildEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to spawn claude: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to spawn claude: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to spawn claude: %w", err)
	}

	entry := &persistentEntry{
		cmd:       cmd,
		stdin:     stdin,
		channelID: cfg.ChannelID,
		sessionID: sessionID,
	}
	entry.timers = NewTimeoutManager(idleTimeout(cfg), func(reason ExpiryReason) {
		entry.mu.Lock()
		entry.expiry = reason
		entry.mu.Unlock()
		_ = cmd.Process.Signal(syscall.SIGTERM)
		log.Warn("%s: %s", cfg.ChannelID, reason)
	})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn claude: %w", err)
	}
	entry.timers.Start()
	entry.startedAt = time.Now()

	s.mu.Lock()
	s.persistent[cfg.ChannelID] = entry
	s.mu.Unlock()

	go pumpLines(stdout, entry.timers.RecordActivity, func(line string) { s.handlePersistentLine(entry, line) })
	go pumpLines(stderr, entry.timers.RecordActivity, func(line string) {
		entry.mu.Lock()
		entry.stderrBuf.WriteString(line)
		entry.stderrBuf.WriteString("\n")
		entry.mu.Unlock()
	})
	go s.waitPersistent(entry)

	return entry, nil
}

func (s *Supervisor) handlePersistentLine(entry *persistentEntry, line string) {
	ev := ParseStreamLine(line)
	if ev == nil {
		return
	}

	entry.mu.Lock()
	t := entry.currentTurn

	switch ev.Kind {
	case EventTextDelta:
		if t == nil {
			entry.mu.Unlock()
			return
		}
		t.fullText.WriteString(ev.Text)
		cb := t.onDelta
		entry.mu.Unlock()
		if cb != nil {
			cb(ev.Text)
		}

	case EventResult:
		if t == nil {
			entry.mu.Unlock()
			return
		}
		entry.messageCount++
		if ev.Cost != nil {
			entry.totalCost += *ev.Cost
		}
		if ev.Tokens != nil {
			entry.totalTokens += *ev.Tokens
		}
		text := ev.Text
		if text == "" {
			text = t.fullText.String()
		}
		result := TurnResult{Text: text}
		if ev.SessionID != nil {
			result.SessionID = *ev.SessionID
		} else {
			result.SessionID = entry.sessionID.String()
		}
		if ev.Cost != nil {
			result.Cost = *ev.Cost
		}
		if ev.Tokens != nil {
			result.Tokens = *ev.Tokens
		}
		entry.currentTurn = nil
		entry.mu.Unlock()
		t.done <- result

	case EventUserReceipt:
		entry.mu.Unlock()
	}
}

// waitPersistent is the single cleanup point for a persistent Agent: it
// always removes the registry entry, clears timers, and resolves or
// rejects any turn still in flight.
func (s *Supervisor) waitPersistent(entry *persistentEntry) {
	waitErr := entry.cmd.Wait()
	entry.timers.Stop()

	entry.mu.Lock()
	entry.exited = true
	entry.exitErr = waitErr
	t := entry.currentTurn
	entry.currentTurn = nil
	stderrText := entry.stderrBuf.String()
	expired := entry.expiry
	entry.mu.Unlock()

	s.mu.Lock()
	if s.persistent[entry.channelID] == entry {
		delete(s.persistent, entry.channelID)
	}
	s.mu.Unlock()

	if t == nil {
		return
	}
	// A fired timer takes precedence over the generic exit-code error,
	// so a timed-out turn is distinguishable from a crash or a kill.
	if expired != "" {
		t.errCh <- fmt.Errorf("claude terminated by %s", expired)
		return
	}
	if waitErr != nil {
		t.errCh <- fmt.Errorf("%s", exitErrorMessage(exitCode(waitErr), stderrText))
		return
	}
	t.errCh <- fmt.Errorf("claude exited before producing a result")
}
