package claude

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEchoClaude installs a "claude" script that, for every stdin line,
// emits one text_delta echoing the received content, then a result.
func fakeEchoClaude(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")

	script := `#!/bin/sh
while IFS= read -r line; do
  printf '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"got-it"}}}\n'
  printf '{"type":"result","result":"ack","cost_usd":0.001,"usage":{"input_tokens":1,"output_tokens":1}}\n'
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}

func TestRunPersistentTurnIdleTimeoutSurfacesDistinctError(t *testing.T) {
	// The Agent accepts the turn over stdin but never produces output,
	// so the idle timer fires and rejects the in-flight turn.
	dir := t.TempDir()
	script := "#!/bin/sh\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "claude"), []byte(script), 0o755))
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))

	s := NewSupervisor()
	cfg := SpawnConfig{ChannelID: "C001", Folder: t.TempDir(), TimeoutMs: 100}

	_, err := s.RunPersistentTurn(cfg, "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle timeout")
	assert.NotContains(t, err.Error(), "exited with code")

	assert.Empty(t, s.ActiveProcesses(), "timed-out agent is removed from the registry")
}

func TestRunPersistentTurnSpawnsAndReuses(t *testing.T) {
	fakeEchoClaude(t)

	s := NewSupervisor()
	cfg := SpawnConfig{ChannelID: "C001", Folder: t.TempDir(), TimeoutMs: 5000}

	var deltas []string
	res, err := s.RunPersistentTurn(cfg, "turn one", func(text string) { deltas = append(deltas, text) })
	require.NoError(t, err)
	assert.Equal(t, "ack", res.Text)
	assert.Equal(t, []string{"got-it"}, deltas)

	procs := s.ActiveProcesses()
	require.Len(t, procs, 1)
	assert.Equal(t, ModePersistent, procs[0].Mode)
	assert.Equal(t, 1, procs[0].MessageCount)
	assert.False(t, procs[0].IsActive, "no turn in flight between turns")

	res2, err := s.RunPersistentTurn(cfg, "turn two", nil)
	require.NoError(t, err)
	assert.Equal(t, "ack", res2.Text)

	procs = s.ActiveProcesses()
	require.Len(t, procs, 1)
	assert.Equal(t, 2, procs[0].MessageCount)

	assert.True(t, s.KillProcess("C001"))
}
