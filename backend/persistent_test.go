package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMockCLI writes an executable shell script that stands in for the
// agent CLI. Scripts ignore their arguments and speak the stream-JSON
// protocol on stdin/stdout.
func writeMockCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mock-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

// collectSink returns a DeltaSink that appends into a shared slice.
func collectSink() (DeltaSink, func() []string) {
	var mu sync.Mutex
	var got []string
	sink := func(text string) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	}
	return sink, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func TestPersistentArgs(t *testing.T) {
	args := persistentArgs(PersistentOptions{})
	assert.Contains(t, args, "--output-format")
	assert.Contains(t, args, "--input-format")
	assert.Contains(t, args, "--include-partial-messages")
	assert.Contains(t, args, "--dangerously-skip-permissions")
	assert.NotContains(t, args, "--model")
	assert.NotContains(t, args, "--resume")

	args = persistentArgs(PersistentOptions{
		Model:              "opus",
		ResumeID:           "S1",
		Compact:            true,
		MCPConfig:          "/etc/mcp.json",
		AppendSystemPrompt: "be brief",
	})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--model opus")
	assert.Contains(t, joined, "--resume S1")
	assert.Contains(t, joined, "--compact")
	assert.Contains(t, joined, "--append-system-prompt be brief")
	assert.Contains(t, joined, "--mcp-config /etc/mcp.json")
}

func TestScrubEnv(t *testing.T) {
	in := []string{
		"HOME=/home/u",
		"CLAUDECODE=1",
		"CI=false",
		"PATH=/usr/bin:/proj/node_modules/.bin:/bin",
	}
	out := scrubEnv(in)
	joined := strings.Join(out, "\n")
	assert.NotContains(t, joined, "CLAUDECODE")
	assert.Contains(t, out, "CI=true")
	assert.Contains(t, out, "PATH=/usr/bin:/bin")
	assert.Contains(t, out, "HOME=/home/u")
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		tb.Add(s)
	}
	assert.Equal(t, "b\nc\nd", tb.Tail(100))
	assert.Equal(t, "c\nd", tb.Tail(3))
}

func TestPersistentTurn(t *testing.T) {
	bin := writeMockCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"S1"}'
while read line; do
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"he"}}}'
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"ll"}}}'
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"o"}}}'
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}'
  echo '{"type":"result","session_id":"S1","total_cost_usd":0.25}'
done
`)
	p := NewPersistentProcess(PersistentOptions{Binary: bin})
	require.NoError(t, p.Start())
	defer p.Stop()

	sink, got := collectSink()
	res, err := p.SendMessage(context.Background(), "hi", sink)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "S1", res.SessionID)
	assert.Equal(t, []string{"he", "ll", "o"}, got())
	assert.Equal(t, "hello", strings.Join(got(), ""))
	assert.Equal(t, 0.25, p.TotalCost())
	assert.Equal(t, "S1", p.SessionID())
	assert.False(t, p.Busy())
}

func TestPersistentNotRunning(t *testing.T) {
	p := NewPersistentProcess(PersistentOptions{Binary: "/bin/true"})
	_, err := p.SendMessage(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPersistentBusy(t *testing.T) {
	bin := writeMockCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"S1"}'
read line
exec sleep 5
`)
	p := NewPersistentProcess(PersistentOptions{Binary: bin})
	require.NoError(t, p.Start())
	defer p.Stop()

	go func() {
		_, _ = p.SendMessage(context.Background(), "first", nil)
	}()
	require.Eventually(t, p.Busy, 2*time.Second, 10*time.Millisecond)

	_, err := p.SendMessage(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestPersistentChildExitDuringTurn(t *testing.T) {
	bin := writeMockCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"S1"}'
read line
echo "boom: out of quota" >&2
exit 7
`)
	p := NewPersistentProcess(PersistentOptions{Binary: bin})
	require.NoError(t, p.Start())

	_, err := p.SendMessage(context.Background(), "hi", nil)
	require.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 7, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "out of quota")
	assert.False(t, p.Alive())
}

func TestPersistentAbortKeepsChildAlive(t *testing.T) {
	bin := writeMockCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"S1"}'
while read line; do :; done
`)
	p := NewPersistentProcess(PersistentOptions{Binary: bin})
	require.NoError(t, p.Start())
	defer p.Stop()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.SendMessage(context.Background(), "hi", nil)
		errCh <- err
	}()
	require.Eventually(t, p.Busy, 2*time.Second, 10*time.Millisecond)

	p.AbortTurn()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted turn did not resolve")
	}
	assert.True(t, p.Alive())
	assert.False(t, p.Busy())
}

func TestPersistentCancellation(t *testing.T) {
	bin := writeMockCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"S1"}'
while read line; do :; done
`)
	p := NewPersistentProcess(PersistentOptions{Binary: bin})
	require.NoError(t, p.Start())
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.SendMessage(ctx, "hi", nil)
		errCh <- err
	}()
	require.Eventually(t, p.Busy, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled turn did not resolve")
	}
	assert.True(t, p.Alive())
}

func TestPersistentTimeoutResolvesPartial(t *testing.T) {
	bin := writeMockCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"S1"}'
read line
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"par"}}}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"tial"}}}'
exec sleep 5
`)
	p := NewPersistentProcess(PersistentOptions{
		Binary:      bin,
		TurnTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, p.Start())
	defer p.Stop()

	res, err := p.SendMessage(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Text)
}

func TestPersistentStopIdempotent(t *testing.T) {
	bin := writeMockCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"S1"}'
while read line; do :; done
`)
	p := NewPersistentProcess(PersistentOptions{Binary: bin})
	require.NoError(t, p.Start())
	p.Stop()
	p.Stop()
	assert.False(t, p.Alive())
}
