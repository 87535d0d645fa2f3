package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/arinova/agentbridge/slogger"
)

// EphemeralOptions configures an EphemeralProcess.
type EphemeralOptions struct {
	// Binary is the CLI executable. Defaults to "codex".
	Binary string

	// Cwd is passed to the child via --cd.
	Cwd string

	// Model selects the model via --model. Optional.
	Model string

	// ResumeID is a prior thread id to resume. Optional.
	ResumeID string

	Logger slogger.Logger
}

// EphemeralProcess runs one child per turn. No child exists between
// turns: SendMessage spawns a fresh single-turn invocation, reads its
// JSONL event stream to EOF, and collects the exit status. Multi-turn
// continuity comes from the thread id captured on the first turn and
// replayed through the resume subcommand.
type EphemeralProcess struct {
	opts   EphemeralOptions
	logger slogger.Logger

	mu        sync.Mutex
	stopped   bool
	threadID  string
	current   *exec.Cmd // non-nil only while a turn child runs
	aborted   bool
	tokensIn  int
	tokensOut int
}

var _ Process = (*EphemeralProcess)(nil)

// NewEphemeralProcess returns an EphemeralProcess ready for Start.
func NewEphemeralProcess(opts EphemeralOptions) *EphemeralProcess {
	if opts.Binary == "" {
		opts.Binary = "codex"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &EphemeralProcess{
		opts:     opts,
		threadID: opts.ResumeID,
		logger:   logger.With("backend", string(KindEphemeral)),
	}
}

// Start marks the process usable. No child is spawned until the first
// turn.
func (p *EphemeralProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
	return nil
}

// Stop marks the process unusable and terminates any in-flight child.
func (p *EphemeralProcess) Stop() {
	p.mu.Lock()
	p.stopped = true
	cmd := p.current
	p.mu.Unlock()

	if cmd != nil {
		_ = signalProcess(cmd.Process, syscall.SIGTERM)
		time.AfterFunc(stopGracePeriod, func() {
			_ = signalProcess(cmd.Process, os.Kill)
		})
	}
}

// Restart is equivalent to Stop then Start; the captured thread id is
// kept so the next turn resumes.
func (p *EphemeralProcess) Restart() error {
	p.Stop()
	return p.Start()
}

// AbortTurn sends SIGINT to the current child, if any. The in-flight
// SendMessage returns ErrAborted once the child exits.
func (p *EphemeralProcess) AbortTurn() {
	p.mu.Lock()
	cmd := p.current
	if cmd != nil {
		p.aborted = true
	}
	p.mu.Unlock()
	if cmd != nil {
		_ = signalProcess(cmd.Process, syscall.SIGINT)
	}
}

// Alive is true from Start until Stop; the absence of a child between
// turns is normal for this variant.
func (p *EphemeralProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped
}

// Busy reports whether a turn child currently exists.
func (p *EphemeralProcess) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

func (p *EphemeralProcess) Kind() Kind { return KindEphemeral }

func (p *EphemeralProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadID
}

func (p *EphemeralProcess) Cwd() string { return p.opts.Cwd }

func (p *EphemeralProcess) Model() string { return p.opts.Model }

// TotalCost returns zero: this backend exposes no per-USD accounting.
func (p *EphemeralProcess) TotalCost() float64 { return 0 }

// Usage returns the cumulative token counters reported by completed
// turns.
func (p *EphemeralProcess) Usage() (input, output int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokensIn, p.tokensOut
}

// ephemeralArgs builds the argument list for one turn. A non-empty
// threadID produces the resume invocation shape.
func ephemeralArgs(opts EphemeralOptions, threadID, prompt string) []string {
	args := []string{"exec"}
	if threadID != "" {
		args = append(args, "resume", threadID)
	}
	args = append(args, "--json", "--skip-git-repo-check", "--full-auto")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Cwd != "" {
		args = append(args, "--cd", opts.Cwd)
	}
	args = append(args, prompt)
	return args
}

// SendMessage spawns one child for the turn. A resume invocation that
// produced no agent text is retried exactly once as a fresh invocation
// with the stale thread id discarded.
func (p *EphemeralProcess) SendMessage(ctx context.Context, text string, sink DeltaSink) (*TurnResult, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrNotRunning
	}
	if p.current != nil {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.aborted = false
	threadID := p.threadID
	p.mu.Unlock()

	// Client cancellation maps onto an abort of the current child.
	unbind := context.AfterFunc(ctx, p.AbortTurn)
	defer unbind()

	out, err := p.runTurn(ctx, text, threadID, sink)
	if err != nil {
		return nil, err
	}

	if threadID != "" && out.finalText == "" && !p.isAborted() && ctx.Err() == nil {
		p.logger.Warn("resume produced no output, retrying as fresh invocation",
			"thread", threadID)
		p.mu.Lock()
		p.threadID = ""
		p.mu.Unlock()
		out, err = p.runTurn(ctx, text, "", sink)
		if err != nil {
			return nil, err
		}
	}

	if p.isAborted() || ctx.Err() != nil {
		return nil, ErrAborted
	}
	return p.resolveOutcome(out)
}

// turnOutput collects everything observed from one child invocation.
type turnOutput struct {
	finalText string
	threadID  string
	errMsg    string
	exitCode  int
	stderr    *tailBuffer
}

// resolveOutcome applies the EOF decision rules: success when the agent
// produced text or the exit code is zero; an error string surfaces only
// when there is no output at all.
func (p *EphemeralProcess) resolveOutcome(out *turnOutput) (*TurnResult, error) {
	if out.finalText != "" {
		if out.errMsg != "" {
			p.logger.Error("turn reported an error but produced output",
				"error", out.errMsg)
		}
		return &TurnResult{Text: out.finalText, SessionID: out.threadID}, nil
	}
	if out.exitCode == 0 {
		return &TurnResult{Text: "", SessionID: out.threadID}, nil
	}
	if out.errMsg != "" {
		return nil, &TurnError{Msg: out.errMsg}
	}
	return nil, fmt.Errorf("backend: turn failed (exit %d): %s",
		out.exitCode, out.stderr.Tail(stderrTailBytes))
}

// isAborted reports whether AbortTurn fired during the current call.
func (p *EphemeralProcess) isAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// runTurn spawns one child, streams its events, and waits for exit.
func (p *EphemeralProcess) runTurn(ctx context.Context, prompt, threadID string, sink DeltaSink) (*turnOutput, error) {
	cmd := exec.Command(p.opts.Binary, ephemeralArgs(p.opts, threadID, prompt)...)
	// Authentication is the CLI's own concern; nothing is injected.
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend: start %s: %w", p.opts.Binary, err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, ErrNotRunning
	}
	p.current = cmd
	p.mu.Unlock()

	out := &turnOutput{threadID: threadID, stderr: newTailBuffer(stderrTailLines)}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 4096), scannerBufferSize)
		for scanner.Scan() {
			out.stderr.Add(scanner.Text())
		}
	}()

	p.consumeEvents(stdout, out, sink)

	<-stderrDone
	waitErr := cmd.Wait()
	out.exitCode = exitCode(waitErr)

	p.mu.Lock()
	p.current = nil
	if out.threadID != "" {
		p.threadID = out.threadID
	}
	p.mu.Unlock()

	return out, nil
}

// consumeEvents reads the child's JSONL stream until EOF, emitting
// deltas against lastSentLength. Malformed lines are skipped silently.
func (p *EphemeralProcess) consumeEvents(stdout io.Reader, out *turnOutput, sink DeltaSink) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)

	lastSent := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}

		switch getString(raw, "type") {
		case "thread.started":
			if id := getString(raw, "thread_id"); id != "" {
				out.threadID = id
			}
		case "item.started", "item.updated":
			item := getMap(raw, "item")
			if getString(item, "type") != "agent_message" {
				continue
			}
			text := getString(item, "text")
			if len(text) > lastSent {
				if sink != nil {
					sink(text[lastSent:])
				}
				lastSent = len(text)
			}
		case "item.completed":
			item := getMap(raw, "item")
			if getString(item, "type") != "agent_message" {
				continue
			}
			text := getString(item, "text")
			if len(text) > lastSent && sink != nil {
				sink(text[lastSent:])
			}
			out.finalText = text
			lastSent = 0
		case "turn.completed":
			usage := getMap(raw, "usage")
			p.mu.Lock()
			p.tokensIn += getInt(usage, "input_tokens")
			p.tokensOut += getInt(usage, "output_tokens")
			p.mu.Unlock()
		case "turn.failed":
			if msg := getString(getMap(raw, "error"), "message"); msg != "" {
				out.errMsg = msg
			}
		case "error":
			if msg := getString(raw, "message"); msg != "" {
				out.errMsg = msg
			}
		}
	}
}
