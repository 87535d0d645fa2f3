package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/arinova/agentbridge/slogger"
)

const (
	// DefaultTurnTimeout bounds a single persistent turn. On expiry the
	// turn resolves with whatever prose accumulated rather than failing.
	DefaultTurnTimeout = 10 * time.Minute

	// stopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	stopGracePeriod = 5 * time.Second

	// stderrTailLines bounds the retained stderr history per child.
	stderrTailLines = 20

	// stderrTailBytes bounds the stderr tail surfaced in errors.
	stderrTailBytes = 500

	// scannerBufferSize is the maximum stdout line length accepted from
	// a child. Stream-JSON frames carrying full message accumulations
	// can be large.
	scannerBufferSize = 10 * 1024 * 1024
)

// PersistentOptions configures a PersistentProcess.
type PersistentOptions struct {
	// Binary is the CLI executable. Defaults to "claude".
	Binary string

	// Cwd is the child working directory.
	Cwd string

	// Model selects the model via --model. Optional.
	Model string

	// ResumeID resumes a prior backend session via --resume. Optional.
	ResumeID string

	// Compact asks the backend to compact the resumed conversation.
	Compact bool

	// MCPConfig is an extra JSON config path passed via --mcp-config.
	MCPConfig string

	// AppendSystemPrompt is appended to the child's system prompt.
	AppendSystemPrompt string

	// TurnTimeout bounds one turn. Zero means DefaultTurnTimeout.
	TurnTimeout time.Duration

	Logger slogger.Logger
}

// persistentTurn is the per-turn state of a PersistentProcess. It exists
// only between SendMessage entry and turn resolution.
type persistentTurn struct {
	buf     []byte
	sink    DeltaSink
	timer   *time.Timer
	outcome chan turnOutcome // buffered(1); written exactly once
}

type turnOutcome struct {
	result *TurnResult
	err    error
}

// PersistentProcess owns one long-running CLI child speaking
// newline-delimited JSON on stdin/stdout. One turn may be in flight at a
// time; the reader goroutine owns stdout and dispatches events into the
// current turn.
type PersistentProcess struct {
	opts   PersistentOptions
	logger slogger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	alive     bool
	stopping  bool
	sessionID string
	totalCost float64
	turn      *persistentTurn
	stderr    *tailBuffer
	procDone  chan struct{} // closed when the reader goroutine finishes
}

var _ Process = (*PersistentProcess)(nil)

// NewPersistentProcess returns an unstarted PersistentProcess.
func NewPersistentProcess(opts PersistentOptions) *PersistentProcess {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &PersistentProcess{
		opts:   opts,
		logger: logger.With("backend", string(KindPersistent)),
	}
}

// persistentArgs builds the child argument list from the options.
func persistentArgs(opts PersistentOptions) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.Compact {
		args = append(args, "--compact")
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	return args
}

// Start spawns the child and begins the reader goroutines.
func (p *PersistentProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alive {
		return fmt.Errorf("backend: persistent process already running")
	}

	cmd := exec.Command(p.opts.Binary, persistentArgs(p.opts)...)
	if p.opts.Cwd != "" {
		cmd.Dir = p.opts.Cwd
	}
	cmd.Env = scrubEnv(os.Environ())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("backend: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("backend: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend: start %s: %w", p.opts.Binary, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.alive = true
	p.stopping = false
	p.stderr = newTailBuffer(stderrTailLines)
	p.procDone = make(chan struct{})

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.stderrLoop(stderr, p.stderr)
	}()
	go p.readLoop(stdout, cmd, p.procDone, stderrDone)

	p.logger.Info("persistent child started",
		"binary", p.opts.Binary, "cwd", p.opts.Cwd, "model", p.opts.Model,
		"resume", p.opts.ResumeID != "")
	return nil
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace
// period. Idempotent. A pending turn is resolved with ErrAborted.
func (p *PersistentProcess) Stop() {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return
	}
	p.alive = false
	p.stopping = true
	cmd := p.cmd
	procDone := p.procDone
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.mu.Unlock()

	p.resolveTurn(turnOutcome{err: ErrAborted})

	_ = signalProcess(cmd.Process, syscall.SIGTERM)
	select {
	case <-procDone:
	case <-time.After(stopGracePeriod):
		p.logger.Warn("child did not exit after SIGTERM, sending SIGKILL")
		_ = signalProcess(cmd.Process, os.Kill)
		<-procDone
	}
}

// Restart stops the child and starts a fresh one. The last known session
// id carries over as a resume id so the conversation survives the swap.
func (p *PersistentProcess) Restart() error {
	p.Stop()

	p.mu.Lock()
	if p.sessionID != "" {
		p.opts.ResumeID = p.sessionID
	}
	p.opts.Compact = false
	p.mu.Unlock()

	return p.Start()
}

// SendMessage delivers one user turn and blocks until a result event,
// the turn timeout (which resolves with partial prose), child exit, or
// cancellation.
func (p *PersistentProcess) SendMessage(ctx context.Context, text string, sink DeltaSink) (*TurnResult, error) {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return nil, ErrNotRunning
	}
	if p.turn != nil {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	turn := &persistentTurn{
		sink:    sink,
		outcome: make(chan turnOutcome, 1),
	}
	turn.timer = time.AfterFunc(p.opts.TurnTimeout, func() { p.timeoutTurn(turn) })
	p.turn = turn
	stdin := p.stdin
	p.mu.Unlock()

	frame, err := encodeUserFrame(text)
	if err != nil {
		p.clearTurn(turn)
		return nil, &TurnError{Msg: "encode stdin frame", Err: err}
	}
	if _, err := stdin.Write(frame); err != nil {
		p.clearTurn(turn)
		return nil, &TurnError{Msg: "write stdin", Err: err}
	}

	select {
	case out := <-turn.outcome:
		return out.result, out.err
	case <-ctx.Done():
		p.AbortTurn()
		// Drain the outcome the abort produced, if any, so the channel
		// state stays consistent.
		select {
		case <-turn.outcome:
		default:
		}
		return nil, ErrAborted
	}
}

// AbortTurn drops the in-flight turn without killing the child. Trailing
// events from the child are discarded because no turn is registered.
func (p *PersistentProcess) AbortTurn() {
	p.resolveTurn(turnOutcome{err: ErrAborted})
}

func (p *PersistentProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *PersistentProcess) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn != nil
}

func (p *PersistentProcess) Kind() Kind { return KindPersistent }

func (p *PersistentProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *PersistentProcess) Cwd() string { return p.opts.Cwd }

func (p *PersistentProcess) Model() string { return p.opts.Model }

func (p *PersistentProcess) TotalCost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalCost
}

// timeoutTurn force-resolves the given turn with whatever prose has
// accumulated. Partial output is more useful than a timeout error.
func (p *PersistentProcess) timeoutTurn(turn *persistentTurn) {
	p.mu.Lock()
	if p.turn != turn {
		p.mu.Unlock()
		return
	}
	p.turn = nil
	text := string(turn.buf)
	sessionID := p.sessionID
	p.mu.Unlock()

	p.logger.Warn("turn timed out, resolving with accumulated output",
		"chars", len(text))
	turn.outcome <- turnOutcome{result: &TurnResult{Text: text, SessionID: sessionID}}
}

// clearTurn detaches a turn that failed before any event arrived.
func (p *PersistentProcess) clearTurn(turn *persistentTurn) {
	p.mu.Lock()
	if p.turn == turn {
		p.turn = nil
	}
	p.mu.Unlock()
	turn.timer.Stop()
}

// resolveTurn finishes the current turn, if any, with the given outcome.
func (p *PersistentProcess) resolveTurn(out turnOutcome) {
	p.mu.Lock()
	turn := p.turn
	p.turn = nil
	p.mu.Unlock()
	if turn == nil {
		return
	}
	turn.timer.Stop()
	turn.outcome <- out
}

// stderrLoop drains child stderr into the bounded tail buffer.
func (p *PersistentProcess) stderrLoop(r io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), scannerBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		p.logger.Debug("child stderr", "line", line)
	}
}

// readLoop owns child stdout: it splits the stream into lines, parses
// each as JSON, and dispatches events into the current turn. On child
// exit it fails any in-flight turn with an ExitError.
func (p *PersistentProcess) readLoop(stdout io.Reader, cmd *exec.Cmd, procDone chan struct{}, stderrDone <-chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("stdout scanner error", "error", err)
	}

	// Drain stderr fully before Wait closes the pipes, so the tail that
	// surfaces in errors is complete.
	<-stderrDone
	waitErr := cmd.Wait()

	p.mu.Lock()
	wasStopping := p.stopping
	p.alive = false
	tail := p.stderr
	p.mu.Unlock()

	if !wasStopping {
		code := exitCode(waitErr)
		p.logger.Error("persistent child exited unexpectedly", "code", code)
		p.resolveTurn(turnOutcome{err: &ExitError{
			Code:   code,
			Stderr: tail.Tail(stderrTailBytes),
		}})
	}
	close(procDone)
}

// handleLine parses one stdout line and dispatches by event type.
// Unparseable lines are logged and skipped; the turn continues.
func (p *PersistentProcess) handleLine(line []byte) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		p.logger.Debug("skipping unparseable child output", "error", err)
		return
	}

	switch getString(raw, "type") {
	case "system":
		if getString(raw, "subtype") == "init" {
			if id := getString(raw, "session_id"); id != "" {
				p.mu.Lock()
				p.sessionID = id
				p.mu.Unlock()
			}
		}
	case "rate_limit_event":
		status := getString(getMap(raw, "rate_limit"), "status")
		if status != "" && status != "allowed" {
			p.logger.Warn("backend rate limit", "status", status)
		}
	case "stream_event":
		event := getMap(raw, "event")
		if getString(event, "type") != "content_block_delta" {
			return
		}
		delta := getMap(event, "delta")
		if getString(delta, "type") != "text_delta" {
			return
		}
		p.appendDelta(getString(delta, "text"))
	case "assistant", "user":
		// Accumulated message frames duplicate the deltas and carry tool
		// traffic that is intentionally not surfaced.
	case "result":
		p.finishTurn(raw)
	default:
		p.logger.Debug("ignoring child event", "type", getString(raw, "type"))
	}
}

// appendDelta buffers incremental prose and forwards it to the turn's
// delta sink. The sink runs outside the lock; it must not block.
func (p *PersistentProcess) appendDelta(text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	turn := p.turn
	if turn != nil {
		turn.buf = append(turn.buf, text...)
	}
	p.mu.Unlock()
	if turn != nil && turn.sink != nil {
		turn.sink(text)
	}
}

// finishTurn handles a terminal result event: records the session id,
// accumulates cost, and resolves the in-flight turn with the buffered
// prose.
func (p *PersistentProcess) finishTurn(raw map[string]any) {
	p.mu.Lock()
	if id := getString(raw, "session_id"); id != "" {
		p.sessionID = id
	}
	p.totalCost += getFloat(raw, "total_cost_usd")
	turn := p.turn
	p.turn = nil
	text := ""
	if turn != nil {
		text = string(turn.buf)
	}
	sessionID := p.sessionID
	p.mu.Unlock()

	if turn == nil {
		return
	}
	turn.timer.Stop()
	turn.outcome <- turnOutcome{result: &TurnResult{Text: text, SessionID: sessionID}}
}

// encodeUserFrame builds the newline-delimited stdin frame for one user
// message.
func encodeUserFrame(text string) ([]byte, error) {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// signalProcess sends sig to a process, treating an already-exited
// process as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// exitCode extracts the exit code from a cmd.Wait error. Returns -1 when
// the code is unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
