// Package session tracks live conversations, the backend process each one
// owns, and the persisted resume state that survives gateway restarts.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arinova/agentbridge/backend"
	"github.com/arinova/agentbridge/slogger"
)

// sweepInterval is how often the idle sweeper wakes up.
const sweepInterval = time.Minute

// ErrStopped is returned by registry operations after StopAll.
var ErrStopped = errors.New("session: registry stopped")

// Session binds one conversation to one backend process. Fields are mutated
// only under the registry mutex; the Process itself is internally
// synchronized and safe to use outside it.
type Session struct {
	ConversationID string
	Kind           backend.Kind
	Process        backend.Process
	Cwd            string
	Model          string
	LastActivity   time.Time
}

// DeadSession remembers a destroyed or evicted session so its id can still
// be listed and resumed. Keyed by backend session id.
type DeadSession struct {
	SessionID string
	Cwd       string
	Model     string
	Kind      backend.Kind
}

// Info is one row of a session listing.
type Info struct {
	ConversationID string
	SessionID      string
	Kind           backend.Kind
	Cwd            string
	Model          string
	Alive          bool
	Busy           bool
	Dead           bool
	LastActivity   time.Time
	Cost           float64
}

// CreateParams are the per-conversation knobs for CreateSession.
type CreateParams struct {
	Cwd      string
	Model    string
	ResumeID string
	Compact  bool
}

// ProcessParams is everything a factory needs to build one backend process.
type ProcessParams struct {
	Kind     backend.Kind
	Cwd      string
	Model    string
	ResumeID string
	Compact  bool
}

// ProcessFactory builds a backend process for a new session. The default
// factory spawns the real CLI variants; tests substitute fakes.
type ProcessFactory func(p ProcessParams) backend.Process

// Options configures a Registry.
type Options struct {
	// MaxSessions is a soft ceiling on concurrent live sessions.
	// Defaults to 5. When every session is busy the ceiling is exceeded
	// rather than refusing the new conversation.
	MaxSessions int

	// IdleTimeout ends sessions with no activity. Zero disables the
	// sweeper.
	IdleTimeout time.Duration

	// DefaultCwd is the working directory for sessions that do not
	// specify one.
	DefaultCwd string

	// ClaudePath and CodexPath override the backend CLI executables.
	ClaudePath string
	CodexPath  string

	// MCPConfig and AppendSystemPrompt pass through to the persistent
	// backend.
	MCPConfig          string
	AppendSystemPrompt string

	// TurnTimeout bounds persistent-backend turns. Zero uses the backend
	// default.
	TurnTimeout time.Duration

	// EphemeralModels lists the model names routed to the ephemeral
	// backend. Everything else, including no model, is persistent.
	EphemeralModels []string

	// Store persists resume state across restarts. Optional.
	Store *Store

	// Factory overrides backend process construction. Optional.
	Factory ProcessFactory

	Logger slogger.Logger
}

// Registry owns all live sessions and their lifecycle: creation with
// capacity eviction, persisted-resume adoption, idle sweeping, and
// teardown. All state lives behind one mutex.
type Registry struct {
	opts      Options
	logger    slogger.Logger
	factory   ProcessFactory
	ephemeral map[string]struct{}

	mu       sync.Mutex
	sessions map[string]*Session
	dead     map[string]DeadSession
	stopped  bool
	done     chan struct{}
}

// NewRegistry builds a Registry and starts the idle sweeper when an idle
// timeout is configured.
func NewRegistry(opts Options) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	r := &Registry{
		opts:      opts,
		logger:    logger,
		ephemeral: make(map[string]struct{}, len(opts.EphemeralModels)),
		sessions:  make(map[string]*Session),
		dead:      make(map[string]DeadSession),
		done:      make(chan struct{}),
	}
	for _, m := range opts.EphemeralModels {
		r.ephemeral[m] = struct{}{}
	}
	r.factory = opts.Factory
	if r.factory == nil {
		r.factory = r.newProcess
	}
	if opts.IdleTimeout > 0 {
		go r.sweepLoop()
	}
	return r
}

// ResolveBackend classifies a model name. Models in the ephemeral set route
// to the ephemeral backend; everything else, including empty, is
// persistent.
func (r *Registry) ResolveBackend(model string) backend.Kind {
	if _, ok := r.ephemeral[model]; ok {
		return backend.KindEphemeral
	}
	return backend.KindPersistent
}

// newProcess is the default factory.
func (r *Registry) newProcess(p ProcessParams) backend.Process {
	if p.Kind == backend.KindEphemeral {
		return backend.NewEphemeralProcess(backend.EphemeralOptions{
			Binary:   r.opts.CodexPath,
			Cwd:      p.Cwd,
			Model:    p.Model,
			ResumeID: p.ResumeID,
			Logger:   r.logger,
		})
	}
	return backend.NewPersistentProcess(backend.PersistentOptions{
		Binary:             r.opts.ClaudePath,
		Cwd:                p.Cwd,
		Model:              p.Model,
		ResumeID:           p.ResumeID,
		Compact:            p.Compact,
		MCPConfig:          r.opts.MCPConfig,
		AppendSystemPrompt: r.opts.AppendSystemPrompt,
		TurnTimeout:        r.opts.TurnTimeout,
		Logger:             r.logger,
	})
}

// CreateSession builds and starts a session for a conversation, replacing
// any existing one. At capacity the single oldest non-busy session is
// evicted first; when every session is busy the new one is admitted anyway.
// Without an explicit ResumeID, persisted state for the conversation is
// adopted when its backend kind matches.
func (r *Registry) CreateSession(convID string, params CreateParams) (*Session, error) {
	kind := r.ResolveBackend(params.Model)
	cwd := params.Cwd
	if cwd == "" {
		cwd = r.opts.DefaultCwd
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}

	var stops []backend.Process
	if p := r.removeLocked(convID); p != nil {
		stops = append(stops, p)
	}
	if len(r.sessions) >= r.opts.MaxSessions {
		if victim, p := r.oldestIdleLocked(); p != nil {
			stops = append(stops, p)
			r.logger.Info("evicting idle session at capacity",
				"conversation", victim, "max_sessions", r.opts.MaxSessions)
		}
	}

	resumeID := params.ResumeID
	if resumeID == "" && r.opts.Store != nil {
		if e, ok := r.opts.Store.Get(convID); ok {
			if backend.Kind(e.Backend) == kind {
				resumeID = e.SessionID
			} else {
				r.logger.Debug("ignoring persisted session of different backend",
					"conversation", convID, "persisted", e.Backend, "resolved", string(kind))
			}
		}
	}

	proc := r.factory(ProcessParams{
		Kind:     kind,
		Cwd:      cwd,
		Model:    params.Model,
		ResumeID: resumeID,
		Compact:  params.Compact,
	})
	if err := proc.Start(); err != nil {
		r.mu.Unlock()
		stopAll(stops)
		return nil, fmt.Errorf("session: start %s backend: %w", kind, err)
	}
	sess := &Session{
		ConversationID: convID,
		Kind:           kind,
		Process:        proc,
		Cwd:            cwd,
		Model:          params.Model,
		LastActivity:   time.Now(),
	}
	r.sessions[convID] = sess
	r.mu.Unlock()

	stopAll(stops)
	r.logger.Info("session created",
		"conversation", convID,
		"backend", string(kind),
		"cwd", cwd,
		"model", params.Model,
		"resumed", resumeID != "")
	return sess, nil
}

// GetSession returns the live session for a conversation, if any.
func (r *Registry) GetSession(convID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[convID]
	return sess, ok
}

// Touch bumps a conversation's last-activity time.
func (r *Registry) Touch(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[convID]; ok {
		sess.LastActivity = time.Now()
	}
}

// ListSessions returns live sessions followed by dead records whose session
// id is not already claimed by a live session.
func (r *Registry) ListSessions() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.sessions)+len(r.dead))
	liveIDs := make(map[string]struct{}, len(r.sessions))
	for _, sess := range r.sessions {
		id := sess.Process.SessionID()
		if id != "" {
			liveIDs[id] = struct{}{}
		}
		out = append(out, Info{
			ConversationID: sess.ConversationID,
			SessionID:      id,
			Kind:           sess.Kind,
			Cwd:            sess.Cwd,
			Model:          sess.Model,
			Alive:          sess.Process.Alive(),
			Busy:           sess.Process.Busy(),
			LastActivity:   sess.LastActivity,
			Cost:           sess.Process.TotalCost(),
		})
	}
	for id, d := range r.dead {
		if _, taken := liveIDs[id]; taken {
			continue
		}
		out = append(out, Info{
			SessionID: d.SessionID,
			Kind:      d.Kind,
			Cwd:       d.Cwd,
			Model:     d.Model,
			Dead:      true,
		})
	}
	return out
}

// DestroySession stops and forgets a conversation's session, recording its
// id as a dead session so it can be listed and resumed later.
func (r *Registry) DestroySession(convID string) {
	r.mu.Lock()
	proc := r.removeLocked(convID)
	r.mu.Unlock()
	if proc != nil {
		proc.Stop()
		r.logger.Info("session destroyed", "conversation", convID)
	}
}

// ResumeSession recreates a conversation's session from a prior backend
// session id. An empty sessionID resumes the current session in place. Cwd
// and model come from the dead record when one exists, else from the
// current session.
func (r *Registry) ResumeSession(convID, sessionID string) (*Session, error) {
	r.mu.Lock()
	current := r.sessions[convID]
	if sessionID == "" && current != nil {
		sessionID = current.Process.SessionID()
	}
	if sessionID == "" {
		r.mu.Unlock()
		return nil, fmt.Errorf("session: nothing to resume for %q", convID)
	}
	params := CreateParams{ResumeID: sessionID}
	if d, ok := r.dead[sessionID]; ok {
		params.Cwd = d.Cwd
		params.Model = d.Model
	} else if current != nil {
		params.Cwd = current.Cwd
		params.Model = current.Model
	}
	r.mu.Unlock()

	r.DestroySession(convID)
	return r.CreateSession(convID, params)
}

// PersistAfterTurn records a completed turn's identity for restart
// recovery. No-op without a store.
func (r *Registry) PersistAfterTurn(convID, sessionID string, kind backend.Kind, model, cwd string) {
	if r.opts.Store == nil || sessionID == "" {
		return
	}
	r.opts.Store.Persist(convID, PersistedEntry{
		SessionID: sessionID,
		Backend:   string(kind),
		Model:     model,
		Cwd:       cwd,
	})
}

// StopAll shuts down the sweeper, flushes pending persistence, stops every
// session, and clears all state. The registry is unusable afterwards.
func (r *Registry) StopAll() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.done)
	procs := make([]backend.Process, 0, len(r.sessions))
	for _, sess := range r.sessions {
		procs = append(procs, sess.Process)
	}
	r.sessions = make(map[string]*Session)
	r.dead = make(map[string]DeadSession)
	r.mu.Unlock()

	stopAll(procs)
	if r.opts.Store != nil {
		r.opts.Store.Flush()
	}
	r.logger.Info("all sessions stopped", "count", len(procs))
}

// removeLocked forgets a session, capturing its dead record, and returns
// the process for the caller to stop outside the lock.
func (r *Registry) removeLocked(convID string) backend.Process {
	sess, ok := r.sessions[convID]
	if !ok {
		return nil
	}
	if id := sess.Process.SessionID(); id != "" {
		r.dead[id] = DeadSession{
			SessionID: id,
			Cwd:       sess.Cwd,
			Model:     sess.Model,
			Kind:      sess.Kind,
		}
	}
	delete(r.sessions, convID)
	return sess.Process
}

// oldestIdleLocked removes the non-busy session with the smallest
// last-activity time. Returns zero values when every session is busy.
func (r *Registry) oldestIdleLocked() (string, backend.Process) {
	var victim string
	var oldest time.Time
	for convID, sess := range r.sessions {
		if sess.Process.Busy() {
			continue
		}
		if victim == "" || sess.LastActivity.Before(oldest) {
			victim = convID
			oldest = sess.LastActivity
		}
	}
	if victim == "" {
		return "", nil
	}
	return victim, r.removeLocked(victim)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepIdle(time.Now())
		}
	}
}

// sweepIdle removes every non-busy session idle past the timeout. Stops are
// fire-and-forget.
func (r *Registry) sweepIdle(now time.Time) {
	r.mu.Lock()
	var procs []backend.Process
	for convID, sess := range r.sessions {
		if sess.Process.Busy() {
			continue
		}
		if now.Sub(sess.LastActivity) <= r.opts.IdleTimeout {
			continue
		}
		r.logger.Info("ending idle session",
			"conversation", convID, "idle", now.Sub(sess.LastActivity).Round(time.Second))
		procs = append(procs, r.removeLocked(convID))
	}
	r.mu.Unlock()

	for _, p := range procs {
		go p.Stop()
	}
}

func stopAll(procs []backend.Process) {
	for _, p := range procs {
		p.Stop()
	}
}
