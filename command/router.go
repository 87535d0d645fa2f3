// Package command implements the slash-command surface shared by every
// frontend: session management, model switching, and diagnostics.
package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/arinova/agentbridge/backend"
	"github.com/arinova/agentbridge/session"
	"github.com/arinova/agentbridge/slogger"
)

// commandNames is the dispatch order shown by /help and exported as bot
// skills.
var commandNames = []string{
	"new", "sessions", "status", "help", "stop", "resume", "model", "cost", "compact",
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Registry *session.Registry
	Store    *session.Store
	Prefs    *Prefs

	// KnownModels is the list shown by a bare /model, in display order.
	KnownModels []string

	// DefaultCwd is reported when no override is set.
	DefaultCwd string

	Logger slogger.Logger
}

// Router recognizes a lowercase leading slash token and dispatches it.
// Anything it does not handle is forwarded to the backend as a regular
// prompt by the caller.
type Router struct {
	registry    *session.Registry
	store       *session.Store
	prefs       *Prefs
	knownModels []string
	defaultCwd  string
	logger      slogger.Logger
}

func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	prefs := opts.Prefs
	if prefs == nil {
		prefs = NewPrefs()
	}
	return &Router{
		registry:    opts.Registry,
		store:       opts.Store,
		prefs:       prefs,
		knownModels: opts.KnownModels,
		defaultCwd:  opts.DefaultCwd,
		logger:      logger,
	}
}

// Commands returns the recognized command names, without the slash.
func (r *Router) Commands() []string {
	return append([]string(nil), commandNames...)
}

// Handle dispatches a slash command. The second return is false when the
// text is not a recognized command and should be sent as a prompt.
func (r *Router) Handle(convID, text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	name, arg, _ := strings.Cut(trimmed[1:], " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "new":
		return r.handleNew(convID, arg), true
	case "sessions":
		return r.handleSessions(), true
	case "status":
		return r.handleStatus(convID), true
	case "help":
		return r.handleHelp(), true
	case "stop":
		return r.handleStop(convID), true
	case "resume":
		return r.handleResume(convID, arg), true
	case "model":
		return r.handleModel(convID, arg), true
	case "cost":
		return r.handleCost(convID), true
	case "compact":
		return r.handleCompact(convID), true
	}
	return "", false
}

func (r *Router) handleNew(convID, path string) string {
	if path != "" {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return fmt.Sprintf("Directory does not exist: %s", path)
		}
		r.prefs.SetCwd(convID, path)
	}
	if r.store != nil {
		r.store.Clear(convID)
	}
	r.registry.DestroySession(convID)

	cwd := r.prefs.Cwd(convID)
	if cwd == "" {
		cwd = r.defaultCwd
	}
	return fmt.Sprintf("Opened new session, cwd=%s", cwd)
}

func (r *Router) handleSessions() string {
	infos := r.registry.ListSessions()
	if len(infos) == 0 {
		return "No sessions."
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		state := "dead"
		switch {
		case info.Dead:
		case info.Busy:
			state = "busy"
		case info.Alive:
			state = "idle"
		}
		cost := "-"
		if info.Cost > 0 {
			cost = fmt.Sprintf("$%.4f", info.Cost)
		}
		rows = append(rows, []string{
			orDash(info.ConversationID),
			string(info.Kind),
			orDash(idPrefix(info.SessionID)),
			orDash(info.Model),
			orDash(info.Cwd),
			state,
			cost,
		})
	}
	return renderTable(
		[]string{"CONVERSATION", "BACKEND", "SESSION", "MODEL", "CWD", "STATE", "COST"},
		rows)
}

func (r *Router) handleStatus(convID string) string {
	sess, ok := r.registry.GetSession(convID)
	if !ok {
		return "No active session."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Backend: %s\n", sess.Kind)
	fmt.Fprintf(&b, "Cwd: %s\n", sess.Cwd)
	fmt.Fprintf(&b, "Session: %s\n", orDash(idPrefix(sess.Process.SessionID())))
	fmt.Fprintf(&b, "Model: %s", orDash(sess.Model))
	if cost := sess.Process.TotalCost(); cost > 0 {
		fmt.Fprintf(&b, "\nCost: $%.4f", cost)
	}
	return b.String()
}

func (r *Router) handleHelp() string {
	lines := []string{
		"/new [path] - start fresh, optionally in a new working directory",
		"/sessions - list live and resumable sessions",
		"/status - show the current session",
		"/help - this text",
		"/stop - abort the in-flight turn",
		"/resume <id-prefix> - resume an earlier session",
		"/model [name] - switch or list models",
		"/cost - accumulated cost of the current session",
		"/compact - compact the conversation history",
	}
	return strings.Join(lines, "\n")
}

func (r *Router) handleStop(convID string) string {
	sess, ok := r.registry.GetSession(convID)
	if !ok || !sess.Process.Busy() {
		return "No turn in flight."
	}
	sess.Process.AbortTurn()
	return "Aborted."
}

func (r *Router) handleResume(convID, prefix string) string {
	if prefix == "" {
		return "Usage: /resume <id-prefix>"
	}
	full, err := r.resolvePrefix(prefix)
	if err != nil {
		return err.Error()
	}
	if _, err := r.registry.ResumeSession(convID, full); err != nil {
		r.logger.Error("resume failed", "conversation", convID, "session", full, "error", err)
		return fmt.Sprintf("Resume failed: %v", err)
	}
	return fmt.Sprintf("Resumed session %s.", idPrefix(full))
}

// resolvePrefix expands a session-id prefix against everything the registry
// knows about, live or dead.
func (r *Router) resolvePrefix(prefix string) (string, error) {
	var match string
	for _, info := range r.registry.ListSessions() {
		if info.SessionID == "" || !strings.HasPrefix(info.SessionID, prefix) {
			continue
		}
		if match != "" && match != info.SessionID {
			return "", fmt.Errorf("ambiguous session id prefix %q", prefix)
		}
		match = info.SessionID
	}
	if match == "" {
		return "", fmt.Errorf("no session matches %q", prefix)
	}
	return match, nil
}

func (r *Router) handleModel(convID, name string) string {
	if name == "" {
		return r.listModels(convID)
	}
	r.prefs.SetModel(convID, name)
	if sess, ok := r.registry.GetSession(convID); ok {
		if r.registry.ResolveBackend(name) != sess.Kind && r.store != nil {
			// The persisted session id belongs to the old backend and
			// cannot seed the new one.
			r.store.Clear(convID)
		}
		r.registry.DestroySession(convID)
	}
	return fmt.Sprintf("Model set to %s.", name)
}

func (r *Router) listModels(convID string) string {
	if len(r.knownModels) == 0 {
		return "No models configured."
	}
	active := r.prefs.Model(convID)
	if active == "" {
		if sess, ok := r.registry.GetSession(convID); ok {
			active = sess.Model
		}
	}
	var b strings.Builder
	b.WriteString("Models:")
	for _, m := range r.knownModels {
		marker := " "
		if m == active {
			marker = "*"
		}
		fmt.Fprintf(&b, "\n%s %s (%s)", marker, m, r.registry.ResolveBackend(m))
	}
	return b.String()
}

func (r *Router) handleCost(convID string) string {
	sess, ok := r.registry.GetSession(convID)
	if !ok {
		return "No cost data."
	}
	cost := sess.Process.TotalCost()
	if cost <= 0 {
		return "No cost data."
	}
	return fmt.Sprintf("Total cost: $%.4f", cost)
}

func (r *Router) handleCompact(convID string) string {
	sess, ok := r.registry.GetSession(convID)
	if !ok {
		return "No active session."
	}
	if sess.Kind != backend.KindPersistent {
		return "Compaction is not supported for this backend."
	}
	id := sess.Process.SessionID()
	if id == "" {
		return "Nothing to compact yet."
	}
	cwd, model := sess.Cwd, sess.Model
	r.registry.DestroySession(convID)
	if _, err := r.registry.CreateSession(convID, session.CreateParams{
		Cwd:      cwd,
		Model:    model,
		ResumeID: id,
		Compact:  true,
	}); err != nil {
		r.logger.Error("compact failed", "conversation", convID, "error", err)
		return fmt.Sprintf("Compact failed: %v", err)
	}
	return "Compacted."
}

func idPrefix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
