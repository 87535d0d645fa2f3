// Package bridge connects frontends to backend sessions: a TurnCoordinator
// that runs one conversation turn end to end, and an OpenAI-compatible
// HTTP/SSE adapter on top of it.
package bridge

import (
	"context"
	"errors"

	"github.com/arinova/agentbridge/backend"
	"github.com/arinova/agentbridge/command"
	"github.com/arinova/agentbridge/session"
	"github.com/arinova/agentbridge/slogger"
)

// TurnRequest is one inbound message from any frontend.
type TurnRequest struct {
	ConversationID string
	Prompt         string

	// Model is the request-supplied model. A per-conversation /model
	// override takes precedence.
	Model string
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Registry *session.Registry
	Router   *command.Router
	Prefs    *command.Prefs
	Logger   slogger.Logger
}

// Coordinator turns an inbound message into either a slash-command reply or
// a backend turn, owning session selection, restart-and-retry, and
// persistence. It holds no per-request state.
type Coordinator struct {
	registry *session.Registry
	router   *command.Router
	prefs    *command.Prefs
	logger   slogger.Logger
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	prefs := opts.Prefs
	if prefs == nil {
		prefs = command.NewPrefs()
	}
	return &Coordinator{
		registry: opts.Registry,
		router:   opts.Router,
		prefs:    prefs,
		logger:   logger,
	}
}

// HandleTurn processes one message and returns the final text. Slash
// commands short-circuit with the router's reply. Cancellation surfaces as
// backend.ErrAborted; callers treat it as silence.
func (c *Coordinator) HandleTurn(ctx context.Context, req TurnRequest, sink backend.DeltaSink) (string, error) {
	if c.router != nil {
		if reply, handled := c.router.Handle(req.ConversationID, req.Prompt); handled {
			return reply, nil
		}
	}

	model := c.prefs.Model(req.ConversationID)
	if model == "" {
		model = req.Model
	}
	sess, err := c.ensureSession(req.ConversationID, model)
	if err != nil {
		return "", err
	}

	// Client disconnect aborts the in-flight turn.
	unbind := context.AfterFunc(ctx, sess.Process.AbortTurn)
	defer unbind()

	res, err := sess.Process.SendMessage(ctx, req.Prompt, sink)
	if err != nil {
		if errors.Is(err, backend.ErrAborted) || ctx.Err() != nil {
			return "", backend.ErrAborted
		}
		c.logger.Error("turn failed, restarting backend",
			"conversation", req.ConversationID, "error", err)
		if rerr := sess.Process.Restart(); rerr != nil {
			return "", rerr
		}
		// One retry only, and never after cancellation.
		if ctx.Err() != nil {
			return "", backend.ErrAborted
		}
		res, err = sess.Process.SendMessage(ctx, req.Prompt, sink)
		if err != nil {
			if errors.Is(err, backend.ErrAborted) || ctx.Err() != nil {
				return "", backend.ErrAborted
			}
			return "", err
		}
	}

	c.registry.Touch(req.ConversationID)
	if res.SessionID != "" {
		c.registry.PersistAfterTurn(req.ConversationID, res.SessionID, sess.Kind, sess.Model, sess.Cwd)
	}
	return res.Text, nil
}

// ensureSession returns a live session of the right backend kind for the
// conversation, creating or replacing as needed.
func (c *Coordinator) ensureSession(convID, model string) (*session.Session, error) {
	kind := c.registry.ResolveBackend(model)

	sess, ok := c.registry.GetSession(convID)
	if ok && sess.Process.Alive() && sess.Kind != kind {
		c.logger.Info("backend kind changed, replacing session",
			"conversation", convID, "from", string(sess.Kind), "to", string(kind))
		c.registry.DestroySession(convID)
		ok = false
	}
	if ok && sess.Process.Alive() {
		c.registry.Touch(convID)
		return sess, nil
	}
	return c.registry.CreateSession(convID, session.CreateParams{
		Cwd:   c.prefs.Cwd(convID),
		Model: model,
	})
}
