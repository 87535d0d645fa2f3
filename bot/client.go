// Package bot maintains the outbound WebSocket connection to the chat
// server, registering the gateway's skills and mapping inbound tasks onto
// conversation turns.
package bot

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/arinova/agentbridge/backend"
	"github.com/arinova/agentbridge/bridge"
	"github.com/arinova/agentbridge/slogger"
)

// TurnHandler runs one conversation turn. *bridge.Coordinator implements
// it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req bridge.TurnRequest, sink backend.DeltaSink) (string, error)
}

// frame is the bot wire protocol, both directions. Unused fields stay
// empty per frame type.
type frame struct {
	Type           string   `json:"type"`
	ID             string   `json:"id,omitempty"`
	TaskID         string   `json:"taskId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Content        string   `json:"content,omitempty"`
	Message        string   `json:"message,omitempty"`
	Skills         []string `json:"skills,omitempty"`
}

// Options configures a Client.
type Options struct {
	// ServerURL is the ws:// or wss:// endpoint of the chat server.
	ServerURL string

	// Token authenticates the bot. The client is not constructed at all
	// when no token is configured; see cmd wiring.
	Token string

	// Skills is the command manifest registered at connect time.
	Skills []string

	Handler TurnHandler
	Logger  slogger.Logger
}

// Client dials the chat server, reconnecting forever with exponential
// backoff, and runs each inbound task on its own goroutine with its own
// cancelable context.
type Client struct {
	opts   Options
	logger slogger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	tasksMu sync.Mutex
	tasks   map[string]context.CancelFunc
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]context.CancelFunc),
	}
}

// Run connects and serves until Close. Blocking; run it on its own
// goroutine.
func (c *Client) Run() {
	for {
		conn, err := c.connect()
		if err != nil {
			// Only context cancellation escapes the backoff loop.
			return
		}
		c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("bot connection lost, reconnecting", "server", c.opts.ServerURL)
	}
}

// Close cancels all tasks, drops the connection, and waits for the task
// goroutines to finish.
func (c *Client) Close() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// connect dials with exponential backoff until it succeeds or the client
// closes, then registers the skills manifest.
func (c *Client) connect() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	return backoff.Retry(c.ctx, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.opts.ServerURL, header)
		if err != nil {
			c.logger.Warn("bot dial failed", "server", c.opts.ServerURL, "error", err)
			return nil, err
		}
		if err := conn.WriteJSON(frame{Type: "register", Skills: c.opts.Skills}); err != nil {
			_ = conn.Close()
			return nil, err
		}
		c.logger.Info("bot connected", "server", c.opts.ServerURL, "skills", len(c.opts.Skills))
		return conn, nil
	}, backoff.WithBackOff(policy))
}

// serve reads frames until the connection drops.
func (c *Client) serve(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("bot read failed", "error", err)
			}
			return
		}
		switch f.Type {
		case "task":
			c.startTask(conn, f)
		case "abort":
			c.abortTask(f.TaskID)
		default:
			c.logger.Debug("ignoring bot frame", "type", f.Type)
		}
	}
}

func (c *Client) startTask(conn *websocket.Conn, f frame) {
	taskCtx, cancel := context.WithCancel(c.ctx)
	c.tasksMu.Lock()
	c.tasks[f.ID] = cancel
	c.tasksMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.tasksMu.Lock()
			delete(c.tasks, f.ID)
			c.tasksMu.Unlock()
		}()
		c.runTask(taskCtx, conn, f)
	}()
}

func (c *Client) abortTask(taskID string) {
	c.tasksMu.Lock()
	cancel := c.tasks[taskID]
	c.tasksMu.Unlock()
	if cancel != nil {
		c.logger.Info("aborting task", "task", taskID)
		cancel()
	}
}

func (c *Client) runTask(ctx context.Context, conn *websocket.Conn, f frame) {
	sink := func(text string) {
		c.write(conn, frame{Type: "chunk", TaskID: f.ID, Content: text})
	}
	text, err := c.opts.Handler.HandleTurn(ctx, bridge.TurnRequest{
		ConversationID: f.ConversationID,
		Prompt:         f.Content,
	}, sink)
	if err != nil {
		if errors.Is(err, backend.ErrAborted) {
			return
		}
		c.logger.Error("task failed", "task", f.ID, "error", err)
		c.write(conn, frame{Type: "error", TaskID: f.ID, Message: err.Error()})
		return
	}
	c.write(conn, frame{Type: "complete", TaskID: f.ID, Content: text})
}

// write serializes frame writes; task goroutines and their sinks share the
// connection.
func (c *Client) write(conn *websocket.Conn, f frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		c.logger.Debug("bot write failed", "type", f.Type, "error", err)
	}
}
