package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arinova/agentbridge/backend"
	"github.com/arinova/agentbridge/slogger"
)

const (
	// debugConversationID pins the whole HTTP surface to one conversation
	// so it shares sessions with the bot frontend.
	debugConversationID = "debug"

	// keepAliveInterval paces empty-content chunks while the backend has
	// not produced its first delta yet.
	keepAliveInterval = 5 * time.Second

	defaultModelID = "claude-code-cli"
)

// ServerOptions configures the HTTP adapter.
type ServerOptions struct {
	Coordinator *Coordinator

	// Models are the ids served by /v1/models. Defaults to the single
	// built-in persistent model id.
	Models []string

	Logger slogger.Logger
}

// Server is the OpenAI-compatible HTTP/SSE adapter. Chat-completion
// requests are serialized end to end by one mutex: the surface exists for
// single-user debugging and deterministic ordering beats throughput here.
type Server struct {
	coordinator *Coordinator
	models      []string
	logger      slogger.Logger

	mu sync.Mutex
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	models := opts.Models
	if len(models) == 0 {
		models = []string{defaultModelID}
	}
	return &Server{
		coordinator: opts.Coordinator,
		models:      models,
		logger:      logger,
	}
}

// Handler returns the chi router for the /v1 surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1/models/{id}", s.handleGetModel)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "invalid_request_error")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
	})
	return r
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required", "invalid_request_error")
		return
	}
	prompt := latestUserText(req.Messages)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "no user message found", "invalid_request_error")
		return
	}

	turn := TurnRequest{
		ConversationID: debugConversationID,
		Prompt:         prompt,
		Model:          req.Model,
	}
	respModel := req.Model
	if respModel == "" {
		respModel = s.models[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.streaming() {
		s.streamTurn(r.Context(), w, turn, respModel)
		return
	}
	s.completeTurn(r.Context(), w, turn, respModel)
}

// streamTurn runs one turn in SSE mode. Headers go out before the backend
// is touched, so later failures surface as an error delta, not a status.
func (s *Server) streamTurn(ctx context.Context, w http.ResponseWriter, turn TurnRequest, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "api_error")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &sseWriter{w: w, flusher: flusher}
	chunk := newChunker(model)

	var sawDelta atomic.Bool
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if sawDelta.Load() {
					return
				}
				stream.send(chunk.content(""))
			}
		}
	}()

	sink := func(text string) {
		sawDelta.Store(true)
		stream.send(chunk.content(text))
	}
	text, err := s.coordinator.HandleTurn(ctx, turn, sink)
	close(done)
	sawDelta.Store(true)

	if err != nil {
		if errors.Is(err, backend.ErrAborted) {
			return
		}
		stream.send(chunk.content(fmt.Sprintf("Error: %v", err)))
		stream.raw("data: [DONE]\n\n")
		return
	}
	// Slash-command replies produce no deltas; deliver them as one chunk.
	if !chunk.sentContent && text != "" {
		stream.send(chunk.content(text))
	}
	stream.send(chunk.final())
	stream.raw("data: [DONE]\n\n")
}

// completeTurn runs one turn in buffered mode and maps failures to status
// codes.
func (s *Server) completeTurn(ctx context.Context, w http.ResponseWriter, turn TurnRequest, model string) {
	text, err := s.coordinator.HandleTurn(ctx, turn, nil)
	if err != nil {
		if errors.Is(err, backend.ErrAborted) {
			// Client is gone; nothing useful to write.
			return
		}
		status := http.StatusInternalServerError
		var exitErr *backend.ExitError
		switch {
		case errors.As(err, &exitErr):
			status = http.StatusBadGateway
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, backend.ErrNotRunning):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error(), "api_error")
		return
	}

	resp := chatCompletion{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	list := modelList{Object: "list"}
	for _, id := range s.models {
		list.Data = append(list.Data, modelObject{ID: id, Object: "model", OwnedBy: "agentbridge"})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, m := range s.models {
		if m == id {
			writeJSON(w, http.StatusOK, modelObject{ID: id, Object: "model", OwnedBy: "agentbridge"})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("model %q not found", id), "invalid_request_error")
}

// sseWriter serializes SSE frames; the keep-alive goroutine and the delta
// sink write concurrently.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.raw("data: " + string(data) + "\n\n")
}

func (s *sseWriter) raw(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprint(s.w, frame)
	s.flusher.Flush()
}

// chunker stamps every chunk of one completion with the same id, creation
// time, and model.
type chunker struct {
	id          string
	created     int64
	model       string
	sentContent bool
}

func newChunker(model string) *chunker {
	return &chunker{id: completionID(), created: time.Now().Unix(), model: model}
}

func (c *chunker) content(text string) chatChunk {
	if text != "" {
		c.sentContent = true
	}
	return chatChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []chunkChoice{{Delta: chatDelta{Content: &text}}},
	}
}

func (c *chunker) final() chatChunk {
	stop := "stop"
	return chatChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []chunkChoice{{FinishReason: &stop}},
		Usage:   &chatUsage{},
	}
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorBody{Error: apiError{Message: msg, Type: typ}})
}
