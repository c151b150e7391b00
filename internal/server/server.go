// Package server exposes the chat API over HTTP: thread creation, one-shot
// chat, and an NDJSON event stream for watching a run.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/andesdata/esma-agent/internal/agent"
	"github.com/andesdata/esma-agent/internal/store"
	"github.com/andesdata/esma-agent/internal/tools"
)

const maxRequestBytes = 1 << 20

// Options configures a Server.
type Options struct {
	Agent  *agent.Agent
	Store  *store.Store
	Logger *slog.Logger
}

// Server is the HTTP chat API.
type Server struct {
	agent  *agent.Agent
	store  *store.Store
	logger *slog.Logger
	mux    *http.ServeMux

	guardMu sync.Mutex
	guards  map[string]*sync.Mutex
}

func New(opts Options) (*Server, error) {
	if opts.Agent == nil {
		return nil, errors.New("missing agent")
	}
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		agent:  opts.Agent,
		store:  opts.Store,
		logger: logger,
		mux:    http.NewServeMux(),
		guards: make(map[string]*sync.Mutex),
	}
	s.mux.HandleFunc("POST /api/threads", s.handleCreateThread)
	s.mux.HandleFunc("GET /api/threads", s.handleListThreads)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s, nil
}

// Handler returns the routable HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// lockThread serializes runs per thread id. Concurrent chat requests on the
// same thread queue up instead of interleaving writes.
func (s *Server) lockThread(threadID string) func() {
	s.guardMu.Lock()
	g, ok := s.guards[threadID]
	if !ok {
		g = &sync.Mutex{}
		s.guards[threadID] = g
	}
	s.guardMu.Unlock()
	g.Lock()
	return g.Unlock
}

func newThreadID() string {
	return "esma-chat-" + uuid.NewString()
}

type chatRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	var req chatRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "missing message")
		return nil, false
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		req.ThreadID = newThreadID()
	}
	return &req, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	id := newThreadID()
	if _, err := s.store.Create(r.Context(), id, ""); err != nil {
		s.logger.Error("create thread failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create thread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": id})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context(), 100)
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list threads")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	unlock := s.lockThread(req.ThreadID)
	defer unlock()

	res, err := s.agent.HandleTurn(r.Context(), req.ThreadID, req.Message, agent.Events{})
	if err != nil {
		if r.Context().Err() != nil {
			// Client is gone; nothing useful to write.
			return
		}
		s.logger.Error("chat turn failed", "thread", req.ThreadID, "error", err)
		writeError(w, http.StatusInternalServerError, "chat turn failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	stream := newEventStream(w)

	unlock := s.lockThread(req.ThreadID)
	defer unlock()

	_ = stream.send(streamEvent{Type: "run_started", ThreadID: req.ThreadID})

	events := agent.Events{
		ToolCall: func(callID, name string, args json.RawMessage) {
			_ = stream.send(streamEvent{Type: "tool_call", CallID: callID, Tool: name, Args: args})
		},
		ToolResult: func(callID, name string, result json.RawMessage, toolErr *tools.ToolError) {
			_ = stream.send(streamEvent{Type: "tool_result", CallID: callID, Tool: name, Result: result, ToolErr: toolErr})
		},
	}

	// Client disconnect cancels r.Context(); the loop observes it at the
	// next iteration boundary and the stream writes below become no-ops.
	res, err := s.agent.HandleTurn(r.Context(), req.ThreadID, req.Message, events)
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Error("streamed chat turn failed", "thread", req.ThreadID, "error", err)
			_ = stream.send(streamEvent{Type: "run_failed", ThreadID: req.ThreadID, Error: "chat turn failed"})
		}
		_ = stream.send(streamEvent{Type: "run_done", ThreadID: req.ThreadID})
		return
	}

	_ = stream.send(streamEvent{
		Type:     "answer",
		ThreadID: req.ThreadID,
		Answer:   res.Answer,
		Status:   res.Status,
		Code:     res.Code,
		Dataset:  res.Dataset,
	})
	_ = stream.send(streamEvent{Type: "run_done", ThreadID: req.ThreadID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
