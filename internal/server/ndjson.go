package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/andesdata/esma-agent/internal/agent"
	"github.com/andesdata/esma-agent/internal/tools"
)

// streamEvent is one line of the chat run feed. Type is always set; the
// remaining fields depend on it (tool_call carries CallID/Tool/Args,
// tool_result adds Result or ToolErr, answer carries the turn outcome).
type streamEvent struct {
	Type     string            `json:"type"`
	ThreadID string            `json:"thread_id,omitempty"`
	CallID   string            `json:"call_id,omitempty"`
	Tool     string            `json:"tool,omitempty"`
	Args     json.RawMessage   `json:"args,omitempty"`
	Result   json.RawMessage   `json:"result,omitempty"`
	ToolErr  *tools.ToolError  `json:"tool_error,omitempty"`
	Answer   string            `json:"answer,omitempty"`
	Status   agent.TurnStatus  `json:"status,omitempty"`
	Code     agent.FailureCode `json:"code,omitempty"`
	Dataset  string            `json:"dataset,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// eventStream writes the newline-delimited JSON run feed, flushing after
// every event so clients watch progress while the run is in flight. Tool
// callbacks and the request handler send concurrently; the mutex keeps each
// event on its own line.
type eventStream struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush func()
}

func newEventStream(w http.ResponseWriter) *eventStream {
	s := &eventStream{enc: json.NewEncoder(w), flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

func (s *eventStream) send(ev streamEvent) error {
	if s == nil || s.enc == nil {
		return errors.New("stream not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return err
	}
	s.flush()
	return nil
}
