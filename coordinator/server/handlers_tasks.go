package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/coordinator/queue"
	"github.com/outlayer-network/outlayer/protocol"
)

// handleCreateTask implements POST /tasks/create:
// idempotent in the event's own id, enqueues a pending-queue entry a
// worker's poll/claim_jobs cycle later consumes. Reuses the
// worker-auth token check.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var event protocol.ChainEvent
	if perr := readJSON(r, &event); perr != nil {
		writeErr(w, perr)
		return
	}
	if event.EventID == "" || event.RequestID == "" {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "event missing event_id or request_id"))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "failed to encode event payload"))
		return
	}

	enqueued, err := s.svc.CreateTask(queue.Task{
		RequestID: event.RequestID,
		DataID:    event.DataID,
		EventID:   event.EventID,
		Payload:   payload,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "failed to enqueue task: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request_id": event.RequestID, "enqueued": enqueued})
}
