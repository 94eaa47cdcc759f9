package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pborman/uuid"

	"github.com/outlayer-network/outlayer/coordinator/queue"
	"github.com/outlayer-network/outlayer/protocol"
)

// Hard resource caps enforced regardless of what a caller requests,
// "ResourceLimitExceeded (requested cap > hard cap)".
const (
	hardMaxInstructions     = 5_000_000_000
	hardMaxMemoryMB         = 512
	hardMaxExecutionSeconds = 30

	// syncPollBudget bounds how long POST /call blocks for a
	// synchronous result before degrading to the async call_id
	// response; the HTTPS gateway never blocks past this.
	syncPollBudget    = 20 * time.Second
	syncPollInterval  = 250 * time.Millisecond
)

type callRequest struct {
	Input          string                  `json:"input,omitempty"`
	ResponseFormat protocol.ResponseFormat `json:"response_format,omitempty"`
	BuildTarget    string                  `json:"build_target,omitempty"`
	ResourceLimits protocol.ResourceLimits `json:"resource_limits"`
	SecretsRef     *protocol.SecretsRef    `json:"secrets_ref,omitempty"`
	Async          bool                    `json:"async,omitempty"`
}

// handleCall implements POST /call/{project_owner}/{project_name}
//: synchronous or asynchronous execution against a project
// reference source. A call id is minted as both the request_id and
// data_id so GET /calls/{call_id} can find the resulting execute job
// directly (store.GetJobByRequest).
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req callRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	if req.ResourceLimits.MaxInstructions > hardMaxInstructions ||
		req.ResourceLimits.MaxMemoryMB > hardMaxMemoryMB ||
		req.ResourceLimits.MaxExecutionSeconds > hardMaxExecutionSeconds {
		writeErr(w, protocol.New(protocol.CodeResourceLimitExceeded, "requested resource limits exceed hard caps"))
		return
	}

	callID := uuid.New()
	source := protocol.CodeSource{
		Kind:         protocol.SourceKindProject,
		ProjectOwner: ps.ByName("owner"),
		ProjectName:  ps.ByName("name"),
		BuildTarget:  req.BuildTarget,
	}
	payload, err := json.Marshal(protocol.CallPayload{
		CallID: callID, CodeSource: source, Input: req.Input,
		ResponseFormat: req.ResponseFormat, ResourceLimits: req.ResourceLimits,
		SecretsRef: req.SecretsRef, PaymentKey: r.Header.Get("X-Payment-Key"),
	})
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "failed to encode call payload"))
		return
	}

	if _, err := s.svc.CreateTask(queue.Task{
		RequestID: callID, DataID: callID, EventID: callID,
		Payload: payload, EnqueuedAt: time.Now(),
	}); err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "failed to enqueue call: %v", err))
		return
	}

	if req.Async {
		writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
		return
	}

	if job, ok := s.awaitCall(callID); ok {
		writeJSON(w, http.StatusOK, job)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
}

// awaitCall polls the store for up to syncPollBudget for a terminal
// job state, giving POST /call its synchronous behavior without
// holding a coordinator goroutine blocked indefinitely.
func (s *Server) awaitCall(callID string) (*protocol.Job, bool) {
	deadline := time.Now().Add(syncPollBudget)
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()
	for {
		job, err := s.svc.GetJobByCallID(callID)
		if err == nil && (job.State == protocol.JobCompleted || job.State == protocol.JobFailed) {
			return job, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		<-ticker.C
	}
}

// handleCallStatus implements GET /calls/{call_id}.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	callID := ps.ByName("call_id")
	job, err := s.svc.GetJobByCallID(callID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "NotFound", "message": "no such call"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}
