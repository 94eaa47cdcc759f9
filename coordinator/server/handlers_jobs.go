package server

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/coordinator"
	"github.com/outlayer-network/outlayer/protocol"
)

// handlePoll implements GET /tasks/poll?timeout=: blocking,
// 200 with task body, 204 on timeout.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	timeoutSec := strconvAtoiOr(r.URL.Query().Get("timeout"), 20)
	task, err := s.svc.Poll(time.Duration(timeoutSec) * time.Second)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type claimRequest struct {
	RequestID      string              `json:"request_id"`
	DataID         string              `json:"data_id"`
	WorkerID       string              `json:"worker_id"`
	CodeSource     protocol.CodeSource `json:"code_source"`
	ResourceLimits protocol.ResourceLimits `json:"resource_limits"`
}

// handleClaim implements POST /jobs/claim.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req claimRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	jobs, err := s.svc.ClaimJobs(coordinator.ClaimJobsRequest{
		RequestID: req.RequestID, DataID: req.DataID, WorkerID: req.WorkerID,
		CodeSource: req.CodeSource, ResourceLimits: req.ResourceLimits,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

type completeRequest struct {
	JobID            string                  `json:"job_id"`
	WorkerID         string                  `json:"worker_id"`
	Success          bool                    `json:"success"`
	Metrics          protocol.ResourceMetrics `json:"metrics"`
	Output           []byte                  `json:"output,omitempty"`
	ArtifactChecksum string                  `json:"checksum,omitempty"`
	ErrorCode        protocol.Code           `json:"error_code,omitempty"`
	ErrorMessage     string                  `json:"error,omitempty"`
}

// handleComplete implements POST /jobs/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req completeRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	err := s.svc.CompleteJob(coordinator.CompleteJobRequest{
		JobID: req.JobID, WorkerID: req.WorkerID, Success: req.Success,
		Metrics: req.Metrics, Output: req.Output, ArtifactChecksum: req.ArtifactChecksum,
		ErrorCode: req.ErrorCode, ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleGetJob implements GET /jobs/{job_id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, err := s.svc.Store.GetJob(ps.ByName("job_id"))
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "job not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
