package server

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/protocol"
)

type lockRequest struct {
	Key      string `json:"key"`
	WorkerID string `json:"worker_id"`
	TTLSeconds int  `json:"ttl"`
}

// handleLockAcquire implements POST /locks/acquire.
func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req lockRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	acquired, err := s.svc.AcquireLock(req.Key, req.WorkerID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acquired": acquired})
}

// handleLockRelease implements DELETE /locks/release/{key}.
func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.svc.ReleaseLock(ps.ByName("key")); err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
