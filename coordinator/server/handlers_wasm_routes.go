package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/protocol"
)

// handleWasmDownload implements GET /wasm/{checksum}.
func (s *Server) handleWasmDownload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.Header().Set("Content-Type", "application/wasm")
	if err := s.svc.Cache.WriteTo(ps.ByName("checksum"), w); err != nil {
		writeErr(w, protocol.New(protocol.CodeCacheCorruption, "%v", err))
		return
	}
}

type uploadRequest struct {
	Checksum       string              `json:"checksum"`
	Data           []byte              `json:"data"`
	Origin         protocol.CacheOrigin `json:"origin"`
	SourceKind     string              `json:"source_kind"`
	SourceIdentity string              `json:"source_identity"`
}

// handleWasmUpload implements POST /wasm/upload.
func (s *Server) handleWasmUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req uploadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 256<<20)).Decode(&req); err != nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "bad upload body: %v", err))
		return
	}
	if err := s.svc.UploadWasm(req.Checksum, req.Data, req.Origin, req.SourceKind, req.SourceIdentity); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWasmExists implements GET /wasm/exists/{checksum}.
func (s *Server) handleWasmExists(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]bool{"exists": s.svc.Cache.Has(ps.ByName("checksum"))})
}
