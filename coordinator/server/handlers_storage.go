package server

import (
	"encoding/base64"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/protocol"
)

type storageRequest struct {
	Project         string `json:"project"`
	Account         string `json:"account"`
	Key             string `json:"key"`
	ValueB64        string `json:"value,omitempty"`
	ExpectedVersion uint64 `json:"expected_version,omitempty"`
	Delta           int64  `json:"delta,omitempty"`
}

// handleStorage implements POST /storage/{op} for the closed set of
// guest storage operations.
func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req storageRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	value, _ := base64.StdEncoding.DecodeString(req.ValueB64)

	switch ps.ByName("op") {
	case "set":
		if err := s.svc.StorageSet(req.Project, req.Account, req.Key, value); err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case "get":
		v, ok, err := s.svc.StorageGet(req.Project, req.Account, req.Key)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"found": ok, "value": base64.StdEncoding.EncodeToString(v),
		})

	case "has":
		ok, err := s.svc.StorageHas(req.Project, req.Account, req.Key)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})

	case "delete":
		if err := s.svc.StorageDelete(req.Project, req.Account, req.Key); err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case "set-if-absent":
		set, err := s.svc.StorageSetIfAbsent(req.Project, req.Account, req.Key, value)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"set": set})

	case "set-if-equals":
		cur, ver, err := s.svc.StorageSetIfEquals(req.Project, req.Account, req.Key, req.ExpectedVersion, value)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(cur), "version": ver,
		})

	case "increment":
		v, err := s.svc.StorageIncrement(req.Project, req.Account, req.Key, req.Delta)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"value": v})

	case "decrement":
		v, err := s.svc.StorageDecrement(req.Project, req.Account, req.Key, req.Delta)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"value": v})

	case "list":
		values, err := s.svc.StorageList(req.Project, req.Account)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		encoded := make([]string, len(values))
		for i, v := range values {
			encoded[i] = base64.StdEncoding.EncodeToString(v)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"values": encoded})

	case "clear-account":
		n, err := s.svc.StorageClearAccount(req.Project, req.Account)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})

	case "clear-project":
		n, err := s.svc.StorageClearProject(req.Project)
		if err != nil {
			writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})

	default:
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "unknown storage op %q", ps.ByName("op")))
	}
}
