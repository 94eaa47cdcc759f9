package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/outlayer-network/outlayer/protocol"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps any error to its externally classified form. A bare
// error (not already a *protocol.Error) is never described to the
// caller beyond UpstreamUnavailable; the raw message is logged, never
// returned.
func writeErr(w http.ResponseWriter, err error) {
	if classified, ok := err.(*protocol.Error); ok {
		writeJSON(w, classified.Code.HTTPStatus(), map[string]interface{}{
			"code": string(classified.Code), "message": classified.Message,
		})
		return
	}
	logger.Error("unclassified error reached transport boundary", "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"code": string(protocol.CodeUpstreamUnavailable), "message": "internal error",
	})
}

func readJSON(r *http.Request, v interface{}) *protocol.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.New(protocol.CodeMalformedInput, "bad request body: %v", err)
	}
	return nil
}
