package server

import (
	"crypto/ed25519"
	"encoding/hex"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/protocol"
)

type workerChallengeRequest struct {
	PublicKeyHex string `json:"public_key"`
}

// handleWorkerChallenge implements POST /workers/tee-challenge: the
// coordinator's own worker session establishment, separate from the
// worker's session with the keystore. It reuses
// keystore.SessionStore against the same registration-contract view
// and approved-measurement set the keystore uses, so a worker must
// independently attest to each process it talks to.
func (s *Server) handleWorkerChallenge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req workerChallengeRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	challenge, err := s.sessions.Challenge(req.PublicKeyHex)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeAttestationVerifierError, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"challenge": hex.EncodeToString(challenge)})
}

type workerRegisterRequest struct {
	PublicKeyHex string `json:"public_key"`
	SignatureHex string `json:"signature"`
	QuoteHex     string `json:"quote,omitempty"`
}

// handleWorkerRegister implements POST /workers/register-tee.
func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req workerRegisterRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	pub, err := hex.DecodeString(req.PublicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "bad public key"))
		return
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "bad signature"))
		return
	}
	var quote []byte
	if req.QuoteHex != "" {
		if quote, err = hex.DecodeString(req.QuoteHex); err != nil {
			writeErr(w, protocol.New(protocol.CodeMalformedInput, "bad quote"))
			return
		}
	}
	expiry, regErr := s.sessions.Register(ed25519.PublicKey(pub), sig, quote)
	if regErr != nil {
		logger.Warn("worker registration failed", "err", regErr)
		writeErr(w, protocol.New(protocol.CodeAttestationFailed, "attestation failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expiry": expiry})
}
