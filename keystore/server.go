package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var serverLogger = log.NewModuleLogger(log.ModuleKeystore)

// Server exposes the keystore's wire surface: tee-challenge,
// register-tee, public-key, decrypt.
type Server struct {
	svc *Service
}

func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

func (s *Server) Routes() *httprouter.Router {
	r := httprouter.New()
	r.POST("/keystore/tee-challenge", s.handleChallenge)
	r.POST("/keystore/register-tee", s.handleRegister)
	r.GET("/keystore/public-key/:accessor", s.handlePublicKey)
	r.POST("/keystore/decrypt", s.handleDecrypt)
	r.GET("/healthz", s.handleHealthz)
	return r
}

type challengeRequest struct {
	PublicKeyHex string `json:"public_key"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.New(protocol.CodeMalformedInput, "bad request body"))
		return
	}
	challenge, err := s.svc.sessions.Challenge(req.PublicKeyHex)
	if err != nil {
		writeError(w, protocol.New(protocol.CodeAttestationVerifierError, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"challenge": hex.EncodeToString(challenge)})
}

type registerRequest struct {
	PublicKeyHex string `json:"public_key"`
	SignatureHex string `json:"signature"`
	QuoteHex     string `json:"quote,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.New(protocol.CodeMalformedInput, "bad request body"))
		return
	}
	pub, err := hex.DecodeString(req.PublicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		writeError(w, protocol.New(protocol.CodeMalformedInput, "bad public key"))
		return
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil {
		writeError(w, protocol.New(protocol.CodeMalformedInput, "bad signature"))
		return
	}
	var quote []byte
	if req.QuoteHex != "" {
		quote, err = hex.DecodeString(req.QuoteHex)
		if err != nil {
			writeError(w, protocol.New(protocol.CodeMalformedInput, "bad quote"))
			return
		}
	}
	expiry, regErr := s.svc.sessions.Register(ed25519.PublicKey(pub), sig, quote)
	if regErr != nil {
		serverLogger.Warn("registration failed", "err", regErr)
		writeError(w, protocol.New(protocol.CodeAttestationFailed, "attestation failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expiry": expiry})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pub, err := s.svc.PublicKey(ps.ByName("accessor"))
	if err != nil {
		writeError(w, protocol.New(protocol.CodeAttestationVerifierError, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": hex.EncodeToString(pub[:])})
}

type decryptRequest struct {
	SessionPublicKeyHex   string `json:"session_public_key"`
	Accessor              string `json:"accessor"`
	Profile               string `json:"profile"`
	Owner                 string `json:"owner"`
	CallerAccountID       string `json:"caller_account_id"`
	WorkerBoxPublicKeyHex string `json:"worker_box_public_key"`
}

// handleDecrypt never returns plaintext: the response carries bytes
// sealed to the worker's own box keypair, so the coordinator relaying
// this response in turn never observes plaintext either.
func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.New(protocol.CodeMalformedInput, "bad request body"))
		return
	}
	boxKeyRaw, err := hex.DecodeString(req.WorkerBoxPublicKeyHex)
	if err != nil || len(boxKeyRaw) != 32 {
		writeError(w, protocol.New(protocol.CodeMalformedInput, "bad worker box public key"))
		return
	}
	var workerBoxKey [32]byte
	copy(workerBoxKey[:], boxKeyRaw)

	senderPub, sealed, derr := s.svc.DecryptForWorker(context.Background(), req.SessionPublicKeyHex, protocol.SecretKey{
		Accessor: req.Accessor,
		Profile:  req.Profile,
		Owner:    req.Owner,
	}, CallerIdentity{AccountID: req.CallerAccountID}, workerBoxKey)
	if derr != nil {
		writeError(w, derr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sender_public_key": hex.EncodeToString(senderPub[:]),
		"sealed":            hex.EncodeToString(sealed),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *protocol.Error) {
	writeJSON(w, err.Code.HTTPStatus(), map[string]string{"code": string(err.Code), "message": err.Message})
}
