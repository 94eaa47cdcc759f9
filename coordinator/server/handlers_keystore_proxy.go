package server

import (
	"bytes"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/protocol"
)

type kvProxyChallengeRequest struct {
	PublicKeyHex string `json:"public_key"`
}

// proxyKeystoreChallenge implements POST /keystore/tee-challenge as a
// relay to the keystore process. The coordinator
// never inspects the challenge value itself.
func (s *Server) proxyKeystoreChallenge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req kvProxyChallengeRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	body, status, err := s.keystoreProxy.Challenge(req.PublicKeyHex)
	relayKeystoreResponse(w, body, status, err)
}

type kvProxyRegisterRequest struct {
	PublicKeyHex string `json:"public_key"`
	SignatureHex string `json:"signature"`
	QuoteHex     string `json:"quote,omitempty"`
}

// proxyKeystoreRegister implements POST /keystore/register-tee as a
// relay.
func (s *Server) proxyKeystoreRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req kvProxyRegisterRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	body, status, err := s.keystoreProxy.Register(req.PublicKeyHex, req.SignatureHex, req.QuoteHex)
	relayKeystoreResponse(w, body, status, err)
}

type kvProxyDecryptRequest struct {
	SessionPublicKeyHex   string `json:"session_public_key"`
	Accessor              string `json:"accessor"`
	Profile               string `json:"profile"`
	Owner                 string `json:"owner"`
	CallerAccountID       string `json:"caller_account_id"`
	WorkerBoxPublicKeyHex string `json:"worker_box_public_key"`
}

// proxyKeystoreDecrypt implements POST /keystore/decrypt: a pure
// opaque relay of the worker's sealed-secret request, never parsing
// the response body.
func (s *Server) proxyKeystoreDecrypt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req kvProxyDecryptRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	body, status, err := s.keystoreProxy.DecryptSecrets(req.SessionPublicKeyHex, protocol.SecretsRef{
		Accessor: req.Accessor, Profile: req.Profile, Owner: req.Owner,
	}, req.CallerAccountID, req.WorkerBoxPublicKeyHex)
	relayKeystoreResponse(w, body, status, err)
}

func relayKeystoreResponse(w http.ResponseWriter, body []byte, status int, err error) {
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "keystore unreachable: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.Copy(w, bytes.NewReader(body))
}
