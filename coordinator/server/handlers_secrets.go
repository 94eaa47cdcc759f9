package server

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/outlayer-network/outlayer/protocol"
)

type createSecretRequest struct {
	Accessor        string `json:"accessor"`
	Profile         string `json:"profile"`
	Owner           string `json:"owner"`
	EncryptedBlobHex string `json:"encrypted_blob"`
	SenderPublicKeyHex string `json:"sender_public_key"`
	Condition       *protocol.AccessCondition `json:"condition"`
	StorageDeposit  int64 `json:"storage_deposit"`
}

// handleSecretCreate implements secret creation: the
// owner encrypts client-side against PublicKey(accessor) and only
// hands the coordinator ciphertext plus the access condition tree.
func (s *Server) handleSecretCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createSecretRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	if req.Condition == nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "condition is required"))
		return
	}
	if err := req.Condition.Validate(); err != nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "%v", err))
		return
	}
	blob, err := hexDecode(req.EncryptedBlobHex)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "bad encrypted_blob"))
		return
	}
	senderPub, err := hexDecode(req.SenderPublicKeyHex)
	if err != nil || len(senderPub) != 32 {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "bad sender_public_key"))
		return
	}
	condJSON, err := protocol.MarshalAccessCondition(req.Condition)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeMalformedInput, "%v", err))
		return
	}

	if err := s.svc.CreateSecret(protocol.Secret{
		Accessor: req.Accessor, Profile: req.Profile, Owner: req.Owner,
		EncryptedBlob: blob, ConditionJSON: string(condJSON), SenderPublicKey: senderPub,
		StorageDeposit: req.StorageDeposit, Created: time.Now(),
	}); err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type deleteSecretRequest struct {
	Accessor string `json:"accessor"`
	Profile  string `json:"profile"`
	Owner    string `json:"owner"`
	Caller   string `json:"caller"`
}

// handleSecretDelete implements owner-gated deletion with
// storage-deposit refund.
func (s *Server) handleSecretDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req deleteSecretRequest
	if perr := readJSON(r, &req); perr != nil {
		writeErr(w, perr)
		return
	}
	key := protocol.SecretKey{Accessor: req.Accessor, Profile: req.Profile, Owner: req.Owner}
	refund, err := s.svc.DeleteSecret(key, req.Caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"refund": refund})
}

type secretLookupResponse struct {
	EncryptedBlobHex   string `json:"encrypted_blob"`
	SenderPublicKeyHex string `json:"sender_public_key"`
	ConditionJSON      string `json:"condition_json"`
}

// handleSecretLookup is the internal surface the keystore calls back
// to resolve a secret's ciphertext, condition and sender key by its
// composite key. It never returns plaintext: the
// blob is still sealed to the accessor's derived public key, which
// only the keystore's master secret can open.
func (s *Server) handleSecretLookup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	key := protocol.SecretKey{Accessor: q.Get("accessor"), Profile: q.Get("profile"), Owner: q.Get("owner")}
	secret, err := s.svc.Store.GetSecret(key)
	if err != nil {
		writeErr(w, protocol.New(protocol.CodeAccessConditionDenied, "secret not found"))
		return
	}
	writeJSON(w, http.StatusOK, secretLookupResponse{
		EncryptedBlobHex:   hexEncode(secret.EncryptedBlob),
		SenderPublicKeyHex: hexEncode(secret.SenderPublicKey),
		ConditionJSON:      secret.ConditionJSON,
	})
}
