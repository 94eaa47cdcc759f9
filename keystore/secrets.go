package keystore

import (
	"context"
	"fmt"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var secretsLogger = log.NewModuleLogger(log.ModuleKeystore)

// SecretLookup resolves a secret's encrypted blob and access condition
// by its composite key; backed by the coordinator's secrets table in
// production, through the coordinator proxy.
type SecretLookup interface {
	Lookup(ctx context.Context, key protocol.SecretKey) (blob []byte, cond *protocol.AccessCondition, senderPublic [32]byte, err error)
}

// Service ties the master key, access evaluator and session store
// together into the single decrypt(...) operation.
type Service struct {
	master   *MasterKey
	eval     *Evaluator
	sessions *SessionStore
	lookup   SecretLookup
}

func NewService(master *MasterKey, eval *Evaluator, sessions *SessionStore, lookup SecretLookup) *Service {
	return &Service{master: master, eval: eval, sessions: sessions, lookup: lookup}
}

// PublicKey implements public_key(accessor).
func (svc *Service) PublicKey(accessor string) ([32]byte, error) {
	return svc.master.DerivePublicKey(accessor)
}

// Decrypt implements decrypt(accessor, profile, owner,
// caller_identity, blob): evaluate the access condition, and only on
// pass derive the keypair and decrypt. On any failure it returns the
// single classified AccessConditionDenied reason, never a more
// specific one.
func (svc *Service) Decrypt(ctx context.Context, sessionPubKeyHex string, key protocol.SecretKey, caller CallerIdentity) ([]byte, *protocol.Error) {
	if !svc.sessions.Valid(sessionPubKeyHex) {
		return nil, protocol.New(protocol.CodeAttestationFailed, "no valid worker session")
	}

	blob, cond, senderPublic, err := svc.lookup.Lookup(ctx, key)
	if err != nil {
		secretsLogger.Error("secret lookup failed", "accessor", key.Accessor, "err", err)
		return nil, protocol.New(protocol.CodeAccessConditionDenied, "access denied")
	}

	if !svc.eval.Evaluate(ctx, cond, caller) {
		secretsLogger.Info("access condition denied", "accessor", key.Accessor, "caller", caller.AccountID)
		return nil, protocol.New(protocol.CodeAccessConditionDenied, "access denied")
	}

	plain, derr := svc.master.Decrypt(key.Accessor, senderPublic, blob)
	if derr != nil {
		secretsLogger.Error("decrypt failed after access grant", "accessor", key.Accessor, "err", derr)
		return nil, protocol.New(protocol.CodeAccessConditionDenied, "access denied")
	}
	return plain, nil
}

// DecryptForWorker runs Decrypt and re-seals the plaintext to the
// calling worker's session-bound box public key, so the coordinator
// that relays this response only ever handles opaque sealed bytes,
// never plaintext.
func (svc *Service) DecryptForWorker(ctx context.Context, sessionPubKeyHex string, key protocol.SecretKey, caller CallerIdentity, workerBoxPublicKey [32]byte) (senderPublic [32]byte, sealed []byte, classified *protocol.Error) {
	plain, derr := svc.Decrypt(ctx, sessionPubKeyHex, key, caller)
	if derr != nil {
		return [32]byte{}, nil, derr
	}
	senderPublic, sealed, err := Seal(workerBoxPublicKey, plain)
	if err != nil {
		secretsLogger.Error("failed to reseal secret for worker", "accessor", key.Accessor, "err", err)
		return [32]byte{}, nil, protocol.New(protocol.CodeAccessConditionDenied, "access denied")
	}
	return senderPublic, sealed, nil
}

// DecryptToSecretMap parses the decrypted payload as a JSON object
// mapping UTF-8 names to UTF-8 values.
func DecryptToSecretMap(plain []byte) (map[string]string, error) {
	m, err := parseSecretMap(plain)
	if err != nil {
		return nil, fmt.Errorf("keystore: secret payload is not a UTF-8 string map: %w", err)
	}
	return m, nil
}
