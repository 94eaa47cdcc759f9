package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/outlayer-network/outlayer/attestation"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var sessionLogger = log.NewModuleLogger(log.ModuleSession)

// RegistrationView answers "is this public key a registered worker
// access key" against the on-chain registration collaborator, via the coordinator's rate-limited RPC
// proxy.
type RegistrationView interface {
	IsRegisteredWorkerKey(publicKeyHex string) (bool, error)
}

// SessionStore tracks outstanding challenges and established
// sessions: is this key part of the on-chain authorized set, and has
// its session expired.
type SessionStore struct {
	mu         sync.Mutex
	challenges map[string][]byte // public key hex -> outstanding challenge
	sessions   map[string]time.Time

	registry  RegistrationView
	approved  *attestation.ApprovedSet
	sessionTTL time.Duration
}

func NewSessionStore(registry RegistrationView, approved *attestation.ApprovedSet, sessionTTL time.Duration) *SessionStore {
	return &SessionStore{
		challenges: make(map[string][]byte),
		sessions:   make(map[string]time.Time),
		registry:   registry,
		approved:   approved,
		sessionTTL: sessionTTL,
	}
}

// Challenge issues a fresh 32-byte random value bound to the calling
// worker's claimed public key.
func (s *SessionStore) Challenge(publicKeyHex string) ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("keystore: failed to generate challenge: %w", err)
	}
	s.mu.Lock()
	s.challenges[publicKeyHex] = challenge
	s.mu.Unlock()
	return challenge, nil
}

// Register verifies the signature, registration-contract membership,
// and approved measurement tuple, then establishes a session. quote may be nil when the caller only needs
// signature + registry checks revalidated without re-attesting.
func (s *SessionStore) Register(pub ed25519.PublicKey, signature []byte, quoteRaw []byte) (expiry time.Time, err error) {
	pubHex := fmt.Sprintf("%x", pub)

	s.mu.Lock()
	challenge, ok := s.challenges[pubHex]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("keystore: no outstanding challenge for key %s", pubHex)
	}

	if !attestation.VerifyChallengeSignature(pub, challenge, signature) {
		return time.Time{}, fmt.Errorf("keystore: %s", protocol.CodeAttestationFailed)
	}

	registered, regErr := s.registry.IsRegisteredWorkerKey(pubHex)
	if regErr != nil || !registered {
		return time.Time{}, fmt.Errorf("keystore: %s: key not registered on-chain", protocol.CodeAttestationFailed)
	}

	if quoteRaw != nil {
		if _, err := attestation.VerifyQuote(quoteRaw, pub, s.approved); err != nil {
			return time.Time{}, fmt.Errorf("keystore: %s: %w", protocol.CodeAttestationFailed, err)
		}
	}

	expiry = time.Now().Add(s.sessionTTL)
	s.mu.Lock()
	delete(s.challenges, pubHex)
	s.sessions[pubHex] = expiry
	s.mu.Unlock()

	sessionLogger.Info("worker session established", "pubkey", pubHex, "expiry", expiry)
	return expiry, nil
}

// Valid reports whether pubHex currently holds a live, non-expired
// session.
func (s *SessionStore) Valid(pubHex string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.sessions[pubHex]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.sessions, pubHex)
		return false
	}
	return true
}
