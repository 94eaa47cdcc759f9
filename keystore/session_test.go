package keystore

import (
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outlayer-network/outlayer/attestation"
)

type fakeRegistry struct {
	registered map[string]bool
}

func (r *fakeRegistry) IsRegisteredWorkerKey(publicKeyHex string) (bool, error) {
	return r.registered[publicKeyHex], nil
}

// TestSession_ChallengeResponseEstablishesSession covers the happy
// registration path: a signature over the issued challenge under a
// key present in the registration set establishes a live session.
func TestSession_ChallengeResponseEstablishesSession(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubHex := fmt.Sprintf("%x", pub)

	store := NewSessionStore(&fakeRegistry{registered: map[string]bool{pubHex: true}}, attestation.NewApprovedSet(nil), time.Minute)

	challenge, err := store.Challenge(pubHex)
	require.NoError(t, err)
	require.Len(t, challenge, 32)

	sig := ed25519.Sign(priv, challenge)
	expiry, err := store.Register(pub, sig, nil)
	require.NoError(t, err)
	require.True(t, expiry.After(time.Now()))
	require.True(t, store.Valid(pubHex))
}

// TestSession_RejectsBadSignature: a signature by the wrong key never
// establishes a session.
func TestSession_RejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubHex := fmt.Sprintf("%x", pub)

	store := NewSessionStore(&fakeRegistry{registered: map[string]bool{pubHex: true}}, attestation.NewApprovedSet(nil), time.Minute)
	challenge, err := store.Challenge(pubHex)
	require.NoError(t, err)

	badSig := ed25519.Sign(otherPriv, challenge)
	_, err = store.Register(pub, badSig, nil)
	require.Error(t, err)
	require.False(t, store.Valid(pubHex))
}

// TestSession_RejectsUnregisteredKey: a key absent from the on-chain
// registration set never establishes a session.
func TestSession_RejectsUnregisteredKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubHex := fmt.Sprintf("%x", pub)

	store := NewSessionStore(&fakeRegistry{registered: map[string]bool{}}, attestation.NewApprovedSet(nil), time.Minute)
	challenge, err := store.Challenge(pubHex)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, challenge)

	_, err = store.Register(pub, sig, nil)
	require.Error(t, err)
}

// TestSession_RegisterWithoutPriorChallengeFails ensures Register
// cannot be called out of band.
func TestSession_RegisterWithoutPriorChallengeFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := NewSessionStore(&fakeRegistry{registered: map[string]bool{fmt.Sprintf("%x", pub): true}}, attestation.NewApprovedSet(nil), time.Minute)
	sig := ed25519.Sign(priv, []byte("no challenge was ever issued"))
	_, err = store.Register(pub, sig, nil)
	require.Error(t, err)
}

// TestSession_ExpiresAfterTTL covers "sessions expire and are
// re-established on demand".
func TestSession_ExpiresAfterTTL(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubHex := fmt.Sprintf("%x", pub)

	store := NewSessionStore(&fakeRegistry{registered: map[string]bool{pubHex: true}}, attestation.NewApprovedSet(nil), 10*time.Millisecond)
	challenge, err := store.Challenge(pubHex)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, challenge)
	_, err = store.Register(pub, sig, nil)
	require.NoError(t, err)
	require.True(t, store.Valid(pubHex))

	time.Sleep(20 * time.Millisecond)
	require.False(t, store.Valid(pubHex))
}
