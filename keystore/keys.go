// Package keystore holds the one master secret and derives
// per-accessor keypairs deterministically, decrypting secrets only for
// attested workers whose access condition evaluates true.
package keystore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"github.com/outlayer-network/outlayer/internal/log"
)

var logger = log.NewModuleLogger(log.ModuleKeystoreKeys)

const masterKeyLen = 32

// MasterKey is the process-scoped resource acquired at keystore
// startup: loaded, verified, and zeroized on teardown, with every
// derivation borrowing it transiently.
// It exists only in process memory and is never serialized elsewhere.
type MasterKey struct {
	mu     sync.Mutex
	secret [masterKeyLen]byte
	closed bool
}

// LoadMasterKey reads the master secret from path. A missing file is
// fatal; callers
// should use log.Logger.Crit on error, not attempt silent recovery.
func LoadMasterKey(path string) (*MasterKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to load master key from %s: %w", path, err)
	}
	if len(data) != masterKeyLen {
		return nil, fmt.Errorf("keystore: master key at %s has length %d, want %d", path, len(data), masterKeyLen)
	}
	mk := &MasterKey{}
	copy(mk.secret[:], data)
	return mk, nil
}

// GenerateMasterKey creates a fresh random master key and writes it to
// path, used by first-run bootstrap tooling.
func GenerateMasterKey(path string) (*MasterKey, error) {
	var secret [masterKeyLen]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return nil, fmt.Errorf("keystore: failed to generate master key: %w", err)
	}
	if err := os.WriteFile(path, secret[:], 0600); err != nil {
		return nil, fmt.Errorf("keystore: failed to persist master key: %w", err)
	}
	mk := &MasterKey{}
	copy(mk.secret[:], secret[:])
	return mk, nil
}

// Close zeroizes the in-memory secret. Safe to call more than once.
func (mk *MasterKey) Close() {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	for i := range mk.secret {
		mk.secret[i] = 0
	}
	mk.closed = true
}

// AccessorKeyPair is the per-accessor asymmetric keypair used to
// encrypt/decrypt one secret's blob.
type AccessorKeyPair struct {
	Public  [32]byte
	private [32]byte
}

// DerivePublicKey returns only the public half, for client-side
// encryption. The private half is
// never retained beyond one decrypt call; see Derive.
func (mk *MasterKey) DerivePublicKey(accessor string) ([32]byte, error) {
	kp, err := mk.derive(accessor)
	if err != nil {
		return [32]byte{}, err
	}
	return kp.Public, nil
}

// derive computes seed = HMAC(master, encode(accessor)) then expands it
// via HKDF into a NaCl box keypair.
// Deterministic: the same accessor always yields the same
// keypair, so client-side encryption against public_key(accessor)
// remains valid across keystore restarts.
func (mk *MasterKey) derive(accessor string) (*AccessorKeyPair, error) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if mk.closed {
		return nil, fmt.Errorf("keystore: master key closed")
	}

	mac := hmac.New(sha256.New, mk.secret[:])
	mac.Write([]byte(accessor))
	seed := mac.Sum(nil)

	kdf := hkdf.New(sha256.New, seed, nil, []byte("outlayer-accessor-keypair"))
	var priv [32]byte
	if _, err := io.ReadFull(kdf, priv[:]); err != nil {
		return nil, fmt.Errorf("keystore: hkdf expand failed: %w", err)
	}
	// Clamp per curve25519/X25519 convention so the scalar is a valid
	// NaCl box private key, matching box.GenerateKey's own clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	return &AccessorKeyPair{Public: pub, private: priv}, nil
}

// Decrypt opens a NaCl box sealed to DerivePublicKey(accessor) with an
// ephemeral sender keypair, used only for the duration of this call.
func (mk *MasterKey) Decrypt(accessor string, senderPublic [32]byte, sealed []byte) ([]byte, error) {
	kp, err := mk.derive(accessor)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range kp.private {
			kp.private[i] = 0
		}
	}()

	if len(sealed) < box.Overhead+24 {
		return nil, fmt.Errorf("keystore: sealed blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := box.Open(nil, sealed[24:], &nonce, &senderPublic, &kp.private)
	if !ok {
		return nil, fmt.Errorf("keystore: failed to open sealed secret for accessor %q", accessor)
	}
	return plain, nil
}

// Seal encrypts plaintext to the accessor's derived public key with a
// fresh ephemeral sender keypair, returned alongside the sender's
// public half (needed by the caller to hand to Decrypt). Used by
// worker session channel setup and by test fixtures; end users
// normally seal client-side against public_key(accessor).
func Seal(recipientPublic [32]byte, plaintext []byte) (senderPublic [32]byte, sealed []byte, err error) {
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("keystore: failed to generate ephemeral keypair: %w", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return [32]byte{}, nil, fmt.Errorf("keystore: failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, 24+box.Overhead+len(plaintext))
	out = append(out, nonce[:]...)
	out = box.Seal(out, plaintext, &nonce, &recipientPublic, senderPriv)
	return *senderPub, out, nil
}
