package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/outlayer-network/outlayer/protocol"
)

// KeystoreClient relays attestation and decryption calls to the
// keystore process without ever parsing the plaintext payload.
type KeystoreClient struct {
	baseURL string
	client  *http.Client
}

func NewKeystoreClient(baseURL string) *KeystoreClient {
	return &KeystoreClient{baseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
}

func (kc *KeystoreClient) post(path string, body interface{}) ([]byte, int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	resp, err := kc.client.Post(kc.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("coordinator: keystore relay failed: %w", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

// Challenge relays POST /keystore/tee-challenge.
func (kc *KeystoreClient) Challenge(publicKeyHex string) ([]byte, int, error) {
	return kc.post("/keystore/tee-challenge", map[string]string{"public_key": publicKeyHex})
}

// Register relays POST /keystore/register-tee.
func (kc *KeystoreClient) Register(publicKeyHex, signatureHex, quoteHex string) ([]byte, int, error) {
	return kc.post("/keystore/register-tee", map[string]string{
		"public_key": publicKeyHex, "signature": signatureHex, "quote": quoteHex,
	})
}

// DecryptSecrets relays a worker's decrypt_secrets call
// to the keystore, passing the request through opaquely: the response
// carries bytes already sealed to the worker's box public key, so this
// coordinator never sees plaintext.
func (kc *KeystoreClient) DecryptSecrets(sessionPublicKeyHex string, ref protocol.SecretsRef, callerAccountID, workerBoxPublicKeyHex string) ([]byte, int, error) {
	return kc.post("/keystore/decrypt", map[string]string{
		"session_public_key":    sessionPublicKeyHex,
		"accessor":              ref.Accessor,
		"profile":               ref.Profile,
		"owner":                 ref.Owner,
		"caller_account_id":     callerAccountID,
		"worker_box_public_key": workerBoxPublicKeyHex,
	})
}

// CreateSecret stores a new secret record. The encrypted blob is
// produced client-side against PublicKey(accessor); the coordinator
// only persists it.
func (svc *Service) CreateSecret(secret protocol.Secret) error {
	return svc.Store.UpsertSecret(secret)
}

// DeleteSecret implements owner-gated deletion with deposit
// refund.
func (svc *Service) DeleteSecret(key protocol.SecretKey, caller string) (refund int64, err error) {
	return svc.Store.DeleteSecret(key, caller)
}
