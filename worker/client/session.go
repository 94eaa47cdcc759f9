package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// WorkerChallenge implements POST /workers/tee-challenge: the coordinator's own attestation session, independent of
// the worker's session with the keystore.
func (c *Client) WorkerChallenge(ctx context.Context, publicKeyHex string) (challengeHex string, err error) {
	body, _ := json.Marshal(map[string]string{"public_key": publicKeyHex})
	resp, err := c.do(ctx, http.MethodPost, "/workers/tee-challenge", body, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Challenge string `json:"challenge"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Challenge, nil
}

// WorkerRegister implements POST /workers/register-tee.
func (c *Client) WorkerRegister(ctx context.Context, publicKeyHex, signatureHex, quoteHex string) (expiry time.Time, err error) {
	body, _ := json.Marshal(map[string]string{
		"public_key": publicKeyHex, "signature": signatureHex, "quote": quoteHex,
	})
	resp, err := c.do(ctx, http.MethodPost, "/workers/register-tee", body, nil)
	if err != nil {
		return time.Time{}, err
	}
	var out struct {
		Expiry time.Time `json:"expiry"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return time.Time{}, err
	}
	return out.Expiry, nil
}

// KeystoreChallenge implements POST /keystore/tee-challenge (relayed
// by the coordinator to the keystore process).
func (c *Client) KeystoreChallenge(ctx context.Context, publicKeyHex string) (challengeHex string, err error) {
	body, _ := json.Marshal(map[string]string{"public_key": publicKeyHex})
	resp, err := c.do(ctx, http.MethodPost, "/keystore/tee-challenge", body, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Challenge string `json:"challenge"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Challenge, nil
}

// KeystoreRegister implements POST /keystore/register-tee.
func (c *Client) KeystoreRegister(ctx context.Context, publicKeyHex, signatureHex, quoteHex string) (expiry time.Time, err error) {
	body, _ := json.Marshal(map[string]string{
		"public_key": publicKeyHex, "signature": signatureHex, "quote": quoteHex,
	})
	resp, err := c.do(ctx, http.MethodPost, "/keystore/register-tee", body, nil)
	if err != nil {
		return time.Time{}, err
	}
	var out struct {
		Expiry time.Time `json:"expiry"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return time.Time{}, err
	}
	return out.Expiry, nil
}

// DecryptSecrets implements POST /keystore/decrypt: the response carries bytes already sealed to workerBoxPublicKeyHex,
// never plaintext in transit.
func (c *Client) DecryptSecrets(ctx context.Context, sessionPublicKeyHex, accessor, profile, owner, callerAccountID, workerBoxPublicKeyHex string) (senderPublicKeyHex, sealedHex string, err error) {
	body, _ := json.Marshal(map[string]string{
		"session_public_key":    sessionPublicKeyHex,
		"accessor":              accessor,
		"profile":               profile,
		"owner":                 owner,
		"caller_account_id":     callerAccountID,
		"worker_box_public_key": workerBoxPublicKeyHex,
	})
	resp, err := c.do(ctx, http.MethodPost, "/keystore/decrypt", body, nil)
	if err != nil {
		return "", "", err
	}
	var out struct {
		SenderPublicKey string `json:"sender_public_key"`
		Sealed          string `json:"sealed"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", "", err
	}
	return out.SenderPublicKey, out.Sealed, nil
}

// NearRPC implements POST /near-rpc, the guest's proxied outbound JSON-RPC
// host call.
func (c *Client) NearRPC(ctx context.Context, body []byte) ([]byte, int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/near-rpc", body, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, readErr := io.ReadAll(resp.Body)
	return out, resp.StatusCode, readErr
}

// External implements POST /external/{service}.
func (c *Client) External(ctx context.Context, service string, body []byte) ([]byte, int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/external/"+service, body, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, readErr := io.ReadAll(resp.Body)
	return out, resp.StatusCode, readErr
}
