package keystore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/outlayer-network/outlayer/protocol"
)

// CoordinatorSecretLookup implements SecretLookup by calling back to
// the coordinator's internal lookup surface.
type CoordinatorSecretLookup struct {
	coordinatorURL string
	client         *http.Client
}

func NewCoordinatorSecretLookup(coordinatorURL string) *CoordinatorSecretLookup {
	return &CoordinatorSecretLookup{coordinatorURL: coordinatorURL, client: &http.Client{Timeout: 10 * time.Second}}
}

type secretLookupResponse struct {
	EncryptedBlobHex   string `json:"encrypted_blob"`
	SenderPublicKeyHex string `json:"sender_public_key"`
	ConditionJSON      string `json:"condition_json"`
}

func (l *CoordinatorSecretLookup) Lookup(ctx context.Context, key protocol.SecretKey) ([]byte, *protocol.AccessCondition, [32]byte, error) {
	q := url.Values{"accessor": {key.Accessor}, "profile": {key.Profile}, "owner": {key.Owner}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.coordinatorURL+"/secrets/lookup?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, [32]byte{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, [32]byte{}, fmt.Errorf("keystore: secret lookup failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, [32]byte{}, fmt.Errorf("keystore: secret lookup returned status %d", resp.StatusCode)
	}
	var out secretLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, [32]byte{}, fmt.Errorf("keystore: failed to decode secret lookup response: %w", err)
	}

	blob, err := hex.DecodeString(out.EncryptedBlobHex)
	if err != nil {
		return nil, nil, [32]byte{}, fmt.Errorf("keystore: malformed encrypted_blob")
	}
	senderRaw, err := hex.DecodeString(out.SenderPublicKeyHex)
	if err != nil || len(senderRaw) != 32 {
		return nil, nil, [32]byte{}, fmt.Errorf("keystore: malformed sender_public_key")
	}
	var senderPublic [32]byte
	copy(senderPublic[:], senderRaw)

	cond, err := protocol.UnmarshalAccessCondition([]byte(out.ConditionJSON))
	if err != nil {
		return nil, nil, [32]byte{}, fmt.Errorf("keystore: malformed access condition: %w", err)
	}
	return blob, cond, senderPublic, nil
}
