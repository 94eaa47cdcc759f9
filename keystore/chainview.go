package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NearRPCChainView implements ChainView over the coordinator's
// rate-limited /near-rpc proxy. The keystore process never
// talks to the chain directly.
type NearRPCChainView struct {
	coordinatorURL string
	client         *http.Client
}

func NewNearRPCChainView(coordinatorURL string) *NearRPCChainView {
	return &NearRPCChainView{coordinatorURL: coordinatorURL, client: &http.Client{Timeout: 10 * time.Second}}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (v *NearRPCChainView) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "keystore", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.coordinatorURL+"/near-rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("chainview: rpc call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chainview: rpc call returned status %d", resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("chainview: failed to decode rpc response: %w", err)
	}
	if rr.Error != nil {
		return fmt.Errorf("chainview: rpc error: %s", rr.Error.Message)
	}
	return json.Unmarshal(rr.Result, out)
}

func (v *NearRPCChainView) NearBalance(ctx context.Context, account string) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	if err := v.call(ctx, "view_account", map[string]string{"account_id": account}, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (v *NearRPCChainView) FtBalance(ctx context.Context, token, account string) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	args := map[string]string{"account_id": account}
	if err := v.call(ctx, "call_function", map[string]interface{}{"contract": token, "method": "ft_balance_of", "args": args}, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (v *NearRPCChainView) NftOwned(ctx context.Context, contract, account, tokenID string) (bool, error) {
	var out struct {
		Owner string `json:"owner_id"`
	}
	args := map[string]string{"token_id": tokenID}
	if err := v.call(ctx, "call_function", map[string]interface{}{"contract": contract, "method": "nft_token", "args": args}, &out); err != nil {
		return false, err
	}
	return out.Owner == account, nil
}

func (v *NearRPCChainView) DaoMember(ctx context.Context, dao, account, role string) (bool, error) {
	var out struct {
		IsMember bool `json:"is_member"`
	}
	args := map[string]string{"account_id": account, "role": role}
	if err := v.call(ctx, "call_function", map[string]interface{}{"contract": dao, "method": "has_role", "args": args}, &out); err != nil {
		return false, err
	}
	return out.IsMember, nil
}

// RegistrationRPCView implements RegistrationView over the same
// coordinator RPC proxy, checking worker key membership against the
// registration contract's view method.
type RegistrationRPCView struct {
	coordinatorURL string
	client         *http.Client
}

func NewRegistrationRPCView(coordinatorURL string) *RegistrationRPCView {
	return &RegistrationRPCView{coordinatorURL: coordinatorURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (v *RegistrationRPCView) IsRegisteredWorkerKey(publicKeyHex string) (bool, error) {
	view := &NearRPCChainView{coordinatorURL: v.coordinatorURL, client: v.client}
	var out struct {
		Registered bool `json:"registered"`
	}
	if err := view.call(context.Background(), "call_function", map[string]interface{}{
		"contract": "registration.outlayer.near", "method": "is_registered_worker_key",
		"args": map[string]string{"public_key": publicKeyHex},
	}, &out); err != nil {
		return false, err
	}
	return out.Registered, nil
}
