package loop

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// QuoteProvider produces a TDX quote binding reportData (the worker's
// ephemeral ed25519 and NaCl box public halves) to this TEE instance.
// The quoting mechanism itself, the TEE's quoting enclave or its
// host-side proxy, is a collaborator external to this core.
type QuoteProvider interface {
	Quote(ctx context.Context, reportData [64]byte) ([]byte, error)
}

// Registrar submits a freshly generated quote to the on-chain
// registration collaborator's register_worker_key entry point.
type Registrar interface {
	RegisterWorkerKey(ctx context.Context, publicKeyHex string, quote []byte) error
}

// TDXDeviceQuoteProvider targets the local TDX quoting device, the
// standard Linux TDX guest interface (/dev/tdx_guest,
// TDX_CMD_GET_REPORT0/GET_QUOTE ioctls). Quote opens the device node
// and then returns an error: it issues no ioctl and produces no quote
// bytes.
type TDXDeviceQuoteProvider struct {
	DevicePath string
}

// NewTDXDeviceQuoteProvider defaults DevicePath to the conventional
// TDX guest device node.
func NewTDXDeviceQuoteProvider() *TDXDeviceQuoteProvider {
	return &TDXDeviceQuoteProvider{DevicePath: "/dev/tdx_guest"}
}

func (p *TDXDeviceQuoteProvider) Quote(ctx context.Context, reportData [64]byte) ([]byte, error) {
	dev, err := os.OpenFile(p.DevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("loop: tdx quoting device unavailable (%s): %w", p.DevicePath, err)
	}
	defer dev.Close()
	return nil, fmt.Errorf("loop: tdx quote generation requires the host TDX ioctl surface, not available in this process")
}

// RPCRegistrar submits register_worker_key to the on-chain
// registration collaborator via the coordinator's rate-limited
// /near-rpc proxy, the same path keystore.RegistrationRPCView uses for
// reads.
type RPCRegistrar struct {
	coordinatorURL string
	client         *http.Client
}

func NewRPCRegistrar(coordinatorURL string) *RPCRegistrar {
	return &RPCRegistrar{coordinatorURL: coordinatorURL, client: &http.Client{Timeout: 15 * time.Second}}
}

type rpcEnvelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

func (r *RPCRegistrar) RegisterWorkerKey(ctx context.Context, publicKeyHex string, quote []byte) error {
	body, err := json.Marshal(rpcEnvelope{
		JSONRPC: "2.0", ID: "worker-register", Method: "call_function",
		Params: map[string]interface{}{
			"contract": "registration.outlayer.near",
			"method":   "register_worker_key",
			"args":     map[string]string{"public_key": publicKeyHex, "quote": hex.EncodeToString(quote)},
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.coordinatorURL+"/near-rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("loop: register_worker_key call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loop: register_worker_key rejected with status %d", resp.StatusCode)
	}
	return nil
}
