// Package submit handles result submission after a job completes. For
// blockchain-origin jobs, the worker relays a transaction to the
// registered resume entry point of the on-chain collaborator (routed
// through the coordinator's rate-limited /near-rpc proxy), splitting
// large outputs into a deposit-then-resume two-step. For HTTPS-origin
// jobs, submission hands the result to the coordinator's complete_job,
// which unblocks the pending HTTP response itself.
package submit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleSubmit)

// largeOutputThreshold is the response size above which submission
// takes the two-step deposit-then-resume path rather than inlining
// the payload into the resume call.
const largeOutputThreshold = 16 * 1024

// RPCProxy is the subset of worker/client.Client needed to relay a
// signed transaction through the coordinator's rate-limited outbound
// proxy.
type RPCProxy interface {
	NearRPC(ctx context.Context, body []byte) (response []byte, statusCode int, err error)
}

// CoordinatorClient is the subset of worker/client.Client needed to
// finalize job bookkeeping via complete_job, common to both origins.
type CoordinatorClient interface {
	CompleteJob(ctx context.Context, req CompleteJobRequest) error
}

// CompleteJobRequest mirrors worker/client.CompleteRequest; duplicated
// here as a narrow interface-local type so this package does not
// import worker/client and create a cycle.
type CompleteJobRequest struct {
	JobID            string
	WorkerID         string
	Success          bool
	Metrics          protocol.ResourceMetrics
	Output           []byte
	ArtifactChecksum string
	ErrorCode        protocol.Code
	ErrorMessage     string
}

// Result is one execute job's finished outcome, ready for submission.
type Result struct {
	JobID     string
	RequestID string
	WorkerID  string
	Origin    protocol.ExecutionType

	Success bool
	Output  []byte
	Metrics protocol.ResourceMetrics

	ErrorCode    protocol.Code
	ErrorMessage string

	// ResumeEntryPoint and SignerKey describe protocol.ExecutionNEAR
	// submissions. Submit reads neither: the resume call uses the fixed
	// method name "resume" and the relayed request is not signed.
	ResumeEntryPoint string
	SignerKey        ed25519.PrivateKey
}

// Submit finishes one job: blockchain-origin results are first
// relayed on-chain (splitting large outputs), then always recorded
// via complete_job so the coordinator's job table and stale-claim
// sweeper observe a terminal state regardless of origin.
func Submit(ctx context.Context, rpc RPCProxy, coord CoordinatorClient, r Result) error {
	if r.Origin == protocol.ExecutionNEAR && r.Success {
		if err := resolveOnChain(ctx, rpc, r); err != nil {
			logger.Error("on-chain resolution failed", "request_id", r.RequestID, "err", err)
			return fmt.Errorf("submit: on-chain resolution failed: %w", err)
		}
	}

	return coord.CompleteJob(ctx, CompleteJobRequest{
		JobID: r.JobID, WorkerID: r.WorkerID, Success: r.Success,
		Metrics: r.Metrics, Output: r.Output,
		ErrorCode: r.ErrorCode, ErrorMessage: r.ErrorMessage,
	})
}

// nearRPCCall is the minimal JSON-RPC envelope used to reach the
// resume entry point and the deposit-payload helper method, relayed
// opaquely through the coordinator's proxy.
type nearRPCCall struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type functionCallParams struct {
	RequestID string `json:"request_id"`
	ArgsB64   string `json:"args_base64"`
	MethodName string `json:"method_name"`
}

// resolveOnChain carries (request_id, response, metrics) to the
// registered resume entry point. Outputs larger than
// largeOutputThreshold are deposited under the request id first, and
// resume is invoked with a content hash reference instead of the raw
// bytes.
func resolveOnChain(ctx context.Context, rpc RPCProxy, r Result) error {
	if len(r.Output) > largeOutputThreshold {
		sum := sha256.Sum256(r.Output)
		ref := hex.EncodeToString(sum[:])
		if err := callMethod(ctx, rpc, "deposit_payload", r.RequestID, r.Output); err != nil {
			return fmt.Errorf("deposit_payload: %w", err)
		}
		return callMethod(ctx, rpc, "resume", r.RequestID, []byte(ref))
	}
	return callMethod(ctx, rpc, "resume", r.RequestID, r.Output)
}

func callMethod(ctx context.Context, rpc RPCProxy, method, requestID string, args []byte) error {
	params, err := json.Marshal(functionCallParams{
		RequestID: requestID, MethodName: method, ArgsB64: base64.StdEncoding.EncodeToString(args),
	})
	if err != nil {
		return err
	}
	body, err := json.Marshal(nearRPCCall{JSONRPC: "2.0", ID: requestID, Method: "broadcast_tx_commit", Params: params})
	if err != nil {
		return err
	}
	resp, status, err := rpc.NearRPC(ctx, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("near-rpc %s returned %d: %s", method, status, resp)
	}
	return nil
}
