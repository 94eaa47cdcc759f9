// Package loop runs one worker's full cycle: attested registration
// against the coordinator and keystore, then poll -> claim -> compile
// or execute -> submit, forever.
package loop

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/outlayer-network/outlayer/coordinator/queue"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/internal/metrics"
	"github.com/outlayer-network/outlayer/protocol"
	"github.com/outlayer-network/outlayer/worker/client"
	"github.com/outlayer-network/outlayer/worker/compile"
	"github.com/outlayer-network/outlayer/worker/engine"
	"github.com/outlayer-network/outlayer/worker/submit"
)

var logger = log.NewModuleLogger(log.ModuleWorkerLoop)

// Config configures one worker process.
type Config struct {
	CoordinatorAddr string
	PollTimeout     time.Duration

	BuildBaseDir  string
	CompileLimits compile.Limits

	// AllowedBuildTargets is the closed set of build targets this
	// worker accepts; checked before any source fetch.
	AllowedBuildTargets []string

	// NetworkID is stamped into NEAR_NETWORK_ID for blockchain-origin
	// jobs.
	NetworkID string
}

// Worker owns one ephemeral identity (an ed25519 signing key for
// attestation sessions, a NaCl box key for secret unsealing) and the
// coordinator client built from it.
type Worker struct {
	cfg Config

	signer     ed25519.PrivateKey
	publicHex  string
	boxPublic  [32]byte
	boxPrivate [32]byte

	coordinator *client.Client
	quotes      QuoteProvider
	registrar   Registrar

	running int32
}

// New builds a worker with a fresh ephemeral identity. The identity is
// generated once per process lifetime; restarting the process
// re-registers under a new key.
func New(cfg Config, quotes QuoteProvider, registrar Registrar) (*Worker, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("loop: failed to generate worker keypair: %w", err)
	}
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("loop: failed to generate worker box keypair: %w", err)
	}
	return &Worker{
		cfg:         cfg,
		signer:      priv,
		publicHex:   hex.EncodeToString(pub),
		boxPublic:   *boxPub,
		boxPrivate:  *boxPriv,
		coordinator: client.New(cfg.CoordinatorAddr, ""),
		quotes:      quotes,
		registrar:   registrar,
	}, nil
}

// PublicKeyHex exposes the worker's attested identity, mostly for logs
// and tests.
func (w *Worker) PublicKeyHex() string { return w.publicHex }

// Run registers the worker and then polls and processes jobs until
// ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return fmt.Errorf("loop: worker already running")
	}
	defer atomic.StoreInt32(&w.running, 0)

	if err := w.register(ctx); err != nil {
		return fmt.Errorf("loop: initial registration failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, ok, err := w.coordinator.Poll(ctx, w.cfg.PollTimeout)
		if err == client.ErrForbidden {
			logger.Warn("session expired mid-poll, re-registering")
			if rerr := w.register(ctx); rerr != nil {
				return fmt.Errorf("loop: re-registration failed: %w", rerr)
			}
			continue
		}
		if err != nil {
			logger.Error("poll failed", "err", err)
			continue
		}
		if !ok {
			continue
		}

		if perr := w.processTask(ctx, task); perr != nil {
			logger.Error("task processing failed", "request_id", task.RequestID, "err", perr)
		}
	}
}

// register performs the full attestation handshake: generate a TDX
// quote over this process's identity, submit it to the on-chain
// registration collaborator, then establish sessions with both the
// coordinator and (relayed) the keystore.
func (w *Worker) register(ctx context.Context) error {
	var reportData [64]byte
	pub, _ := hex.DecodeString(w.publicHex)
	copy(reportData[:32], pub)
	copy(reportData[32:], w.boxPublic[:])

	quote, err := w.quotes.Quote(ctx, reportData)
	if err != nil {
		return fmt.Errorf("loop: quote generation failed: %w", err)
	}

	if err := w.registrar.RegisterWorkerKey(ctx, w.publicHex, quote); err != nil {
		return fmt.Errorf("loop: register_worker_key failed: %w", err)
	}

	quoteHex := hex.EncodeToString(quote)

	if err := w.establishSession(ctx, w.coordinator.WorkerChallenge, w.coordinator.WorkerRegister, quoteHex); err != nil {
		return fmt.Errorf("loop: coordinator session failed: %w", err)
	}
	w.coordinator.SetAuthToken(w.publicHex)

	if err := w.establishSession(ctx, w.coordinator.KeystoreChallenge, w.coordinator.KeystoreRegister, quoteHex); err != nil {
		return fmt.Errorf("loop: keystore session failed: %w", err)
	}

	logger.Info("worker registered", "public_key", w.publicHex)
	return nil
}

func (w *Worker) establishSession(
	ctx context.Context,
	challengeFn func(context.Context, string) (string, error),
	registerFn func(context.Context, string, string, string) (time.Time, error),
	quoteHex string,
) error {
	challengeHex, err := challengeFn(ctx, w.publicHex)
	if err != nil {
		return err
	}
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		return fmt.Errorf("loop: malformed challenge: %w", err)
	}
	sig := ed25519.Sign(w.signer, challenge)
	_, err = registerFn(ctx, w.publicHex, hex.EncodeToString(sig), quoteHex)
	return err
}

// decodedTask normalizes the two queue payload shapes into the fields
// worker/loop actually needs to claim and run a job.
type decodedTask struct {
	requestID string
	dataID    string

	codeSource protocol.CodeSource
	limits     protocol.ResourceLimits
	input      []byte
	format     protocol.ResponseFormat
	secretsRef *protocol.SecretsRef
	metadata   protocol.RequestMetadata

	// assignedAt is the request's own timestamp (block timestamp for
	// blockchain-origin jobs, enqueue time otherwise). Host time
	// services answer with this value, never wall-clock.
	assignedAt time.Time

	storageProject string
	storageAccount string
}

func (w *Worker) decodeTask(task *queue.Task) (*decodedTask, error) {
	var call protocol.CallPayload
	if err := json.Unmarshal(task.Payload, &call); err == nil && call.CallID != "" {
		return w.toDecodedTask(task, call.CodeSource, call.ResourceLimits, []byte(call.Input),
			call.ResponseFormat, call.SecretsRef, call.ToRequestMetadata()), nil
	}

	var event protocol.ChainEvent
	if err := json.Unmarshal(task.Payload, &event); err != nil {
		return nil, fmt.Errorf("loop: unrecognized task payload: %w", err)
	}
	return w.toDecodedTask(task, event.CodeSource, event.ResourceLimits, []byte(event.Input),
		event.ResponseFormat, event.SecretsRef, event.ToRequestMetadata(w.cfg.NetworkID)), nil
}

func (w *Worker) toDecodedTask(
	task *queue.Task,
	source protocol.CodeSource,
	limits protocol.ResourceLimits,
	input []byte,
	format protocol.ResponseFormat,
	secretsRef *protocol.SecretsRef,
	metadata protocol.RequestMetadata,
) *decodedTask {
	sourceKind, sourceIdentity := source.Identity()
	account := ""
	if metadata.ExecutionType == protocol.ExecutionNEAR {
		account = metadata.SenderID
	}
	assignedAt := task.EnqueuedAt
	if metadata.BlockTimestamp != 0 {
		assignedAt = time.Unix(0, int64(metadata.BlockTimestamp))
	}
	return &decodedTask{
		requestID: task.RequestID, dataID: task.DataID,
		codeSource: source, limits: limits, input: input, format: format,
		secretsRef: secretsRef, metadata: metadata,
		assignedAt:     assignedAt,
		storageProject: sourceKind + ":" + sourceIdentity,
		storageAccount: account,
	}
}

// processTask decodes one queue entry, claims its jobs, and runs them
// in order: a claim batch is at most one compile job followed by one
// execute job (coordinator.ClaimJobs).
func (w *Worker) processTask(ctx context.Context, task *queue.Task) error {
	dt, err := w.decodeTask(task)
	if err != nil {
		return err
	}

	jobs, err := w.coordinator.ClaimJobs(ctx, client.ClaimRequest{
		RequestID: dt.requestID, DataID: dt.dataID, WorkerID: w.publicHex,
		CodeSource: dt.codeSource, ResourceLimits: dt.limits,
	})
	if err == client.ErrAlreadyClaimed {
		return nil
	}
	if err == client.ErrForbidden {
		if rerr := w.register(ctx); rerr != nil {
			return fmt.Errorf("loop: re-registration before claim failed: %w", rerr)
		}
		jobs, err = w.coordinator.ClaimJobs(ctx, client.ClaimRequest{
			RequestID: dt.requestID, DataID: dt.dataID, WorkerID: w.publicHex,
			CodeSource: dt.codeSource, ResourceLimits: dt.limits,
		})
	}
	if err != nil {
		return fmt.Errorf("loop: claim failed: %w", err)
	}

	var artifact []byte
	var checksum string
	for _, job := range jobs {
		switch job.Kind {
		case protocol.JobCompile:
			artifact, checksum, err = w.runCompile(ctx, job, dt)
			if err != nil {
				return err
			}
		case protocol.JobExecute:
			if artifact == nil {
				checksum = job.WasmChecksum
				artifact, err = w.coordinator.DownloadWasm(ctx, checksum)
				if err != nil {
					return fmt.Errorf("loop: wasm download failed: %w", err)
				}
			}
			if err := w.runExecute(ctx, job, dt, artifact); err != nil {
				return err
			}
		default:
			logger.Warn("unrecognized job kind, skipping", "job_id", job.JobID, "kind", job.Kind)
		}
	}
	return nil
}

// runCompile builds the artifact in a scratch workspace, uploads it to
// the shared cache, and reports completion.
func (w *Worker) runCompile(ctx context.Context, job protocol.Job, dt *decodedTask) ([]byte, string, error) {
	if verr := compile.ValidateTarget(dt.codeSource.BuildTarget, w.cfg.AllowedBuildTargets); verr != nil {
		if cerr := w.coordinator.CompleteJob(ctx, client.CompleteRequest{
			JobID: job.JobID, WorkerID: w.publicHex, Success: false,
			ErrorCode: verr.Code, ErrorMessage: verr.Message,
		}); cerr != nil {
			logger.Error("failed to report unsupported build target", "job_id", job.JobID, "err", cerr)
		}
		metrics.WorkerJobs.WithLabelValues(string(protocol.JobCompile), "failed").Inc()
		return nil, "", fmt.Errorf("loop: %s", verr.Message)
	}

	ws, err := compile.NewWorkspace(w.cfg.BuildBaseDir, job.JobID)
	if err != nil {
		return nil, "", fmt.Errorf("loop: workspace allocation failed: %w", err)
	}
	defer ws.Close()

	result, failure := compile.Build(ctx, ws, dt.codeSource, w.cfg.CompileLimits)
	if failure != nil {
		if cerr := w.coordinator.CompleteJob(ctx, client.CompleteRequest{
			JobID: job.JobID, WorkerID: w.publicHex, Success: false,
			ErrorCode: protocol.CodeCompileFailed, ErrorMessage: string(failure.Class),
		}); cerr != nil {
			logger.Error("failed to report compile failure", "job_id", job.JobID, "err", cerr)
		}
		metrics.WorkerJobs.WithLabelValues(string(protocol.JobCompile), "failed").Inc()
		return nil, "", fmt.Errorf("loop: compile failed: %s", failure.Class)
	}

	sourceKind, sourceIdentity := dt.codeSource.Identity()
	origin := protocol.CacheOrigin{
		SourceKind: sourceKind, Repo: dt.codeSource.Repo, Commit: dt.codeSource.Commit,
		URL: dt.codeSource.URL, ExpectedHash: dt.codeSource.ExpectedHash,
	}
	if err := w.coordinator.UploadWasm(ctx, result.Checksum, result.Artifact, origin, sourceKind, sourceIdentity); err != nil {
		return nil, "", fmt.Errorf("loop: wasm upload failed: %w", err)
	}

	if err := w.coordinator.CompleteJob(ctx, client.CompleteRequest{
		JobID: job.JobID, WorkerID: w.publicHex, Success: true,
		Metrics:          protocol.ResourceMetrics{CompileTimeMs: result.CompileTimeMs},
		ArtifactChecksum: result.Checksum,
	}); err != nil {
		return nil, "", fmt.Errorf("loop: compile completion report failed: %w", err)
	}

	metrics.WorkerJobs.WithLabelValues(string(protocol.JobCompile), "completed").Inc()
	return result.Artifact, result.Checksum, nil
}

// runExecute decrypts any referenced secrets, runs the artifact under
// the engine's deterministic resource model, and submits the result.
func (w *Worker) runExecute(ctx context.Context, job protocol.Job, dt *decodedTask, artifact []byte) error {
	var callerAccountID string
	if dt.metadata.ExecutionType == protocol.ExecutionNEAR {
		callerAccountID = dt.metadata.SenderID
	}

	secrets, err := w.decryptSecrets(ctx, dt.secretsRef, callerAccountID)
	if err != nil {
		logger.Error("secret decrypt failed", "job_id", job.JobID, "err", err)
		return w.reportExecuteFailure(ctx, job, protocol.CodeAccessConditionDenied, err.Error())
	}

	// Metadata env names always win over a colliding secret name, and
	// the collision is logged.
	env := make(map[string]string, len(secrets)+len(protocol.EnvNames))
	for k, v := range secrets {
		env[k] = v
	}
	for k, v := range dt.metadata.ToEnv() {
		if _, collides := env[k]; collides {
			logger.Warn("secret name collides with request metadata, metadata wins",
				"name", k, "job_id", job.JobID)
		}
		env[k] = v
	}

	seedInput := append(append([]byte{}, dt.input...), []byte(dt.requestID)...)
	seed := sha256.Sum256(seedInput)

	outcome := engine.Run(ctx, engine.Config{
		Artifact: artifact, Input: dt.input, Env: env,
		Limits: dt.limits, Seed: seed, AssignedTimestamp: dt.assignedAt,
		ResponseFormat: dt.format,
		Host: engine.HostSurface{
			Storage: hostStorage{c: w.coordinator, project: dt.storageProject, account: dt.storageAccount},
			HTTP:    hostHTTP{c: w.coordinator},
		},
	})

	result := submit.Result{
		JobID: job.JobID, RequestID: dt.requestID, WorkerID: w.publicHex,
		Origin:       dt.metadata.ExecutionType,
		Success:      outcome.Success,
		Output:       outcome.Output,
		Metrics:      outcome.Metrics,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
	}
	if err := submit.Submit(ctx, w.coordinator, coordinatorAdapter{w.coordinator}, result); err != nil {
		return fmt.Errorf("loop: submission failed: %w", err)
	}
	outcomeLabel := "failed"
	if outcome.Success {
		outcomeLabel = "completed"
	}
	metrics.WorkerJobs.WithLabelValues(string(protocol.JobExecute), outcomeLabel).Inc()
	metrics.WorkerFuelConsumed.Add(float64(outcome.Metrics.Instructions))
	return nil
}

func (w *Worker) reportExecuteFailure(ctx context.Context, job protocol.Job, code protocol.Code, msg string) error {
	if err := w.coordinator.CompleteJob(ctx, client.CompleteRequest{
		JobID: job.JobID, WorkerID: w.publicHex, Success: false,
		ErrorCode: code, ErrorMessage: msg,
	}); err != nil {
		return fmt.Errorf("loop: failed to report execute failure: %w", err)
	}
	return nil
}

// decryptSecrets requests the referenced secret sealed to this
// worker's box public key, then opens it with the matching private
// half, which exists only in this process's memory.
func (w *Worker) decryptSecrets(ctx context.Context, ref *protocol.SecretsRef, callerAccountID string) (map[string]string, error) {
	if ref == nil {
		return nil, nil
	}

	senderHex, sealedHex, err := w.coordinator.DecryptSecrets(ctx, w.publicHex,
		ref.Accessor, ref.Profile, ref.Owner, callerAccountID, hex.EncodeToString(w.boxPublic[:]))
	if err != nil {
		return nil, fmt.Errorf("loop: secret decrypt request failed: %w", err)
	}

	sealed, err := hex.DecodeString(sealedHex)
	if err != nil || len(sealed) < 24 {
		return nil, fmt.Errorf("loop: malformed sealed secret")
	}
	senderRaw, err := hex.DecodeString(senderHex)
	if err != nil || len(senderRaw) != 32 {
		return nil, fmt.Errorf("loop: malformed sender key")
	}
	var senderPub [32]byte
	copy(senderPub[:], senderRaw)
	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plain, ok := box.Open(nil, sealed[24:], &nonce, &senderPub, &w.boxPrivate)
	if !ok {
		return nil, fmt.Errorf("loop: failed to open sealed secret")
	}

	var out map[string]string
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, fmt.Errorf("loop: secret payload is not a JSON object: %w", err)
	}
	return out, nil
}

// hostStorage adapts worker/client's (project, account, key) storage
// surface to engine.StorageProxy's single-key shape, scoping every
// call to the job's originating source and caller.
type hostStorage struct {
	c                *client.Client
	project, account string
}

func (h hostStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return h.c.StorageGet(ctx, h.project, h.account, key)
}

func (h hostStorage) Set(ctx context.Context, key string, value []byte) error {
	return h.c.StorageSet(ctx, h.project, h.account, key, value)
}

// hostHTTP adapts worker/client.External to engine.HTTPProxy, routing
// the guest's outbound request through the coordinator's rate-limited
// proxy.
type hostHTTP struct{ c *client.Client }

func (h hostHTTP) Call(ctx context.Context, body []byte) ([]byte, int, error) {
	return h.c.External(ctx, "http", body)
}

// coordinatorAdapter satisfies worker/submit.CoordinatorClient over
// worker/client.Client's concrete request type.
type coordinatorAdapter struct{ c *client.Client }

func (a coordinatorAdapter) CompleteJob(ctx context.Context, req submit.CompleteJobRequest) error {
	return a.c.CompleteJob(ctx, client.CompleteRequest{
		JobID: req.JobID, WorkerID: req.WorkerID, Success: req.Success,
		Metrics: req.Metrics, Output: req.Output, ArtifactChecksum: req.ArtifactChecksum,
		ErrorCode: req.ErrorCode, ErrorMessage: req.ErrorMessage,
	})
}
