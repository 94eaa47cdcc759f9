// Package engine runs one WASM artifact to completion under a
// deterministic resource model: fuel-metered instruction counting, a
// capped linear memory, a wall-clock deadline enforced via wasmtime's
// epoch interruption, and a minimal, enumerated host-call surface.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/bytecodealliance/wasmtime-go/v9"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleEngine)

// HostSurface is the minimal, enumerated set of guest-visible
// capabilities. Nil sub-interfaces are treated as denied, surfaced to
// the guest as a host-call error return, never a trap.
type HostSurface struct {
	Storage StorageProxy
	HTTP    HTTPProxy
}

// StorageProxy proxies the guest's persistent key/value operations to
// the coordinator.
type StorageProxy interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// HTTPProxy proxies an outbound HTTP request through the
// coordinator's rate-limited endpoint.
type HTTPProxy interface {
	Call(ctx context.Context, body []byte) (response []byte, statusCode int, err error)
}

// Config describes one execution.
type Config struct {
	Artifact []byte
	Input    []byte
	Env      map[string]string

	Limits protocol.ResourceLimits
	// Seed derives the guest-visible pseudo-random byte stream; never
	// the OS RNG.
	Seed [32]byte
	// AssignedTimestamp is the deterministic value returned by the
	// guest's time_now host call.
	AssignedTimestamp time.Time

	ResponseFormat protocol.ResponseFormat
	Host           HostSurface
}

// Outcome is a completed or trapped execution.
type Outcome struct {
	Success bool
	Output  []byte
	Metrics protocol.ResourceMetrics

	ErrorCode    protocol.Code
	ErrorMessage string
}

// Run instantiates the engine, executes to completion or trap, and
// interprets captured stdout per cfg.ResponseFormat.
func Run(ctx context.Context, cfg Config) Outcome {
	start := time.Now()

	wasmCfg := wasmtime.NewConfig()
	wasmCfg.SetConsumeFuel(true)
	wasmCfg.SetEpochInterruption(true)
	engine := wasmtime.NewEngineWithConfig(wasmCfg)

	module, err := wasmtime.NewModule(engine, cfg.Artifact)
	if err != nil {
		return Outcome{Success: false, ErrorCode: protocol.CodeTrap, ErrorMessage: "failed to parse module"}
	}

	store := wasmtime.NewStore(engine)
	if err := store.AddFuel(cfg.Limits.MaxInstructions); err != nil {
		return Outcome{Success: false, ErrorCode: protocol.CodeInstructionLimit, ErrorMessage: "failed to set fuel"}
	}
	store.SetEpochDeadline(1)

	// Memory cap: the store limiter denies any memory.grow
	// past the configured cap, surfaced to the guest as the grow
	// instruction returning -1, never as a silent allow.
	memLimitBytes := int64(cfg.Limits.MaxMemoryMB) << 20
	store.Limiter(memLimitBytes, -1, -1, -1, -1)

	stdoutReader, stdoutWriter, pipeErr := os.Pipe()
	if pipeErr != nil {
		return Outcome{Success: false, ErrorCode: protocol.CodeTrap, ErrorMessage: "failed to allocate stdout pipe"}
	}

	guest := newGuestContext(ctx, cfg, stdoutWriter)

	linker := wasmtime.NewLinker(engine)
	if err := linker.DefineWasi(); err != nil {
		return Outcome{Success: false, ErrorCode: protocol.CodeTrap, ErrorMessage: "failed to define wasi"}
	}
	wasiCfg := wasmtime.NewWasiConfig()
	wasiCfg.SetStdoutFile(os.DevNull)
	store.SetWasi(wasiCfg)

	if err := defineHostImports(linker, store, guest); err != nil {
		return Outcome{Success: false, ErrorCode: protocol.CodeTrap, ErrorMessage: "failed to define host imports"}
	}

	// Epoch ticker: breaches the wall-clock deadline by incrementing
	// the engine's epoch, which the instance observes as a cooperative
	// trap.
	deadline := time.Duration(cfg.Limits.MaxExecutionSeconds) * time.Second
	tickerStop := make(chan struct{})
	go epochTicker(engine, deadline, tickerStop)
	defer close(tickerStop)

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return classifyInstantiationError(err)
	}

	runFn := instance.GetFunc(store, "_start")
	if runFn == nil {
		runFn = instance.GetFunc(store, "run")
	}
	if runFn == nil {
		return Outcome{Success: false, ErrorCode: protocol.CodeTrap, ErrorMessage: "module exposes neither _start nor run"}
	}

	// The read end is drained concurrently so a guest emitting more
	// than the pipe buffer holds never blocks inside output_write; the
	// drained bytes are collected only after the write end is closed.
	type drained struct {
		data []byte
		err  error
	}
	drainCh := make(chan drained, 1)
	go func() {
		data, err := io.ReadAll(stdoutReader)
		drainCh <- drained{data, err}
	}()

	_, callErr := runFn.Call(store)

	fuelConsumed := uint64(0)
	if consumed, ok := store.FuelConsumed(); ok {
		fuelConsumed = consumed
	}

	_ = stdoutWriter.Close()
	res := <-drainCh
	_ = stdoutReader.Close()
	stdout := res.data
	if res.err != nil {
		logger.Error("failed to drain guest stdout", "err", res.err)
	}

	metrics := protocol.ResourceMetrics{
		Instructions: fuelConsumed,
		TimeMs:       uint64(time.Since(start).Milliseconds()),
	}

	if callErr != nil {
		return classifyTrap(callErr, metrics)
	}

	output, formatErr := interpretOutput(stdout, cfg.ResponseFormat)
	if formatErr != nil {
		return Outcome{Success: false, Metrics: metrics, ErrorCode: protocol.CodeOutputFormatError, ErrorMessage: formatErr.Error()}
	}

	return Outcome{Success: true, Output: output, Metrics: metrics}
}

func epochTicker(engine *wasmtime.Engine, deadline time.Duration, stop <-chan struct{}) {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-timer.C:
		engine.IncrementEpoch()
	case <-stop:
	}
}

func classifyInstantiationError(err error) Outcome {
	if trap, ok := err.(*wasmtime.Trap); ok {
		return classifyTrap(trap, protocol.ResourceMetrics{})
	}
	return Outcome{Success: false, ErrorCode: protocol.CodeTrap, ErrorMessage: fmt.Sprintf("instantiation failed: %v", err)}
}

// classifyTrap maps a wasmtime trap to the closed failure
// taxonomy.
func classifyTrap(err error, metrics protocol.ResourceMetrics) Outcome {
	trap, ok := err.(*wasmtime.Trap)
	if !ok {
		return Outcome{Success: false, Metrics: metrics, ErrorCode: protocol.CodeTrap, ErrorMessage: err.Error()}
	}
	code := trap.Code()
	switch {
	case code != nil && *code == wasmtime.OutOfFuel:
		return Outcome{Success: false, Metrics: metrics, ErrorCode: protocol.CodeInstructionLimit, ErrorMessage: "fuel exhausted"}
	case code != nil && *code == wasmtime.Interrupt:
		return Outcome{Success: false, Metrics: metrics, ErrorCode: protocol.CodeTimeout, ErrorMessage: "execution deadline exceeded"}
	case code != nil && *code == wasmtime.MemoryOutOfBounds:
		return Outcome{Success: false, Metrics: metrics, ErrorCode: protocol.CodeOutOfMemory, ErrorMessage: "memory access out of bounds"}
	default:
		return Outcome{Success: false, Metrics: metrics, ErrorCode: protocol.CodeTrap, ErrorMessage: trap.Message()}
	}
}

func interpretOutput(raw []byte, format protocol.ResponseFormat) ([]byte, error) {
	switch format {
	case protocol.ResponseText:
		if !utf8Valid(raw) {
			return nil, fmt.Errorf("engine: guest output is not valid UTF-8")
		}
		return raw, nil
	case protocol.ResponseJSON:
		return canonicalizeJSON(raw)
	case protocol.ResponseBytes, "":
		return raw, nil
	default:
		return nil, fmt.Errorf("engine: unsupported response format %q", format)
	}
}

func utf8Valid(b []byte) bool { return utf8.Valid(b) }
