// Host function definitions for the minimal, enumerated guest-visible
// surface: read environment, read input, write
// output (stdout capture), a seeded pseudo-random byte stream, proxied
// persistent storage, and a proxied rate-limited outbound HTTP call.
// Every function operates on guest linear memory offsets, the calling
// convention wasmtime-go host imports use; there is no shared-memory
// aliasing beyond what the guest itself requests.
package engine

import (
	"context"
	"crypto/sha256"
	"io"

	"github.com/bytecodealliance/wasmtime-go/v9"
)

// guestContext carries everything a host function needs to serve one
// execution: the request input/environment, the deterministic byte
// stream, the assigned timestamp, and the proxies for storage/HTTP
// host calls. One guestContext is scoped to exactly one Run call.
type guestContext struct {
	cfg    Config
	stdout io.Writer

	randSource io.Reader

	ctx context.Context
}

func newGuestContext(ctx context.Context, cfg Config, stdout io.Writer) *guestContext {
	return &guestContext{
		cfg:        cfg,
		stdout:     stdout,
		randSource: newDeterministicStream(cfg.Seed),
		ctx:        ctx,
	}
}

// newDeterministicStream derives the guest's seeded byte stream as
// sha256(input || request_id)-style expansion: repeated sha256 of the
// seed and a counter, never the OS RNG.
type deterministicStream struct {
	seed    [32]byte
	counter uint64
	buf     []byte
}

func newDeterministicStream(seed [32]byte) *deterministicStream {
	return &deterministicStream{seed: seed}
}

func (d *deterministicStream) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(d.buf) == 0 {
			h := sha256.New()
			h.Write(d.seed[:])
			var ctr [8]byte
			for i := 0; i < 8; i++ {
				ctr[i] = byte(d.counter >> (8 * i))
			}
			h.Write(ctr[:])
			d.buf = h.Sum(nil)
			d.counter++
		}
		take := copy(p[n:], d.buf)
		d.buf = d.buf[take:]
		n += take
	}
	return n, nil
}

func memoryBytes(caller *wasmtime.Caller) []byte {
	export := caller.GetExport("memory")
	if export == nil || export.Memory() == nil {
		return nil
	}
	return export.Memory().UnsafeData(caller)
}

func readGuestSlice(caller *wasmtime.Caller, ptr, length int32) []byte {
	if length <= 0 {
		return nil
	}
	mem := memoryBytes(caller)
	if mem == nil || int(ptr) < 0 || int(ptr)+int(length) > len(mem) {
		return nil
	}
	out := make([]byte, length)
	copy(out, mem[ptr:int(ptr)+int(length)])
	return out
}

// writeGuestSlice copies data into guest memory at ptr, truncating to
// cap bytes if the guest buffer is too small; it returns the number of
// bytes actually written, or -1 on an out-of-bounds pointer.
func writeGuestSlice(caller *wasmtime.Caller, ptr, capacity int32, data []byte) int32 {
	mem := memoryBytes(caller)
	if mem == nil || int(ptr) < 0 || int(ptr)+int(capacity) > len(mem) {
		return -1
	}
	n := len(data)
	if n > int(capacity) {
		n = int(capacity)
	}
	copy(mem[ptr:int(ptr)+n], data[:n])
	return int32(n)
}

// defineHostImports registers every host function the guest may call,
// under the "outlayer" module namespace. A nil HostSurface
// sub-interface denies its calls with a negative return code rather
// than a trap: host-call denial is observable to the guest as an
// error return, never a trap.
func defineHostImports(linker *wasmtime.Linker, store *wasmtime.Store, guest *guestContext) error {
	funcs := map[string]interface{}{
		"input_len":    func(caller *wasmtime.Caller) int32 { return int32(len(guest.cfg.Input)) },
		"input_copy":   func(caller *wasmtime.Caller, ptr, capacity int32) int32 { return writeGuestSlice(caller, ptr, capacity, guest.cfg.Input) },
		"env_get":      func(caller *wasmtime.Caller, namePtr, nameLen, outPtr, outCap int32) int32 { return hostEnvGet(caller, guest, namePtr, nameLen, outPtr, outCap) },
		"output_write": func(caller *wasmtime.Caller, ptr, length int32) int32 { return hostOutputWrite(caller, guest, ptr, length) },
		"rand_fill":    func(caller *wasmtime.Caller, ptr, length int32) int32 { return hostRandFill(caller, guest, ptr, length) },
		"time_now_ms":  func(caller *wasmtime.Caller) int64 { return guest.cfg.AssignedTimestamp.UnixMilli() },
		"storage_get":  func(caller *wasmtime.Caller, keyPtr, keyLen, outPtr, outCap int32) int32 { return hostStorageGet(caller, guest, keyPtr, keyLen, outPtr, outCap) },
		"storage_set":  func(caller *wasmtime.Caller, keyPtr, keyLen, valPtr, valLen int32) int32 { return hostStorageSet(caller, guest, keyPtr, keyLen, valPtr, valLen) },
		"http_call":    func(caller *wasmtime.Caller, reqPtr, reqLen, outPtr, outCap int32) int32 { return hostHTTPCall(caller, guest, reqPtr, reqLen, outPtr, outCap) },
	}
	for name, fn := range funcs {
		if err := linker.DefineFunc(store, "outlayer", name, fn); err != nil {
			return err
		}
	}
	return nil
}

// hostDenied is the sentinel negative return code signaling
// HostCallDenied to the guest without a trap.
const hostDenied int32 = -2
const hostNotFound int32 = -1

func hostEnvGet(caller *wasmtime.Caller, guest *guestContext, namePtr, nameLen, outPtr, outCap int32) int32 {
	name := readGuestSlice(caller, namePtr, nameLen)
	if name == nil {
		return hostNotFound
	}
	value, ok := guest.cfg.Env[string(name)]
	if !ok {
		return hostNotFound
	}
	return writeGuestSlice(caller, outPtr, outCap, []byte(value))
}

func hostOutputWrite(caller *wasmtime.Caller, guest *guestContext, ptr, length int32) int32 {
	data := readGuestSlice(caller, ptr, length)
	if data == nil && length > 0 {
		return -1
	}
	n, err := guest.stdout.Write(data)
	if err != nil {
		logger.Warn("guest output_write failed", "err", err)
		return -1
	}
	return int32(n)
}

func hostRandFill(caller *wasmtime.Caller, guest *guestContext, ptr, length int32) int32 {
	if length <= 0 {
		return 0
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(guest.randSource, buf); err != nil {
		return -1
	}
	return writeGuestSlice(caller, ptr, length, buf)
}

func hostStorageGet(caller *wasmtime.Caller, guest *guestContext, keyPtr, keyLen, outPtr, outCap int32) int32 {
	if guest.cfg.Host.Storage == nil {
		return hostDenied
	}
	key := readGuestSlice(caller, keyPtr, keyLen)
	value, found, err := guest.cfg.Host.Storage.Get(guest.ctx, string(key))
	if err != nil {
		logger.Warn("guest storage_get proxy failed", "err", err)
		return hostDenied
	}
	if !found {
		return hostNotFound
	}
	return writeGuestSlice(caller, outPtr, outCap, value)
}

func hostStorageSet(caller *wasmtime.Caller, guest *guestContext, keyPtr, keyLen, valPtr, valLen int32) int32 {
	if guest.cfg.Host.Storage == nil {
		return hostDenied
	}
	key := readGuestSlice(caller, keyPtr, keyLen)
	value := readGuestSlice(caller, valPtr, valLen)
	if err := guest.cfg.Host.Storage.Set(guest.ctx, string(key), value); err != nil {
		logger.Warn("guest storage_set proxy failed", "err", err)
		return hostDenied
	}
	return 0
}

func hostHTTPCall(caller *wasmtime.Caller, guest *guestContext, reqPtr, reqLen, outPtr, outCap int32) int32 {
	if guest.cfg.Host.HTTP == nil {
		return hostDenied
	}
	req := readGuestSlice(caller, reqPtr, reqLen)
	resp, status, err := guest.cfg.Host.HTTP.Call(guest.ctx, req)
	if err != nil {
		logger.Warn("guest http_call proxy failed", "err", err)
		return hostDenied
	}
	if status == 429 {
		return hostDenied
	}
	return writeGuestSlice(caller, outPtr, outCap, resp)
}
