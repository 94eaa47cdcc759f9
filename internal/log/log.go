// Package log provides the module-scoped structured logger used across
// the coordinator, worker and keystore processes.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module names.
const (
	ModuleCoordinator  = "coordinator"
	ModuleQueue        = "coordinator/queue"
	ModuleStore        = "coordinator/store"
	ModuleCache        = "coordinator/cache"
	ModuleKV           = "coordinator/kv"
	ModuleLock         = "coordinator/lock"
	ModuleSweeper      = "coordinator/sweeper"
	ModuleRateLimit    = "ratelimit"
	ModuleProxy        = "coordinator/proxy"
	ModuleServer       = "coordinator/server"
	ModuleWorker       = "worker"
	ModuleWorkerLoop   = "worker/loop"
	ModuleCompile      = "worker/compile"
	ModuleEngine       = "worker/engine"
	ModuleSubmit       = "worker/submit"
	ModuleKeystore     = "keystore"
	ModuleKeystoreKeys = "keystore/keys"
	ModuleAccess       = "keystore/access"
	ModuleSession      = "keystore/session"
	ModuleAttestation  = "attestation"
)

var base *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap construction only fails on bad config; this config is static.
		panic(err)
	}
	base = l
}

// Logger is a contextual, key-value structured logger for one module.
type Logger struct {
	name string
	ctx  []interface{}
}

// NewModuleLogger returns a Logger scoped to the given module name.
func NewModuleLogger(module string) Logger {
	return Logger{name: module}
}

// NewWith returns a child logger with additional key-value context
// appended to every subsequent call, e.g. logger.NewWith("dbDir", dir).
func (l Logger) NewWith(ctx ...interface{}) Logger {
	next := make([]interface{}, 0, len(l.ctx)+len(ctx))
	next = append(next, l.ctx...)
	next = append(next, ctx...)
	return Logger{name: l.name, ctx: next}
}

func (l Logger) fields(ctx []interface{}) []zap.Field {
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	fields := make([]zap.Field, 0, len(all)/2+1)
	fields = append(fields, zap.String("module", l.name))
	for i := 0; i+1 < len(all); i += 2 {
		key, ok := all[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, all[i+1]))
	}
	return fields
}

func (l Logger) Trace(msg string, ctx ...interface{}) { base.Debug(msg, l.fields(ctx)...) }
func (l Logger) Debug(msg string, ctx ...interface{}) { base.Debug(msg, l.fields(ctx)...) }
func (l Logger) Info(msg string, ctx ...interface{})  { base.Info(msg, l.fields(ctx)...) }
func (l Logger) Warn(msg string, ctx ...interface{})  { base.Warn(msg, l.fields(ctx)...) }
func (l Logger) Error(msg string, ctx ...interface{}) { base.Error(msg, l.fields(ctx)...) }

// Crit logs at error level and terminates the process, for invariant
// violations that must never be silently tolerated (e.g. master-key
// load failure, db corruption).
func (l Logger) Crit(msg string, ctx ...interface{}) {
	base.Error(msg, l.fields(ctx)...)
	_ = base.Sync()
	os.Exit(1)
}
