// Package server exposes the coordinator's wire surface over HTTP:
// worker-authenticated job/cache/lock/storage routes, the public
// rate-limited proxy, and the HTTPS gateway.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/outlayer-network/outlayer/attestation"
	"github.com/outlayer-network/outlayer/coordinator"
	"github.com/outlayer-network/outlayer/coordinator/ratelimitproxy"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/internal/metrics"
	"github.com/outlayer-network/outlayer/keystore"
	"github.com/outlayer-network/outlayer/protocol"
	"github.com/outlayer-network/outlayer/ratelimit"
)

var logger = log.NewModuleLogger(log.ModuleServer)

// Server wires the coordinator Service to HTTP handlers.
type Server struct {
	svc           *coordinator.Service
	keystoreProxy *coordinator.KeystoreClient
	proxy         *ratelimitproxy.Proxy
	limiter       *ratelimit.Limiter
	sessions      *keystore.SessionStore
	vrfPublicHex  string
}

// New builds the coordinator HTTP server. registry resolves whether a
// worker public key is an on-chain registered access key, used to
// validate worker-side attestation sessions.
func New(
	svc *coordinator.Service,
	keystoreProxy *coordinator.KeystoreClient,
	proxy *ratelimitproxy.Proxy,
	limiter *ratelimit.Limiter,
	registry keystore.RegistrationView,
	approved *attestation.ApprovedSet,
	sessionTTL time.Duration,
	vrfPublicHex string,
) *Server {
	return &Server{
		svc:           svc,
		keystoreProxy: keystoreProxy,
		proxy:         proxy,
		limiter:       limiter,
		sessions:      keystore.NewSessionStore(registry, approved, sessionTTL),
		vrfPublicHex:  vrfPublicHex,
	}
}

// Handler returns the full HTTP handler, CORS-wrapped.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	// Worker-authenticated.
	r.POST("/tasks/create", s.requireWorkerAuth(s.handleCreateTask))
	r.GET("/tasks/poll", s.requireWorkerAuth(s.handlePoll))
	r.POST("/jobs/claim", s.requireWorkerAuth(s.handleClaim))
	r.POST("/jobs/complete", s.requireWorkerAuth(s.handleComplete))
	r.GET("/jobs/:job_id", s.requireWorkerAuth(s.handleGetJob))
	r.GET("/wasm/:checksum", s.requireWorkerAuth(s.handleWasmDownload))
	r.POST("/wasm/upload", s.requireWorkerAuth(s.handleWasmUpload))
	r.GET("/wasm/exists/:checksum", s.requireWorkerAuth(s.handleWasmExists))
	r.POST("/locks/acquire", s.requireWorkerAuth(s.handleLockAcquire))
	r.DELETE("/locks/release/:key", s.requireWorkerAuth(s.handleLockRelease))
	r.POST("/storage/:op", s.requireWorkerAuth(s.handleStorage))
	r.POST("/workers/tee-challenge", s.handleWorkerChallenge)
	r.POST("/workers/register-tee", s.handleWorkerRegister)
	r.POST("/keystore/tee-challenge", s.proxyKeystoreChallenge)
	r.POST("/keystore/register-tee", s.proxyKeystoreRegister)
	r.POST("/keystore/decrypt", s.requireWorkerAuth(s.proxyKeystoreDecrypt))

	// Secrets: create/delete require a non-empty X-Payment-Key header,
	// internal keystore lookup is ungated.
	// Accessor values may themselves contain slashes (a repository path),
	// so the composite key travels in the query string, never the path.
	r.POST("/secrets", s.requirePaymentKey(s.handleSecretCreate))
	r.POST("/secrets/delete", s.requirePaymentKey(s.handleSecretDelete))
	r.GET("/secrets/lookup", s.handleSecretLookup)

	// Public, rate-limited.
	r.POST("/near-rpc", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.proxy.NearRPC(w, r)
	})
	r.POST("/external/:service", s.handleExternal)
	r.GET("/throttle/metrics", s.handleThrottleMetrics)
	r.GET("/vrf/pubkey", s.handleVRFPubkey)

	// HTTPS gateway.
	r.POST("/call/:owner/:name", s.requirePaymentKey(s.handleCall))
	r.GET("/calls/:call_id", s.requirePaymentKey(s.handleCallStatus))

	// Operational.
	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleHealthz)
	metricsHandler := metrics.Handler()
	r.GET("/metrics", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		metricsHandler.ServeHTTP(w, req)
	})
	r.POST("/admin/cache/evict", s.requireLoopback(s.handleAdminCacheEvict))

	c := cors.New(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST", "DELETE"}})
	return c.Handler(r)
}

// requireWorkerAuth accepts the worker's hex ed25519 public key as its
// own bearer token: valid only while that key holds a live session
// established via /workers/tee-challenge + /workers/register-tee.
func (s *Server) requireWorkerAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("Authorization")
		if len(token) < 8 || !s.sessions.Valid(token) {
			writeErr(w, protocol.New(protocol.CodeWorkerNotRegistered, "missing or invalid worker auth token"))
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) requirePaymentKey(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if r.Header.Get("X-Payment-Key") == "" {
			writeErr(w, protocol.New(protocol.CodePaymentKeyInvalid, "missing payment key"))
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) requireLoopback(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !isLoopback(r.RemoteAddr) {
			writeErr(w, protocol.New(protocol.CodeWrongOwner, "admin endpoint is loopback-only"))
			return
		}
		next(w, r, ps)
	}
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := lastColon(remoteAddr); idx >= 0 {
		host = remoteAddr[:idx]
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleAdminCacheEvict(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.svc.Cache.EvictNow(); err != nil {
		writeErr(w, protocol.New(protocol.CodeUpstreamUnavailable, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleThrottleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.limiter.Snapshot())
}

func (s *Server) handleVRFPubkey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": s.vrfPublicHex})
}

func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.proxy.External(w, r, ps.ByName("service"))
}

func strconvAtoiOr(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
