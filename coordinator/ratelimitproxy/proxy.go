// Package ratelimitproxy forwards POST /near-rpc and
// POST /external/{service} to upstream providers behind the rate
// limiter, translating upstream 429s and rejecting non-allow-listed
// services before any upstream call.
package ratelimitproxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
	"github.com/outlayer-network/outlayer/ratelimit"
)

var logger = log.NewModuleLogger(log.ModuleProxy)

// Proxy forwards admitted requests to upstream URLs.
type Proxy struct {
	limiter       *ratelimit.Limiter
	nearRPCURL    string
	allowedExternal map[string]string // service tag -> upstream base URL
	httpClient    *http.Client
}

func New(limiter *ratelimit.Limiter, nearRPCURL string, allowedExternal map[string]string) *Proxy {
	return &Proxy{
		limiter:         limiter,
		nearRPCURL:      nearRPCURL,
		allowedExternal: allowedExternal,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
	}
}

// NearRPC implements POST /near-rpc: a JSON-RPC passthrough.
func (p *Proxy) NearRPC(w http.ResponseWriter, r *http.Request) {
	p.forward(w, r, "near-rpc", p.nearRPCURL)
}

// External implements POST /external/{service}: service must be in
// the configured allow-list, checked before any upstream call.
func (p *Proxy) External(w http.ResponseWriter, r *http.Request, service string) {
	upstream, ok := p.allowedExternal[service]
	if !ok {
		writeClassified(w, protocol.New(protocol.CodeInvalidSource, "service %q is not allow-listed", service))
		return
	}
	p.forward(w, r, "external/"+service, upstream)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, route, upstreamURL string) {
	key := ratelimit.BucketKey{Route: route, Identity: ratelimit.IdentityOf(r)}
	release, rlErr := p.limiter.Admit(key)
	if rlErr != nil {
		w.Header().Set("Retry-After", strconv.Itoa(rlErr.RetryAfterSeconds))
		writeClassified(w, rlErr)
		return
	}
	defer release()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeClassified(w, protocol.New(protocol.CodeMalformedInput, "failed to read request body"))
		return
	}

	req, err := http.NewRequest(http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		writeClassified(w, protocol.New(protocol.CodeUpstreamUnavailable, "failed to build upstream request"))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Error("upstream request failed", "route", route, "err", err)
		writeClassified(w, protocol.New(protocol.CodeUpstreamUnavailable, "upstream unreachable"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		} else {
			w.Header().Set("Retry-After", "1")
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeClassified(w, protocol.New(protocol.CodeUpstreamUnavailable, "failed to read upstream response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func writeClassified(w http.ResponseWriter, err *protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code.HTTPStatus())
	_, _ = fmt.Fprintf(w, `{"code":"%s","message":%q}`, err.Code, err.Message)
}
