// Package ratelimit implements per-(route, identity_class) token-bucket
// admission control: sustained rate, burst capacity
// and an in-flight counter, with a read-only snapshot surface for
// GET /throttle/metrics.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleRateLimit)

// Default bucket parameters.
const (
	DefaultAnonymousRPS   = 5
	DefaultAnonymousBurst = 10
	DefaultAnonymousConc  = 4
	DefaultKeyedRPS       = 20
	DefaultKeyedBurst     = 40
	DefaultKeyedConc      = 8
)

// BucketKey identifies one token bucket.
type BucketKey struct {
	Route    string
	Identity protocol.IdentityClass
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s|%s", k.Route, k.Identity)
}

type bucket struct {
	limiter  *rate.Limiter
	rps      float64
	burst    int
	conc     int64
	inFlight int64
}

// Limiter is the coordinator-wide rate limiter. One *rate.Limiter per
// bucket key: burst maps to the limiter burst, sustained rate to the
// limiter Limit, `golang.org/x/time/rate`'s native semantics.
type Limiter struct {
	mu      sync.Mutex
	buckets map[BucketKey]*bucket

	anonymousRPS, keyedRPS     float64
	anonymousBurst, keyedBurst int
	anonymousConc, keyedConc   int
}

// New builds a Limiter with the given defaults for each identity class.
func New(anonymousRPS float64, anonymousBurst, anonymousConc int, keyedRPS float64, keyedBurst, keyedConc int) *Limiter {
	return &Limiter{
		buckets:        make(map[BucketKey]*bucket),
		anonymousRPS:   anonymousRPS,
		anonymousBurst: anonymousBurst,
		anonymousConc:  anonymousConc,
		keyedRPS:       keyedRPS,
		keyedBurst:     keyedBurst,
		keyedConc:      keyedConc,
	}
}

func (l *Limiter) bucketFor(key BucketKey) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		rps, burst, conc := l.anonymousRPS, l.anonymousBurst, l.anonymousConc
		if key.Identity == protocol.IdentityKeyed {
			rps, burst, conc = l.keyedRPS, l.keyedBurst, l.keyedConc
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst), rps: rps, burst: burst, conc: int64(conc)}
		l.buckets[key] = b
	}
	return b
}

// Admit attempts to admit one request against the bucket for key. On
// success it returns a release func that MUST be called when the
// request finishes (decrements in-flight). On denial it returns a
// *protocol.Error classified as Throttled with Retry-After computed
// from the token deficit.
func (l *Limiter) Admit(key BucketKey) (release func(), err *protocol.Error) {
	b := l.bucketFor(key)

	// Concurrency gate first, so a request denied on in-flight count
	// never consumes a token.
	if n := atomic.AddInt64(&b.inFlight, 1); b.conc > 0 && n > b.conc {
		atomic.AddInt64(&b.inFlight, -1)
		logger.Warn("concurrency limit denied", "route", key.Route, "identity", key.Identity, "in_flight", n-1)
		return nil, protocol.Throttled(1)
	}

	now := time.Now()
	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		atomic.AddInt64(&b.inFlight, -1)
		return nil, protocol.Throttled(1)
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.Cancel()
		atomic.AddInt64(&b.inFlight, -1)
		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		logger.Warn("rate limit denied", "route", key.Route, "identity", key.Identity, "retry_after", retryAfter)
		return nil, protocol.Throttled(retryAfter)
	}
	return func() { atomic.AddInt64(&b.inFlight, -1) }, nil
}

// Snapshot returns the current (rps, burst, in_flight) for every bucket
// touched so far, sorted by route then identity class, for the
// read-only GET /throttle/metrics endpoint.
func (l *Limiter) Snapshot() []protocol.BucketSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.BucketSnapshot, 0, len(l.buckets))
	for k, b := range l.buckets {
		out = append(out, protocol.BucketSnapshot{
			Route:    k.Route,
			Identity: k.Identity,
			RPS:      b.rps,
			Burst:    b.burst,
			InFlight: atomic.LoadInt64(&b.inFlight),
		})
	}
	sortSnapshots(out)
	return out
}

func sortSnapshots(s []protocol.BucketSnapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0; j-- {
			a, b := s[j-1], s[j]
			if a.Route > b.Route || (a.Route == b.Route && a.Identity > b.Identity) {
				s[j-1], s[j] = s[j], s[j-1]
			} else {
				break
			}
		}
	}
}
