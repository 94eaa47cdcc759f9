package protocol

// IdentityClass distinguishes anonymous callers from bearer-authenticated
// ones for rate-limit bucketing.
type IdentityClass string

const (
	IdentityAnonymous IdentityClass = "anonymous"
	IdentityKeyed     IdentityClass = "keyed"
)

// BucketSnapshot is the read-only view exposed by GET /throttle/metrics.
type BucketSnapshot struct {
	Route    string        `json:"route"`
	Identity IdentityClass `json:"identity_class"`
	RPS      float64       `json:"rps"`
	Burst    int           `json:"burst"`
	InFlight int64         `json:"in_flight"`
}
