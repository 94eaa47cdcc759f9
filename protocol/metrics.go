package protocol

// ResourceMetrics reflects actual resource use of one execution; never
// zero-filled.
type ResourceMetrics struct {
	Instructions  uint64 `json:"instructions"`
	TimeMs        uint64 `json:"time_ms"`
	CompileTimeMs uint64 `json:"compile_time_ms,omitempty"`
}
