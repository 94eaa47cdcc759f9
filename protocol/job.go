// Package protocol defines the wire and storage types shared by the
// coordinator, worker and keystore: jobs, cache entries, secrets,
// access conditions, attestation sessions, resource metrics, rate-limit
// buckets and request metadata.
package protocol

import "time"

// JobKind distinguishes a compile job from an execute job.
type JobKind string

const (
	JobCompile JobKind = "compile"
	JobExecute JobKind = "execute"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobClaimed   JobState = "claimed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is one claimable unit of work. The tuple (RequestID, DataID, Kind)
// is unique: this is the sole cross-worker mutual-exclusion primitive
// at claim time.
type Job struct {
	JobID       string   `json:"job_id" gorm:"primary_key"`
	RequestID   string   `json:"request_id" gorm:"index:idx_job_tuple"`
	DataID      string   `json:"data_id" gorm:"index:idx_job_tuple"`
	Kind        JobKind  `json:"kind" gorm:"index:idx_job_tuple"`
	State       JobState `json:"state"`
	WorkerID    string   `json:"worker_id,omitempty"`
	WasmChecksum string  `json:"wasm_checksum,omitempty"`

	Created   time.Time  `json:"created"`
	Claimed   *time.Time `json:"claimed,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`

	// ResultHash makes complete_job idempotent: a retry with the same
	// hash succeeds silently, a retry with a different hash is a
	// CompletionConflict.
	ResultHash string `json:"result_hash,omitempty"`

	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TableName pins the gorm table name regardless of struct renames.
func (Job) TableName() string { return "jobs" }

// ClaimTuple is the (request_id, data_id, kind) uniqueness key.
type ClaimTuple struct {
	RequestID string
	DataID    string
	Kind      JobKind
}

// CodeSource is the tagged-union source descriptor for a compile job,
// expressed as an explicit sum type (never a loosely typed
// JSON blob parsed ad hoc at each use site). Kind "project" covers the
// HTTPS gateway's project-reference descriptor.
type CodeSource struct {
	// Kind selects which of the following fields is populated: "repo",
	// "url" or "project".
	Kind         string `json:"kind"`
	Repo         string `json:"repo,omitempty"`
	Commit       string `json:"commit,omitempty"`
	URL          string `json:"url,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ProjectOwner string `json:"project_owner,omitempty"`
	ProjectName  string `json:"project_name,omitempty"`
	BuildTarget  string `json:"build_target"`
}

const (
	SourceKindRepo    = "repo"
	SourceKindURL     = "url"
	SourceKindProject = "project"
)

// Identity returns the (source_kind, source_identity) pair the
// coordinator indexes checksum lookups by.
func (s CodeSource) Identity() (kind, identity string) {
	switch s.Kind {
	case SourceKindRepo:
		return SourceKindRepo, s.Repo + "@" + s.Commit + ":" + s.BuildTarget
	case SourceKindURL:
		return SourceKindURL, s.URL + ":" + s.BuildTarget
	case SourceKindProject:
		return SourceKindProject, s.ProjectOwner + "/" + s.ProjectName + ":" + s.BuildTarget
	default:
		return s.Kind, ""
	}
}

// ResourceLimits caps a single execute or compile job.
type ResourceLimits struct {
	MaxInstructions    uint64 `json:"max_instructions"`
	MaxMemoryMB        uint64 `json:"max_memory_mb"`
	MaxExecutionSeconds uint64 `json:"max_execution_seconds"`
}

// ResponseFormat selects how captured guest stdout is interpreted.
type ResponseFormat string

const (
	ResponseBytes ResponseFormat = "bytes"
	ResponseText  ResponseFormat = "text"
	ResponseJSON  ResponseFormat = "json"
)

// SecretsRef identifies which secret a guest execution should be
// handed, resolved by the coordinator against the keystore.
type SecretsRef struct {
	Accessor string `json:"accessor"`
	Profile  string `json:"profile"`
	Owner    string `json:"owner"`
}
