// Package coordinator implements the job queue, claim protocol, WASM
// cache, attestation session relay, rate-limited proxy and HTTPS
// gateway. It composes the queue, lock, store, cache and kv
// subpackages into the service's operation surface.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/outlayer-network/outlayer/coordinator/cache"
	"github.com/outlayer-network/outlayer/coordinator/kv"
	"github.com/outlayer-network/outlayer/coordinator/lock"
	"github.com/outlayer-network/outlayer/coordinator/queue"
	"github.com/outlayer-network/outlayer/coordinator/store"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/internal/metrics"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleCoordinator)

// Service is the coordinator's full operation surface, independent of
// the HTTP transport layer in coordinator/server.
type Service struct {
	Queue *queue.Queue
	Lock  *lock.Locker
	Store *store.Store
	Cache *cache.Cache
	KV    *kv.Store
}

func New(q *queue.Queue, l *lock.Locker, s *store.Store, c *cache.Cache, k *kv.Store) *Service {
	return &Service{Queue: q, Lock: l, Store: s, Cache: c, KV: k}
}

// CreateTask implements create_task.
func (svc *Service) CreateTask(task queue.Task) (enqueued bool, err error) {
	enqueued, err = svc.Queue.CreateTask(context.Background(), task)
	if enqueued {
		metrics.TasksEnqueued.Inc()
	}
	return enqueued, err
}

// Poll implements poll.
func (svc *Service) Poll(timeout time.Duration) (*queue.Task, error) {
	return svc.Queue.Poll(timeout)
}

// ClaimJobsRequest carries the inputs to claim_jobs.
type ClaimJobsRequest struct {
	RequestID      string
	DataID         string
	WorkerID       string
	CodeSource     protocol.CodeSource
	ResourceLimits protocol.ResourceLimits
}

// ClaimJobs arbitrates between racing workers: cache
// probe by (source_kind, source_identity) decides compile-vs-execute;
// the insert itself is delegated to store.ClaimJobs inside one
// transaction guarded by the (request_id, data_id, kind) unique index.
func (svc *Service) ClaimJobs(req ClaimJobsRequest) ([]protocol.Job, error) {
	sourceKind, sourceIdentity := req.CodeSource.Identity()
	checksum, cacheHit := svc.Cache.LookupByIdentity(sourceKind, sourceIdentity)
	if cacheHit {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	jobs, err := svc.Store.ClaimJobs(req.RequestID, req.DataID, req.WorkerID, checksum, cacheHit)
	if err != nil {
		if err == store.ErrAlreadyClaimed {
			metrics.ClaimConflicts.Inc()
			return nil, protocol.New(protocol.CodeAlreadyClaimed, "request %s/%s already claimed", req.RequestID, req.DataID)
		}
		return nil, fmt.Errorf("coordinator: claim failed: %w", err)
	}
	for _, job := range jobs {
		metrics.JobsClaimed.WithLabelValues(string(job.Kind)).Inc()
	}
	return jobs, nil
}

// CompleteJobRequest carries the inputs to complete_job.
type CompleteJobRequest struct {
	JobID            string
	WorkerID         string
	Success          bool
	Metrics          protocol.ResourceMetrics
	Output           []byte
	ArtifactChecksum string
	ErrorCode        protocol.Code
	ErrorMessage     string
}

// CompleteJob implements complete_job.
func (svc *Service) CompleteJob(req CompleteJobRequest) error {
	err := svc.Store.CompleteJob(req.JobID, req.WorkerID, store.CompleteResult{
		JobID: req.JobID, Success: req.Success, Metrics: req.Metrics,
		Output: req.Output, ArtifactChecksum: req.ArtifactChecksum,
		ErrorCode: req.ErrorCode, ErrorMessage: req.ErrorMessage,
	})
	switch err {
	case nil:
		outcome := "failed"
		if req.Success {
			outcome = "completed"
		}
		metrics.JobsCompleted.WithLabelValues(outcome).Inc()
		return nil
	case store.ErrAlreadyClaimed:
		return protocol.New(protocol.CodeAlreadyClaimed, "job already claimed")
	case store.ErrCompletionConflict:
		return protocol.New(protocol.CodeCompletionConflict, "completion disagrees with prior result")
	case store.ErrWrongOwner:
		return protocol.New(protocol.CodeWrongOwner, "worker %s is not the claimant", req.WorkerID)
	default:
		return fmt.Errorf("coordinator: complete_job failed: %w", err)
	}
}

// UploadWasm implements upload_wasm.
func (svc *Service) UploadWasm(checksum string, data []byte, origin protocol.CacheOrigin, sourceKind, sourceIdentity string) error {
	return svc.Cache.Upload(checksum, data, origin, sourceKind, sourceIdentity)
}

// DownloadWasm implements download_wasm.
func (svc *Service) DownloadWasm(checksum string) ([]byte, error) {
	return svc.Cache.Download(checksum)
}

// GetJobByCallID looks up the execute job created for an HTTPS gateway
// call, keyed by the call id used as both request_id and data_id.
func (svc *Service) GetJobByCallID(callID string) (*protocol.Job, error) {
	return svc.Store.GetJobByRequest(callID, callID)
}

// AcquireLock implements acquire_lock.
func (svc *Service) AcquireLock(key, workerID string, ttl time.Duration) (bool, error) {
	return svc.Lock.Acquire(key, workerID, ttl)
}

// ReleaseLock implements release_lock.
func (svc *Service) ReleaseLock(key string) error {
	return svc.Lock.Release(key)
}
