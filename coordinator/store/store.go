// Package store is the gorm-backed relational store for jobs, wasm
// cache metadata, attestation sessions, auth tokens, earnings history
// and admin-only hidden logs: one façade type, operations keyed by
// record type.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/mysql"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleStore)

// AuthToken authorizes a worker-facing API caller.
type AuthToken struct {
	Hash       string `gorm:"primary_key"`
	WorkerName string
	Active     bool
}

func (AuthToken) TableName() string { return "auth_tokens" }

// EarningsHistory records HTTPS-path accounting per completed call.
type EarningsHistory struct {
	ID           uint64 `gorm:"primary_key;auto_increment"`
	CallID       string `gorm:"index"`
	ProjectOwner string
	ProjectName  string
	AmountYocto  int64
	Created      time.Time
}

func (EarningsHistory) TableName() string { return "earnings_history" }

// ProjectOwnerEarnings is the running per-owner earnings aggregate.
type ProjectOwnerEarnings struct {
	ProjectOwner string `gorm:"primary_key"`
	TotalYocto   int64
	Updated      time.Time
}

func (ProjectOwnerEarnings) TableName() string { return "project_owner_earnings" }

// SystemHiddenLog is the admin-only, loopback-access-only table
// holding raw compiler stderr/stdout: never returned
// externally, retained only when a deployment flag enables it.
type SystemHiddenLog struct {
	ID        uint64 `gorm:"primary_key;auto_increment"`
	RequestID string `gorm:"index"`
	JobID     string `gorm:"index"`
	Kind      protocol.JobKind
	Stderr    string `gorm:"type:longtext"`
	Stdout    string `gorm:"type:longtext"`
	ExitCode  int
	Created   time.Time
}

func (SystemHiddenLog) TableName() string { return "system_hidden_logs" }

type Store struct {
	db *gorm.DB
}

// Open opens the relational store at dsn (MySQL DSN) and migrates all
// tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&protocol.Job{},
		&protocol.CacheEntry{},
		&protocol.AttestationSession{},
		&protocol.Secret{},
		&AuthToken{},
		&EarningsHistory{},
		&ProjectOwnerEarnings{},
		&SystemHiddenLog{},
	).AddUniqueIndex("idx_job_claim_tuple", "request_id", "data_id", "kind").Error
}

func (s *Store) Close() error { return s.db.Close() }

// ErrAlreadyClaimed is returned when the (request_id, data_id, kind)
// uniqueness constraint rejects a concurrent duplicate insert.
var ErrAlreadyClaimed = errors.New("store: already claimed")

// ErrCompletionConflict is returned by CompleteJob when a second
// completion disagrees with the first.
var ErrCompletionConflict = errors.New("store: completion conflict")

// ErrWrongOwner is returned when the completing worker does not match
// the claimant.
var ErrWrongOwner = errors.New("store: wrong owner")

// ClaimJobs is the claim protocol's core correctness rule: in one
// transaction, insert the execute row (and the compile row if
// cacheHit is false); a uniqueness violation means the work is already
// claimed and the whole transaction rolls back with no rows written,
// no jobs returned.
func (s *Store) ClaimJobs(requestID, dataID, workerID string, expectedChecksum string, cacheHit bool) ([]protocol.Job, error) {
	var jobs []protocol.Job
	now := time.Now()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if !cacheHit {
			compileID, err := uuid.GenerateUUID()
			if err != nil {
				return fmt.Errorf("store: job id generation failed: %w", err)
			}
			compileJob := protocol.Job{
				JobID:     compileID,
				RequestID: requestID,
				DataID:    dataID,
				Kind:      protocol.JobCompile,
				State:     protocol.JobClaimed,
				WorkerID:  workerID,
				Created:   now,
				Claimed:   &now,
			}
			if err := tx.Create(&compileJob).Error; err != nil {
				return translateUniqueViolation(err)
			}
			jobs = append(jobs, compileJob)
		}

		executeID, err := uuid.GenerateUUID()
		if err != nil {
			return fmt.Errorf("store: job id generation failed: %w", err)
		}
		executeJob := protocol.Job{
			JobID:        executeID,
			RequestID:    requestID,
			DataID:       dataID,
			Kind:         protocol.JobExecute,
			State:        protocol.JobClaimed,
			WorkerID:     workerID,
			WasmChecksum: expectedChecksum,
			Created:      now,
			Claimed:      &now,
		}
		if err := tx.Create(&executeJob).Error; err != nil {
			return translateUniqueViolation(err)
		}
		jobs = append(jobs, executeJob)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func translateUniqueViolation(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique") || strings.Contains(msg, "constraint") {
		return ErrAlreadyClaimed
	}
	return fmt.Errorf("store: claim insert failed: %w", err)
}

// CompleteResult carries the outcome of complete_job.
type CompleteResult struct {
	JobID           string
	Success         bool
	Metrics         protocol.ResourceMetrics
	Output          []byte
	ArtifactChecksum string
	ErrorCode       protocol.Code
	ErrorMessage    string
}

// resultHash is complete_job's retry idempotency key: a second
// completion with the same hash is accepted, a different one conflicts.
func resultHash(r CompleteResult) string {
	return fmt.Sprintf("%v|%x|%s|%d|%d", r.Success, r.Output, r.ArtifactChecksum, r.Metrics.Instructions, r.Metrics.TimeMs)
}

// CompleteJob transitions a claimed job to terminal state. Idempotent
// when retried with the same result; ErrCompletionConflict when the
// new result disagrees with the stored one; ErrWrongOwner when
// workerID does not match the claimant.
func (s *Store) CompleteJob(jobID, workerID string, result CompleteResult) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var job protocol.Job
		if err := tx.Set("gorm:query_option", "FOR UPDATE").Where("job_id = ?", jobID).First(&job).Error; err != nil {
			return fmt.Errorf("store: job %s not found: %w", jobID, err)
		}
		if job.State == protocol.JobClaimed && job.WorkerID != workerID {
			return ErrWrongOwner
		}

		hash := resultHash(result)
		if job.State != protocol.JobClaimed {
			if job.ResultHash == hash {
				return nil // idempotent retry
			}
			return ErrCompletionConflict
		}

		updates := map[string]interface{}{
			"state":       stateFor(result.Success),
			"success":     result.Success,
			"result_hash": hash,
			"completed":   time.Now(),
			"error":       result.ErrorMessage,
		}
		if result.ArtifactChecksum != "" {
			updates["wasm_checksum"] = result.ArtifactChecksum
		}
		return tx.Model(&job).Updates(updates).Error
	})
}

func stateFor(success bool) protocol.JobState {
	if success {
		return protocol.JobCompleted
	}
	return protocol.JobFailed
}

// GetJob returns the job by id.
func (s *Store) GetJob(jobID string) (*protocol.Job, error) {
	var job protocol.Job
	if err := s.db.Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobByRequest returns the execute job for a (request_id, data_id)
// pair, used by the HTTPS gateway's GET /calls/{call_id} poll path
// where call_id is the request/data id the gateway generated
// at POST /call time.
func (s *Store) GetJobByRequest(requestID, dataID string) (*protocol.Job, error) {
	var job protocol.Job
	if err := s.db.Where("request_id = ? AND data_id = ? AND kind = ?", requestID, dataID, protocol.JobExecute).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// SweepStale marks jobs claimed longer than deadline ago as
// Failed(Timeout). The sweeper must trigger strictly earlier than the
// contract's 10-minute cancellation window. Returns the number of
// jobs reclaimed.
func (s *Store) SweepStale(deadline time.Duration) (int, error) {
	cutoff := time.Now().Add(-deadline)
	res := s.db.Model(&protocol.Job{}).
		Where("state = ? AND claimed < ?", protocol.JobClaimed, cutoff).
		Updates(map[string]interface{}{
			"state": protocol.JobFailed,
			"error": string(protocol.CodeTimeout),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	n := int(res.RowsAffected)
	if n > 0 {
		logger.Warn("swept stale claimed jobs", "count", n, "deadline", deadline)
	}
	return n, nil
}

// UpsertSecret stores or replaces a secret record (owner-gated delete
// is enforced by DeleteSecret, not here).
func (s *Store) UpsertSecret(secret protocol.Secret) error {
	return s.db.Save(&secret).Error
}

// GetSecret looks up a secret by its composite key.
func (s *Store) GetSecret(key protocol.SecretKey) (*protocol.Secret, error) {
	var secret protocol.Secret
	err := s.db.Where("accessor = ? AND profile = ? AND owner = ?", key.Accessor, key.Profile, key.Owner).First(&secret).Error
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

// DeleteSecret deletes a secret only when caller == owner, returning the refunded storage deposit.
func (s *Store) DeleteSecret(key protocol.SecretKey, caller string) (refund int64, err error) {
	secret, err := s.GetSecret(key)
	if err != nil {
		return 0, err
	}
	if secret.Owner != caller {
		return 0, protocol.New(protocol.CodeWrongOwner, "only the owner may delete this secret")
	}
	if err := s.db.Where("accessor = ? AND profile = ? AND owner = ?", key.Accessor, key.Profile, key.Owner).Delete(&protocol.Secret{}).Error; err != nil {
		return 0, err
	}
	return secret.StorageDeposit, nil
}

// RecordHiddenLog appends to the admin-only hidden log table, only called when the deployment flag enables retention.
func (s *Store) RecordHiddenLog(entry SystemHiddenLog) error {
	entry.Created = time.Now()
	return s.db.Create(&entry).Error
}

// RecordEarnings appends to the earnings history and bumps the
// per-owner running total, the HTTPS-path accounting tables.
func (s *Store) RecordEarnings(callID, owner, name string, amountYocto int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&EarningsHistory{
			CallID: callID, ProjectOwner: owner, ProjectName: name,
			AmountYocto: amountYocto, Created: time.Now(),
		}).Error; err != nil {
			return err
		}
		var agg ProjectOwnerEarnings
		err := tx.Where("project_owner = ?", owner).First(&agg).Error
		if gorm.IsRecordNotFoundError(err) {
			return tx.Create(&ProjectOwnerEarnings{ProjectOwner: owner, TotalYocto: amountYocto, Updated: time.Now()}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&agg).Updates(map[string]interface{}{
			"total_yocto": agg.TotalYocto + amountYocto,
			"updated":     time.Now(),
		}).Error
	})
}

// IssueAuthToken registers a new worker auth token hash.
func (s *Store) IssueAuthToken(hash, workerName string) error {
	return s.db.Create(&AuthToken{Hash: hash, WorkerName: workerName, Active: true}).Error
}

// ValidAuthToken reports whether hash corresponds to an active token.
func (s *Store) ValidAuthToken(hash string) (bool, error) {
	var tok AuthToken
	err := s.db.Where("hash = ? AND active = ?", hash, true).First(&tok).Error
	if gorm.IsRecordNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertAttestationSession stores a session record. The keystore keeps
// its own independent session table; workers attest to each process
// separately.
func (s *Store) UpsertAttestationSession(session protocol.AttestationSession) error {
	return s.db.Save(&session).Error
}
