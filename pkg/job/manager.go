package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/resources"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// DefaultPool names the scheduling pool used for the running-jobs set
const DefaultPool = "maas"

// Result reason strings surfaced through the wire protocol
const (
	ReasonSuccess      = "SUCCESS"
	ReasonNotFound     = "NOT_FOUND"
	ReasonInvalidState = "INVALID_STATE"
	ReasonStoreFailure = "STORE_FAILURE"
)

// Manager persists jobs and drives the job state machine
type Manager struct {
	kv        *kvstore.Client
	resources *resources.Manager
	pool      string
	keyRoot   string
	logger    zerolog.Logger
}

// Config holds job manager construction parameters
type Config struct {
	Pool    string // scheduling pool name, DefaultPool if empty
	KeyRoot string // directory for per-job RSA key pairs
}

// NewManager creates a job manager over the KV gateway and resource pool
func NewManager(kv *kvstore.Client, res *resources.Manager, cfg Config) *Manager {
	if cfg.Pool == "" {
		cfg.Pool = DefaultPool
	}
	if cfg.KeyRoot == "" {
		cfg.KeyRoot = "/tmp/cloudburst/keys"
	}
	return &Manager{
		kv:        kv,
		resources: res,
		pool:      cfg.Pool,
		keyRoot:   cfg.KeyRoot,
		logger:    log.WithComponent("job"),
	}
}

// Resources exposes the resource manager the jobs allocate against
func (m *Manager) Resources() *resources.Manager {
	return m.resources
}

func (m *Manager) jobsSetKey() string {
	return m.kv.Key("jobs")
}

// Create persists a new job in phase CREATED
func (m *Manager) Create(ctx context.Context, req types.SchedulerRequest) (*types.Job, error) {
	now := time.Now().UTC()
	j := &types.Job{
		ID:      uuid.New().String(),
		Request: req,
		Status: types.JobStatus{
			Phase: types.PhaseCreated,
			Step:  types.StepDefault,
		},
		Created:     now,
		LastUpdated: now,
	}

	if err := m.kv.HSet(ctx, m.kv.JobKey(j.ID), jobToMap(j)); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	if err := m.kv.SAdd(ctx, m.jobsSetKey(), j.ID); err != nil {
		return nil, err
	}
	if err := m.kv.SAdd(ctx, m.kv.RunningSetKey(m.pool), j.ID); err != nil {
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(types.PhaseCreated)).Inc()
	m.logger.Info().Str("job_id", j.ID).Str("model", req.Model).
		Int("cpus", req.CPUs).Msg("Job created")
	return j, nil
}

// Retrieve loads a job by id, nil if absent
func (m *Manager) Retrieve(ctx context.Context, jobID string) (*types.Job, error) {
	fields, err := m.kv.HGetAll(ctx, m.kv.JobKey(jobID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromMap(fields)
}

// Exists reports whether a job record is present
func (m *Manager) Exists(ctx context.Context, jobID string) (bool, error) {
	return m.kv.Exists(ctx, m.kv.JobKey(jobID))
}

// Save persists a job under compare-and-swap semantics. If another
// writer updated the record after the caller's last Retrieve, the
// caller's status intent is re-applied against the fresh record only
// when the transition is still valid; otherwise the fresher status
// wins. Entry into COMPLETED or FAILED releases the job's allocations
// and deletes its key pair. A status change is published to the job's
// communication channel.
func (m *Manager) Save(ctx context.Context, j *types.Job) error {
	key := m.kv.JobKey(j.ID)
	var previous types.JobStatus
	var changed bool

	err := m.kv.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			persisted, err := jobFromMap(fields)
			if err != nil {
				return err
			}
			previous = persisted.Status
			if persisted.LastUpdated.After(j.LastUpdated) && persisted.Status != j.Status {
				if !ValidTransition(persisted.Status, j.Status) {
					// The caller lost the race and its intent is no
					// longer applicable; keep the fresher status.
					j.Status = persisted.Status
					j.Allocations = persisted.Allocations
					j.KeyDir = persisted.KeyDir
				}
			}
		} else {
			previous = j.Status
		}

		changed = previous != j.Status
		if changed && !ValidTransition(previous, j.Status) {
			return fmt.Errorf("invalid job transition %s -> %s", previous, j.Status)
		}

		j.LastUpdated = time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			if j.Status.Phase.Active() {
				pipe.SAdd(ctx, m.kv.RunningSetKey(m.pool), j.ID)
			} else {
				pipe.SRem(ctx, m.kv.RunningSetKey(m.pool), j.ID)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}

	if changed {
		metrics.JobTransitionsTotal.WithLabelValues(string(j.Status.Phase)).Inc()
		if err := m.kv.Publish(ctx, m.kv.CommunicationChannel(j.ID), j.Status.String()); err != nil {
			m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to publish status change")
		}
		m.logger.Info().Str("job_id", j.ID).Str("from", previous.String()).
			Str("to", j.Status.String()).Msg("Job transition")

		if j.Status.Phase == types.PhaseCompleted || j.Status.Phase == types.PhaseFailed {
			if err := m.releaseOwned(ctx, j); err != nil {
				m.logger.Error().Err(err).Str("job_id", j.ID).
					Msg("Failed to release resources on terminal transition")
			}
		}
	}
	return nil
}

// releaseOwned returns a job's allocations and deletes its key pair,
// then persists the emptied record without re-entering Save's
// transition checks.
func (m *Manager) releaseOwned(ctx context.Context, j *types.Job) error {
	if len(j.Allocations) > 0 {
		if err := m.resources.Release(ctx, j.Allocations); err != nil {
			return err
		}
		j.Allocations = nil
	}
	if j.KeyDir != "" {
		if err := m.RemoveKeyPair(j.ID); err != nil {
			m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to delete key pair")
		}
		j.KeyDir = ""
	}
	j.LastUpdated = time.Now().UTC()
	return m.kv.HSet(ctx, m.kv.JobKey(j.ID), jobToMap(j))
}

// Delete removes a job record, reporting whether it existed
func (m *Manager) Delete(ctx context.Context, jobID string) (bool, error) {
	existed, err := m.kv.Exists(ctx, m.kv.JobKey(jobID))
	if err != nil {
		return false, err
	}
	err = m.kv.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.kv.JobKey(jobID))
		pipe.SRem(ctx, m.jobsSetKey(), jobID)
		pipe.SRem(ctx, m.kv.RunningSetKey(m.pool), jobID)
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// IDs lists job ids, optionally restricted to the active set
func (m *Manager) IDs(ctx context.Context, onlyActive bool) ([]string, error) {
	if onlyActive {
		return m.kv.SMembers(ctx, m.kv.RunningSetKey(m.pool))
	}
	return m.kv.SMembers(ctx, m.jobsSetKey())
}

// RequestStop marks an active job for stopping. The scheduler observes
// the step and tears the job's services down.
func (m *Manager) RequestStop(ctx context.Context, jobID string) types.JobResult {
	j, err := m.Retrieve(ctx, jobID)
	if err != nil {
		return types.JobResult{Reason: ReasonStoreFailure, Message: err.Error()}
	}
	if j == nil {
		return types.JobResult{Reason: ReasonNotFound, Message: fmt.Sprintf("no job with id %s", jobID)}
	}
	if !j.Status.Phase.Active() || j.Status.Step != types.StepDefault {
		return types.JobResult{
			Reason:  ReasonInvalidState,
			Message: fmt.Sprintf("job %s cannot be stopped from %s", jobID, j.Status),
		}
	}

	j.Status.Step = types.StepStopRequested
	if err := m.Save(ctx, j); err != nil {
		return types.JobResult{Reason: ReasonStoreFailure, Message: err.Error()}
	}
	return types.JobResult{Success: true, Reason: ReasonSuccess, Message: "stop requested"}
}

// ReleaseAllocations returns a job's allocations to the pool. It is a
// no-op returning success when nothing is held. COMPLETED and FAILED
// jobs move to CLOSED.
func (m *Manager) ReleaseAllocations(ctx context.Context, jobID string) types.JobResult {
	j, err := m.Retrieve(ctx, jobID)
	if err != nil {
		return types.JobResult{Reason: ReasonStoreFailure, Message: err.Error()}
	}
	if j == nil {
		return types.JobResult{Reason: ReasonNotFound, Message: fmt.Sprintf("no job with id %s", jobID)}
	}

	if len(j.Allocations) > 0 {
		if err := m.resources.Release(ctx, j.Allocations); err != nil {
			return types.JobResult{Reason: ReasonStoreFailure, Message: err.Error()}
		}
		j.Allocations = nil
	}
	if j.KeyDir != "" {
		if err := m.RemoveKeyPair(j.ID); err != nil {
			m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to delete key pair")
		}
		j.KeyDir = ""
	}
	if j.Status.Phase == types.PhaseCompleted || j.Status.Phase == types.PhaseFailed {
		j.Status = types.JobStatus{Phase: types.PhaseClosed, Step: types.StepDefault}
	}
	if err := m.Save(ctx, j); err != nil {
		return types.JobResult{Reason: ReasonStoreFailure, Message: err.Error()}
	}
	return types.JobResult{Success: true, Reason: ReasonSuccess, Message: "allocations released"}
}

// RequestRestart reschedules a stopped job
func (m *Manager) RequestRestart(ctx context.Context, jobID string) types.JobResult {
	j, err := m.Retrieve(ctx, jobID)
	if err != nil {
		return types.JobResult{Reason: ReasonStoreFailure, Message: err.Error()}
	}
	if j == nil {
		return types.JobResult{Reason: ReasonNotFound, Message: fmt.Sprintf("no job with id %s", jobID)}
	}
	if j.Status.Step != types.StepStopped {
		return types.JobResult{
			Reason:  ReasonInvalidState,
			Message: fmt.Sprintf("job %s is not stopped (%s)", jobID, j.Status),
		}
	}

	j.Status = types.JobStatus{Phase: types.PhaseAwaitingScheduling, Step: types.StepRestartRequested}
	if err := m.Save(ctx, j); err != nil {
		return types.JobResult{Reason: ReasonStoreFailure, Message: err.Error()}
	}
	return types.JobResult{Success: true, Reason: ReasonSuccess, Message: "restart requested"}
}

func jobToMap(j *types.Job) map[string]any {
	reqJSON, _ := json.Marshal(j.Request)
	allocJSON, _ := json.Marshal(j.Allocations)
	return map[string]any{
		"job_id":       j.ID,
		"request":      string(reqJSON),
		"status":       j.Status.String(),
		"allocations":  string(allocJSON),
		"rsa_key_dir":  j.KeyDir,
		"created":      j.Created.Format(time.RFC3339Nano),
		"last_updated": j.LastUpdated.Format(time.RFC3339Nano),
	}
}

func jobFromMap(fields map[string]string) (*types.Job, error) {
	status, err := types.ParseJobStatus(fields["status"])
	if err != nil {
		return nil, fmt.Errorf("corrupt job record: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created"])
	if err != nil {
		return nil, fmt.Errorf("corrupt job created timestamp: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, fields["last_updated"])
	if err != nil {
		return nil, fmt.Errorf("corrupt job last_updated timestamp: %w", err)
	}

	var req types.SchedulerRequest
	if err := json.Unmarshal([]byte(fields["request"]), &req); err != nil {
		return nil, fmt.Errorf("corrupt job request: %w", err)
	}
	var allocs []types.Allocation
	if raw := fields["allocations"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &allocs); err != nil {
			return nil, fmt.Errorf("corrupt job allocations: %w", err)
		}
	}

	return &types.Job{
		ID:          fields["job_id"],
		Request:     req,
		Status:      status,
		Allocations: allocs,
		KeyDir:      fields["rsa_key_dir"],
		Created:     created,
		LastUpdated: updated,
	}, nil
}
