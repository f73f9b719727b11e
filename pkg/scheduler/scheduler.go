package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudburst-io/cloudburst/pkg/job"
	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/resources"
	"github.com/cloudburst-io/cloudburst/pkg/runtime"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// Response reason strings surfaced to clients
const (
	ReasonAccepted       = "ACCEPTED"
	ReasonRejected       = "REJECTED"
	ReasonInvalidRequest = "Invalid request"
)

const (
	// DefaultBasename prefixes every container service name
	DefaultBasename = "maas-model-exec"

	// DefaultMonitorInterval paces the monitor loop
	DefaultMonitorInterval = 5 * time.Second

	// DefaultRestartBudget bounds recreate attempts per service
	DefaultRestartBudget = 3

	// keyMountTarget is where the per-job SSH keys appear in containers
	keyMountTarget = "/run/maas/keys"

	// sshdCommand runs in every non-rank-0 container so rank 0 can fan
	// MPI work out over SSH
	sshdCommand = "/usr/sbin/sshd"
)

// Config holds scheduler construction parameters
type Config struct {
	Basename        string
	MonitorInterval time.Duration
	RestartBudget   int
}

// Scheduler turns jobs with finalized allocations into container
// services and supervises them to completion.
type Scheduler struct {
	runtime runtime.Runtime
	jobs    *job.Manager
	images  *ImageRegistry
	cfg     Config

	mu       sync.Mutex
	specs    map[string]map[string]*types.ContainerService // jobID -> name -> captured attributes
	restarts map[string]int                                // service name -> recreate count

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewScheduler creates a scheduler over a runtime, job manager and
// image registry.
func NewScheduler(rt runtime.Runtime, jobs *job.Manager, images *ImageRegistry, cfg Config) *Scheduler {
	if cfg.Basename == "" {
		cfg.Basename = DefaultBasename
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.RestartBudget <= 0 {
		cfg.RestartBudget = DefaultRestartBudget
	}
	return &Scheduler{
		runtime:  rt,
		jobs:     jobs,
		images:   images,
		cfg:      cfg,
		specs:    make(map[string]map[string]*types.ContainerService),
		restarts: make(map[string]int),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}
}

// ProcessRequest runs the full dispatch pipeline for one scheduler
// request: create the job record, allocate resources, create the
// container services and report the outcome.
func (s *Scheduler) ProcessRequest(ctx context.Context, req *types.SchedulerRequest) *types.SchedulerResponse {
	if req.CPUs <= 0 {
		return &types.SchedulerResponse{
			Success: false,
			Reason:  ReasonInvalidRequest,
			Message: fmt.Sprintf("cpu count %d must be a positive integer", req.CPUs),
			JobID:   "-1",
		}
	}

	j, err := s.jobs.Create(ctx, *req)
	if err != nil {
		return &types.SchedulerResponse{
			Success: false,
			Reason:  ReasonRejected,
			Message: fmt.Sprintf("failed to create job record: %v", err),
			JobID:   "-1",
		}
	}

	j.Status = types.JobStatus{Phase: types.PhaseAwaitingAllocation, Step: types.StepDefault}
	if err := s.jobs.Save(ctx, j); err != nil {
		return s.failJob(ctx, j, fmt.Sprintf("failed to admit job: %v", err))
	}

	allocs, err := s.jobs.Resources().AllocateForJob(ctx, req.CPUs, req.Memory, req.Policy)
	if err != nil {
		if errors.Is(err, resources.ErrInsufficientResources) {
			// The job stays in AWAITING_ALLOCATION; the monitor loop
			// retries as resources free up.
			return &types.SchedulerResponse{
				Success: false,
				Reason:  ReasonRejected,
				Message: "insufficient resources; the job is queued and will be retried",
				JobID:   j.ID,
			}
		}
		return s.failJob(ctx, j, fmt.Sprintf("allocation failed: %v", err))
	}

	return s.dispatch(ctx, j, allocs)
}

// dispatch finalizes an allocation onto a job and creates its services
func (s *Scheduler) dispatch(ctx context.Context, j *types.Job, allocs []types.Allocation) *types.SchedulerResponse {
	j.Allocations = allocs
	if len(allocs) > 1 && j.KeyDir == "" {
		dir, err := s.jobs.GenerateKeyPair(j.ID)
		if err != nil {
			s.jobs.Resources().Release(ctx, allocs)
			j.Allocations = nil
			return s.failJob(ctx, j, fmt.Sprintf("failed to generate job keys: %v", err))
		}
		j.KeyDir = dir
	}

	j.Status = types.JobStatus{Phase: types.PhaseAwaitingScheduling, Step: types.StepDefault}
	if err := s.jobs.Save(ctx, j); err != nil {
		return s.failJob(ctx, j, fmt.Sprintf("failed to persist allocation: %v", err))
	}

	if err := s.CreateServices(ctx, j); err != nil {
		return s.failJob(ctx, j, fmt.Sprintf("failed to create services: %v", err))
	}

	j.Status = types.JobStatus{Phase: types.PhaseRunning, Step: types.StepDefault}
	if err := s.jobs.Save(ctx, j); err != nil {
		return s.failJob(ctx, j, fmt.Sprintf("failed to mark job running: %v", err))
	}

	return &types.SchedulerResponse{
		Success: true,
		Reason:  ReasonAccepted,
		Message: fmt.Sprintf("job dispatched across %d node(s)", len(allocs)),
		JobID:   j.ID,
	}
}

// failJob transitions a job to FAILED (releasing whatever it holds)
// and produces the rejected response.
func (s *Scheduler) failJob(ctx context.Context, j *types.Job, msg string) *types.SchedulerResponse {
	s.logger.Error().Str("job_id", j.ID).Msg(msg)
	j.Status = types.JobStatus{Phase: types.PhaseFailed, Step: types.StepFailed}
	if err := s.jobs.Save(ctx, j); err != nil {
		s.logger.Error().Err(err).Str("job_id", j.ID).Msg("Failed to persist FAILED status")
	}
	return &types.SchedulerResponse{
		Success: false,
		Reason:  ReasonRejected,
		Message: msg,
		JobID:   j.ID,
	}
}

// BuildServices derives the container service definitions for a job's
// allocations without touching the runtime.
func (s *Scheduler) BuildServices(j *types.Job) ([]*types.ContainerService, error) {
	rec, err := s.images.Lookup(j.Request.Domain)
	if err != nil {
		return nil, err
	}

	hostList := HostList(j.Allocations)
	services := make([]*types.ContainerService, 0, len(j.Allocations))
	for i, alloc := range j.Allocations {
		svc := &types.ContainerService{
			Name:  fmt.Sprintf("%s-%d-%s", s.cfg.Basename, i, j.ID),
			Image: rec.Image,
			Constraints: []string{
				"node.hostname==" + alloc.Hostname,
			},
			Mounts: []types.ServiceMount{
				{Source: rec.RunMount(alloc.PartitionIndex), Target: "/run/maas/domain", ReadOnly: true},
				{Source: rec.OutputDir, Target: "/run/maas/output"},
			},
			Labels: map[string]string{
				"hostname":       alloc.Hostname,
				"cpus_allocated": strconv.Itoa(alloc.CPUs),
				"job_id":         j.ID,
			},
			HealthCheck: &types.HealthCheck{
				Command:  []string{"pgrep", "-f", "."},
				Interval: 30 * time.Second,
				Timeout:  10 * time.Second,
				Retries:  3,
			},
			RestartPolicy: &types.RestartPolicy{
				Condition:   types.RestartOnFailure,
				MaxAttempts: s.cfg.RestartBudget,
				Delay:       5 * time.Second,
			},
			CreatedAt: time.Now().UTC(),
		}

		if i == 0 {
			// Rank 0 runs the model entrypoint and receives the host
			// list so it can fan MPI work out to the other containers.
			if rec.Entrypoint != "" {
				svc.Command = []string{rec.Entrypoint}
			}
			svc.Args = []string{hostList, j.ID}
		} else {
			svc.Image = rec.SSHImage
			if svc.Image == "" {
				svc.Image = rec.Image
			}
			svc.Command = []string{sshdCommand, "-D"}
		}

		if j.KeyDir != "" {
			svc.Mounts = append(svc.Mounts, types.ServiceMount{
				Source: j.KeyDir, Target: keyMountTarget, ReadOnly: true,
			})
		}
		services = append(services, svc)
	}
	return services, nil
}

// CreateServices builds and starts one container service per
// allocation, rolling back the ones already created if any fails.
func (s *Scheduler) CreateServices(ctx context.Context, j *types.Job) error {
	services, err := s.BuildServices(j)
	if err != nil {
		return err
	}

	var created []*types.ContainerService
	for _, svc := range services {
		if err := s.runtime.PullImage(ctx, svc.Image); err != nil {
			s.teardown(ctx, created)
			return fmt.Errorf("image pull failed for %s: %w", svc.Image, err)
		}
		if err := s.runtime.CreateService(ctx, svc); err != nil {
			s.teardown(ctx, created)
			return fmt.Errorf("service create failed for %s: %w", svc.Name, err)
		}
		created = append(created, svc)
	}

	s.mu.Lock()
	byName := make(map[string]*types.ContainerService, len(created))
	for _, svc := range created {
		byName[svc.Name] = svc
		s.restarts[svc.Name] = 0
	}
	s.specs[j.ID] = byName
	s.mu.Unlock()

	s.logger.Info().Str("job_id", j.ID).Int("services", len(created)).
		Msg("Services created")
	return nil
}

func (s *Scheduler) teardown(ctx context.Context, services []*types.ContainerService) {
	for _, svc := range services {
		if err := s.runtime.RemoveService(ctx, svc.Name); err != nil {
			s.logger.Warn().Err(err).Str("service", svc.Name).
				Msg("Failed to remove service during rollback")
		}
	}
}

// HostList renders allocations as the "host:cpus,..." string the
// rank-0 container receives as an argument.
func HostList(allocs []types.Allocation) string {
	parts := make([]string, len(allocs))
	for i, a := range allocs {
		parts[i] = a.Hostname + ":" + strconv.Itoa(a.CPUs)
	}
	return strings.Join(parts, ",")
}

// Start begins the monitor loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the monitor loop
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.MonitorOnce(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Monitor cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// MonitorOnce performs one supervision cycle: it refreshes the
// jobs-by-phase gauge over every tracked job and supervises the active
// ones.
func (s *Scheduler) MonitorOnce(ctx context.Context) error {
	ids, err := s.jobs.IDs(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	counts := make(map[types.JobPhase]int)
	for _, id := range ids {
		j, err := s.jobs.Retrieve(ctx, id)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("Failed to load job")
			continue
		}
		if j == nil {
			continue
		}
		counts[j.Status.Phase]++
		if !j.Status.Phase.Active() {
			continue
		}
		if err := s.superviseJob(ctx, j); err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("Failed to supervise job")
		}
	}

	for _, phase := range []types.JobPhase{
		types.PhaseCreated, types.PhaseAwaitingAllocation, types.PhaseAwaitingScheduling,
		types.PhaseAwaitingData, types.PhaseRunning, types.PhaseCompleted,
		types.PhaseClosed, types.PhaseFailed,
	} {
		metrics.JobsByPhase.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}
	if free, err := s.jobs.Resources().AvailableCPUCount(ctx); err == nil {
		metrics.AvailableCPUs.Set(float64(free))
	}
	return nil
}

func (s *Scheduler) superviseJob(ctx context.Context, j *types.Job) error {
	switch {
	case j.Status.Step == types.StepStopRequested:
		return s.stopJob(ctx, j)

	case j.Status.Step == types.StepRestartRequested:
		j.Status.Step = types.StepDefault
		if err := s.jobs.Save(ctx, j); err != nil {
			return err
		}
		resp := s.redispatch(ctx, j)
		if !resp.Success {
			return fmt.Errorf("restart dispatch rejected: %s", resp.Message)
		}
		return nil

	case j.Status.Phase == types.PhaseAwaitingAllocation && j.Status.Step == types.StepDefault:
		// Queued behind resource exhaustion; retry the allocation.
		allocs, err := s.jobs.Resources().AllocateForJob(
			ctx, j.Request.CPUs, j.Request.Memory, j.Request.Policy)
		if err != nil {
			if errors.Is(err, resources.ErrInsufficientResources) {
				return nil
			}
			return err
		}
		resp := s.dispatch(ctx, j, allocs)
		if !resp.Success {
			return fmt.Errorf("queued dispatch rejected: %s", resp.Message)
		}
		return nil

	case j.Status.Phase == types.PhaseRunning && j.Status.Step == types.StepDefault:
		return s.superviseServices(ctx, j)
	}
	return nil
}

// redispatch recreates services for a job that still holds its
// allocations (restart after stop).
func (s *Scheduler) redispatch(ctx context.Context, j *types.Job) *types.SchedulerResponse {
	if len(j.Allocations) == 0 {
		allocs, err := s.jobs.Resources().AllocateForJob(
			ctx, j.Request.CPUs, j.Request.Memory, j.Request.Policy)
		if err != nil {
			return s.failJob(ctx, j, fmt.Sprintf("reallocation failed: %v", err))
		}
		return s.dispatch(ctx, j, allocs)
	}

	if err := s.CreateServices(ctx, j); err != nil {
		return s.failJob(ctx, j, fmt.Sprintf("failed to recreate services: %v", err))
	}
	j.Status = types.JobStatus{Phase: types.PhaseRunning, Step: types.StepDefault}
	if err := s.jobs.Save(ctx, j); err != nil {
		return s.failJob(ctx, j, fmt.Sprintf("failed to mark job running: %v", err))
	}
	return &types.SchedulerResponse{Success: true, Reason: ReasonAccepted, JobID: j.ID}
}

// stopJob tears down a job's services and settles the stop request
func (s *Scheduler) stopJob(ctx context.Context, j *types.Job) error {
	s.removeJobServices(ctx, j.ID)
	j.Status.Step = types.StepStopped
	if err := s.jobs.Save(ctx, j); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", j.ID).Msg("Job stopped")
	return nil
}

// superviseServices inspects every service of a running job and reacts
// to its task state.
func (s *Scheduler) superviseServices(ctx context.Context, j *types.Job) error {
	s.mu.Lock()
	byName := s.specs[j.ID]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	s.mu.Unlock()

	if len(names) == 0 {
		// Another scheduler process created the services; recover the
		// membership from the runtime by name prefix.
		discovered, err := s.runtime.ListServices(ctx, s.cfg.Basename)
		if err != nil {
			return err
		}
		for _, name := range discovered {
			if strings.HasSuffix(name, j.ID) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return nil
		}
	}

	remaining := 0
	for _, name := range names {
		state, err := s.runtime.ServiceStatus(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read status of %s: %w", name, err)
		}

		switch {
		case state == types.TaskComplete:
			if err := s.runtime.RemoveService(ctx, name); err != nil {
				return err
			}
			s.forgetService(j.ID, name)

		case state.Failed():
			if err := s.recreateService(ctx, j, name); err != nil {
				return err
			}
			remaining++

		default:
			remaining++
		}
	}

	if remaining == 0 {
		j.Status = types.JobStatus{Phase: types.PhaseCompleted, Step: types.StepDefault}
		if err := s.jobs.Save(ctx, j); err != nil {
			return err
		}
		s.cleanupJob(j.ID)
		s.logger.Info().Str("job_id", j.ID).Msg("Job completed")
	}
	return nil
}

// recreateService replaces a failed service from its captured
// attributes, bounded by the restart budget. The attributes must be in
// hand before the failed service is removed, or a takeover from another
// monitor process would destroy a service it cannot rebuild.
func (s *Scheduler) recreateService(ctx context.Context, j *types.Job, name string) error {
	s.mu.Lock()
	spec := s.specs[j.ID][name]
	s.restarts[name]++
	attempts := s.restarts[name]
	s.mu.Unlock()

	if spec == nil {
		var err error
		if spec, err = s.adoptServices(j, name); err != nil {
			return err
		}
	}

	if err := s.runtime.RemoveService(ctx, name); err != nil {
		return err
	}

	if attempts > s.cfg.RestartBudget {
		s.logger.Error().Str("job_id", j.ID).Str("service", name).
			Int("attempts", attempts-1).Msg("Restart budget exhausted")
		s.removeJobServices(ctx, j.ID)
		j.Status = types.JobStatus{Phase: types.PhaseFailed, Step: types.StepFailed}
		return s.jobs.Save(ctx, j)
	}

	if err := s.runtime.CreateService(ctx, spec); err != nil {
		return fmt.Errorf("failed to recreate service %s: %w", name, err)
	}
	metrics.ServiceRestartsTotal.Inc()
	s.logger.Warn().Str("job_id", j.ID).Str("service", name).
		Int("attempt", attempts).Msg("Service recreated after failure")
	return nil
}

// adoptServices rebuilds a job's service attributes from its persisted
// record and captures the whole set, so a monitor process that did not
// dispatch the job itself can still supervise it. Returns the requested
// service's attributes.
func (s *Scheduler) adoptServices(j *types.Job, name string) (*types.ContainerService, error) {
	rebuilt, err := s.BuildServices(j)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild attributes for job %s: %w", j.ID, err)
	}

	s.mu.Lock()
	byName := s.specs[j.ID]
	if byName == nil {
		byName = make(map[string]*types.ContainerService, len(rebuilt))
		s.specs[j.ID] = byName
	}
	var spec *types.ContainerService
	for _, svc := range rebuilt {
		if _, ok := byName[svc.Name]; !ok {
			byName[svc.Name] = svc
		}
		if svc.Name == name {
			spec = byName[svc.Name]
		}
	}
	s.mu.Unlock()

	if spec == nil {
		return nil, fmt.Errorf("no attributes for service %s in job %s", name, j.ID)
	}
	return spec, nil
}

func (s *Scheduler) removeJobServices(ctx context.Context, jobID string) {
	s.mu.Lock()
	names := make([]string, 0, len(s.specs[jobID]))
	for name := range s.specs[jobID] {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.runtime.RemoveService(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("service", name).Msg("Failed to remove service")
		}
	}
	s.cleanupJob(jobID)
}

func (s *Scheduler) forgetService(jobID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byName, ok := s.specs[jobID]; ok {
		delete(byName, name)
	}
	delete(s.restarts, name)
}

func (s *Scheduler) cleanupJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.specs[jobID] {
		delete(s.restarts, name)
	}
	delete(s.specs, jobID)
}
