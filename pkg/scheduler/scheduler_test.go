package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudburst-io/cloudburst/pkg/job"
	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
	"github.com/cloudburst-io/cloudburst/pkg/resources"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// fakeRuntime records service operations and serves scripted states
type fakeRuntime struct {
	mu       sync.Mutex
	services map[string]*types.ContainerService
	states   map[string]types.TaskState
	pulled   []string
	removed  []string
	failPull bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		services: make(map[string]*types.ContainerService),
		states:   make(map[string]types.TaskState),
	}
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPull {
		return fmt.Errorf("registry unreachable")
	}
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeRuntime) CreateService(_ context.Context, svc *types.ContainerService) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[svc.Name] = svc
	f.states[svc.Name] = types.TaskRunning
	return nil
}

func (f *fakeRuntime) StopService(_ context.Context, name string) error { return nil }

func (f *fakeRuntime) RemoveService(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, name)
	delete(f.states, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) ServiceStatus(_ context.Context, name string) (types.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[name]; ok {
		return state, nil
	}
	return types.TaskRemove, nil
}

func (f *fakeRuntime) ListServices(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.services {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) setState(name string, state types.TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = state
}

func (f *fakeRuntime) serviceNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.services {
		names = append(names, name)
	}
	return names
}

func testImages() *ImageRegistry {
	return NewImageRegistry("nwm", map[string]DomainRecord{
		"nwm": {
			Image:      "registry.local/nwm:latest",
			SSHImage:   "registry.local/nwm-ssh:latest",
			Entrypoint: "/usr/local/bin/run-model",
			RunDir:     "/srv/nwm/run",
			OutputDir:  "/srv/nwm/output",
		},
	})
}

func newTestScheduler(t *testing.T, nodes []types.Resource) (*Scheduler, *fakeRuntime, *job.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := kvstore.Connect(context.Background(), kvstore.Config{
		Host:   mr.Host(),
		Port:   mr.Port(),
		Prefix: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	res := resources.NewManager(kv)
	require.NoError(t, res.SetResources(context.Background(), nodes))

	jobs := job.NewManager(kv, res, job.Config{KeyRoot: t.TempDir()})
	rt := newFakeRuntime()
	s := NewScheduler(rt, jobs, testImages(), Config{RestartBudget: 2})
	return s, rt, jobs
}

func singleNode() []types.Resource {
	return []types.Resource{
		{NodeID: "node-0", Hostname: "host-0", TotalCPUs: 18, TotalMemory: 1 << 34},
	}
}

func threeNodes() []types.Resource {
	return []types.Resource{
		{NodeID: "node-0", Hostname: "host-0", TotalCPUs: 32, TotalMemory: 1 << 34},
		{NodeID: "node-1", Hostname: "host-1", TotalCPUs: 32, TotalMemory: 1 << 34},
		{NodeID: "node-2", Hostname: "host-2", TotalCPUs: 32, TotalMemory: 1 << 34},
	}
}

func request(cpus int, policy types.AllocationPolicy) *types.SchedulerRequest {
	return &types.SchedulerRequest{
		Model:         "nwm",
		Version:       2.0,
		Output:        "streamflow",
		CPUs:          cpus,
		Memory:        4_000_000_000,
		Policy:        policy,
		SessionSecret: "s3cret",
		UserID:        "u1",
	}
}

func TestProcessRequestSingleNode(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(4, types.PolicySingleNode))
	require.True(t, resp.Success)
	assert.Equal(t, ReasonAccepted, resp.Reason)
	require.NotEqual(t, "-1", resp.JobID)

	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "RUNNING_DEFAULT", j.Status.String())
	require.Len(t, j.Allocations, 1)
	assert.Equal(t, 4, j.Allocations[0].CPUs)
	assert.Empty(t, j.KeyDir)

	names := rt.serviceNames()
	require.Len(t, names, 1)
	assert.Equal(t, fmt.Sprintf("%s-0-%s", DefaultBasename, j.ID), names[0])
}

func TestProcessRequestRoundRobin(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, threeNodes())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(30, types.PolicyRoundRobin))
	require.True(t, resp.Success)

	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	require.Len(t, j.Allocations, 3)
	assert.NotEmpty(t, j.KeyDir)

	assert.Len(t, rt.serviceNames(), 3)

	rank0 := fmt.Sprintf("%s-0-%s", DefaultBasename, j.ID)
	rt.mu.Lock()
	svc := rt.services[rank0]
	rt.mu.Unlock()
	require.NotNil(t, svc)
	assert.Equal(t, []string{"/usr/local/bin/run-model"}, svc.Command)
	require.Len(t, svc.Args, 2)
	assert.Equal(t, "host-0:10,host-1:10,host-2:10", svc.Args[0])
	assert.Equal(t, j.ID, svc.Args[1])

	for i := 1; i < 3; i++ {
		name := fmt.Sprintf("%s-%d-%s", DefaultBasename, i, j.ID)
		rt.mu.Lock()
		svc := rt.services[name]
		rt.mu.Unlock()
		require.NotNil(t, svc)
		assert.Equal(t, "registry.local/nwm-ssh:latest", svc.Image)
		assert.Equal(t, []string{"/usr/sbin/sshd", "-D"}, svc.Command)
	}
}

func TestProcessRequestInvalidCPUs(t *testing.T) {
	s, _, _ := newTestScheduler(t, singleNode())

	resp := s.ProcessRequest(context.Background(), request(0, types.PolicySingleNode))
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonInvalidRequest, resp.Reason)
	assert.Equal(t, "-1", resp.JobID)
}

func TestProcessRequestInsufficientResourcesQueues(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(100, types.PolicySingleNode))
	require.False(t, resp.Success)
	assert.Equal(t, ReasonRejected, resp.Reason)
	require.NotEqual(t, "-1", resp.JobID)

	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "AWAITING_ALLOCATION_DEFAULT", j.Status.String())
	assert.Empty(t, rt.serviceNames())
}

func TestMonitorDispatchesQueuedJob(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	// Fill the node, queue a second job behind it.
	first := s.ProcessRequest(ctx, request(18, types.PolicySingleNode))
	require.True(t, first.Success)
	second := s.ProcessRequest(ctx, request(10, types.PolicySingleNode))
	require.False(t, second.Success)

	// Still blocked while the first job runs.
	require.NoError(t, s.MonitorOnce(ctx))
	j, err := jobs.Retrieve(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAwaitingAllocation, j.Status.Phase)

	// First job completes, freeing its CPUs; the next cycle dispatches.
	rt.setState(fmt.Sprintf("%s-0-%s", DefaultBasename, first.JobID), types.TaskComplete)
	require.NoError(t, s.MonitorOnce(ctx))
	require.NoError(t, s.MonitorOnce(ctx))

	j, err = jobs.Retrieve(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING_DEFAULT", j.Status.String())
}

func TestMonitorCompletesJob(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(4, types.PolicySingleNode))
	require.True(t, resp.Success)

	rt.setState(fmt.Sprintf("%s-0-%s", DefaultBasename, resp.JobID), types.TaskComplete)
	require.NoError(t, s.MonitorOnce(ctx))

	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED_DEFAULT", j.Status.String())
	assert.Empty(t, j.Allocations)

	free, err := jobs.Resources().AvailableCPUCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 18, free)
}

func TestMonitorRecreatesFailedService(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(4, types.PolicySingleNode))
	require.True(t, resp.Success)
	name := fmt.Sprintf("%s-0-%s", DefaultBasename, resp.JobID)

	rt.setState(name, types.TaskFailed)
	require.NoError(t, s.MonitorOnce(ctx))

	// Recreated within budget; the job keeps running.
	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING_DEFAULT", j.Status.String())
	assert.Contains(t, rt.serviceNames(), name)
}

func TestMonitorTakeoverRecreatesFailedService(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, threeNodes())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(6, types.PolicyRoundRobin))
	require.True(t, resp.Success)
	name := fmt.Sprintf("%s-1-%s", DefaultBasename, resp.JobID)

	// A second monitor process over the same store and runtime has no
	// captured attributes for the job; it must rebuild them from the
	// persisted record instead of destroying the failed service.
	backup := NewScheduler(rt, jobs, testImages(), Config{RestartBudget: 2})

	rt.setState(name, types.TaskFailed)
	require.NoError(t, backup.MonitorOnce(ctx))
	require.NoError(t, backup.MonitorOnce(ctx))

	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING_DEFAULT", j.Status.String())
	assert.Contains(t, rt.serviceNames(), name)
	assert.Len(t, rt.serviceNames(), 3)
}

func TestMonitorTakeoverFailsJobAfterBudget(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, threeNodes())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(6, types.PolicyRoundRobin))
	require.True(t, resp.Success)
	name := fmt.Sprintf("%s-0-%s", DefaultBasename, resp.JobID)

	backup := NewScheduler(rt, jobs, testImages(), Config{RestartBudget: 2})
	for i := 0; i < 3; i++ {
		rt.setState(name, types.TaskFailed)
		require.NoError(t, backup.MonitorOnce(ctx))
	}

	// The adopted attributes cover the whole service set, so exhausting
	// the budget tears down every sibling too.
	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED_FAILED", j.Status.String())
	assert.Empty(t, rt.serviceNames())
}

func TestMonitorFailsJobAfterBudget(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(4, types.PolicySingleNode))
	require.True(t, resp.Success)
	name := fmt.Sprintf("%s-0-%s", DefaultBasename, resp.JobID)

	// Budget is 2; the third failure exhausts it.
	for i := 0; i < 3; i++ {
		rt.setState(name, types.TaskFailed)
		require.NoError(t, s.MonitorOnce(ctx))
	}

	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED_FAILED", j.Status.String())

	free, err := jobs.Resources().AvailableCPUCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 18, free)
}

func TestMonitorStopAndRestart(t *testing.T) {
	s, rt, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	resp := s.ProcessRequest(ctx, request(4, types.PolicySingleNode))
	require.True(t, resp.Success)

	result := jobs.RequestStop(ctx, resp.JobID)
	require.True(t, result.Success)

	require.NoError(t, s.MonitorOnce(ctx))
	j, err := jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StepStopped, j.Status.Step)
	assert.Empty(t, rt.serviceNames())

	result = jobs.RequestRestart(ctx, resp.JobID)
	require.True(t, result.Success)

	require.NoError(t, s.MonitorOnce(ctx))
	j, err = jobs.Retrieve(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING_DEFAULT", j.Status.String())
	assert.Len(t, rt.serviceNames(), 1)
}

func TestBuildServicesMounts(t *testing.T) {
	s, _, jobs := newTestScheduler(t, singleNode())
	ctx := context.Background()

	j, err := jobs.Create(ctx, *request(4, types.PolicySingleNode))
	require.NoError(t, err)
	j.Allocations = []types.Allocation{
		{NodeID: "node-0", Hostname: "host-0", CPUs: 4, Memory: 1 << 30, PartitionIndex: 0},
	}

	services, err := s.BuildServices(j)
	require.NoError(t, err)
	require.Len(t, services, 1)

	svc := services[0]
	assert.Equal(t, []string{"node.hostname==host-0"}, svc.Constraints)
	assert.Equal(t, "4", svc.Labels["cpus_allocated"])
	assert.Equal(t, j.ID, svc.Labels["job_id"])
	require.Len(t, svc.Mounts, 2)
	assert.Equal(t, "/srv/nwm/run", svc.Mounts[0].Source)
	assert.True(t, svc.Mounts[0].ReadOnly)
	assert.Equal(t, "/srv/nwm/output", svc.Mounts[1].Source)
}

func TestHostList(t *testing.T) {
	allocs := []types.Allocation{
		{Hostname: "a", CPUs: 8},
		{Hostname: "b", CPUs: 8},
		{Hostname: "c", CPUs: 9},
	}
	assert.Equal(t, "a:8,b:8,c:9", HostList(allocs))
}
