package job

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
	"github.com/cloudburst-io/cloudburst/pkg/resources"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *resources.Manager) {
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
	require.NoError(t, res.SetResources(context.Background(), []types.Resource{
		{NodeID: "node-0", Hostname: "host-0", TotalCPUs: 18, TotalMemory: 1 << 34},
	}))

	return NewManager(kv, res, Config{KeyRoot: t.TempDir()}), res
}

func testRequest() types.SchedulerRequest {
	return types.SchedulerRequest{
		Model:         "nwm",
		Version:       2.0,
		Output:        "streamflow",
		CPUs:          4,
		Memory:        500_000_000,
		SessionSecret: "s3cret",
		UserID:        "u1",
	}
}

func TestCreateAndRetrieve(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, "CREATED_DEFAULT", j.Status.String())

	got, err := m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.Status, got.Status)
	assert.Equal(t, j.Request, got.Request)
	assert.Empty(t, got.Allocations)

	exists, err := m.Exists(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRetrieveMissing(t *testing.T) {
	m, _ := newTestManager(t)
	got, err := m.Retrieve(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveRoundTrip(t *testing.T) {
	m, res := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)

	j.Status = types.JobStatus{Phase: types.PhaseAwaitingAllocation, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))

	allocs, err := res.AllocateForJob(ctx, 4, 500_000_000, types.PolicySingleNode)
	require.NoError(t, err)
	j.Allocations = allocs
	j.Status = types.JobStatus{Phase: types.PhaseAwaitingScheduling, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))

	got, err := m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.Status, got.Status)
	assert.Equal(t, j.Allocations, got.Allocations)
	assert.Equal(t, j.Request, got.Request)
	assert.False(t, got.LastUpdated.Before(got.Created))
}

func TestSaveRejectsInvalidTransition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)

	j.Status = types.JobStatus{Phase: types.PhaseRunning, Step: types.StepDefault}
	assert.Error(t, m.Save(ctx, j))
}

func TestTerminalTransitionReleasesAllocations(t *testing.T) {
	m, res := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)
	j.Status = types.JobStatus{Phase: types.PhaseAwaitingAllocation, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))

	allocs, err := res.AllocateForJob(ctx, 4, 0, types.PolicySingleNode)
	require.NoError(t, err)
	j.Allocations = allocs
	j.Status = types.JobStatus{Phase: types.PhaseAwaitingScheduling, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))
	j.Status = types.JobStatus{Phase: types.PhaseRunning, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))

	keyDir, err := m.GenerateKeyPair(j.ID)
	require.NoError(t, err)
	j.KeyDir = keyDir
	require.NoError(t, m.Save(ctx, j))

	j.Status = types.JobStatus{Phase: types.PhaseCompleted, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))

	got, err := m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Allocations)
	assert.Empty(t, got.KeyDir)
	_, statErr := os.Stat(keyDir)
	assert.True(t, os.IsNotExist(statErr))

	node, err := res.GetResource(ctx, "node-0")
	require.NoError(t, err)
	assert.Equal(t, 18, node.AvailableCPUs)
}

func TestIDsFiltersActive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	active, err := m.Create(ctx, testRequest())
	require.NoError(t, err)

	done, err := m.Create(ctx, testRequest())
	require.NoError(t, err)
	for _, phase := range []types.JobPhase{
		types.PhaseAwaitingAllocation,
		types.PhaseAwaitingScheduling,
		types.PhaseRunning,
		types.PhaseCompleted,
	} {
		done.Status = types.JobStatus{Phase: phase, Step: types.StepDefault}
		require.NoError(t, m.Save(ctx, done))
	}

	all, err := m.IDs(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{active.ID, done.ID}, all)

	activeIDs, err := m.IDs(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, activeIDs)
}

func TestRequestStop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)

	result := m.RequestStop(ctx, j.ID)
	assert.True(t, result.Success)
	assert.Equal(t, ReasonSuccess, result.Reason)

	got, err := m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepStopRequested, got.Status.Step)

	// A second stop on the same job is rejected.
	result = m.RequestStop(ctx, j.ID)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidState, result.Reason)

	result = m.RequestStop(ctx, "missing")
	assert.False(t, result.Success)
	assert.Equal(t, ReasonNotFound, result.Reason)
}

func TestReleaseAllocationsIdempotent(t *testing.T) {
	m, res := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)
	j.Status = types.JobStatus{Phase: types.PhaseAwaitingAllocation, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))
	allocs, err := res.AllocateForJob(ctx, 4, 0, types.PolicySingleNode)
	require.NoError(t, err)
	j.Allocations = allocs
	j.Status = types.JobStatus{Phase: types.PhaseAwaitingScheduling, Step: types.StepDefault}
	require.NoError(t, m.Save(ctx, j))

	first := m.ReleaseAllocations(ctx, j.ID)
	assert.True(t, first.Success)

	node, err := res.GetResource(ctx, "node-0")
	require.NoError(t, err)
	assert.Equal(t, 18, node.AvailableCPUs)

	// Releasing again is a successful no-op and changes no counters.
	second := m.ReleaseAllocations(ctx, j.ID)
	assert.True(t, second.Success)
	node, err = res.GetResource(ctx, "node-0")
	require.NoError(t, err)
	assert.Equal(t, 18, node.AvailableCPUs)
}

func TestReleaseMovesTerminalJobToClosed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)
	for _, phase := range []types.JobPhase{
		types.PhaseAwaitingAllocation,
		types.PhaseAwaitingScheduling,
		types.PhaseRunning,
		types.PhaseCompleted,
	} {
		j.Status = types.JobStatus{Phase: phase, Step: types.StepDefault}
		require.NoError(t, m.Save(ctx, j))
	}

	result := m.ReleaseAllocations(ctx, j.ID)
	assert.True(t, result.Success)

	got, err := m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseClosed, got.Status.Phase)
}

func TestRequestRestart(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)

	// Not stopped yet.
	result := m.RequestRestart(ctx, j.ID)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidState, result.Reason)

	result = m.RequestStop(ctx, j.ID)
	require.True(t, result.Success)
	j, err = m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	j.Status.Step = types.StepStopped
	require.NoError(t, m.Save(ctx, j))

	result = m.RequestRestart(ctx, j.ID)
	assert.True(t, result.Success)

	got, err := m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAwaitingScheduling, got.Status.Phase)
	assert.Equal(t, types.StepRestartRequested, got.Status.Step)
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, testRequest())
	require.NoError(t, err)

	existed, err := m.Delete(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	got, err := m.Retrieve(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	existed, err = m.Delete(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestGenerateKeyPair(t *testing.T) {
	m, _ := newTestManager(t)

	dir, err := m.GenerateKeyPair("job-1")
	require.NoError(t, err)

	priv, err := os.ReadFile(filepath.Join(dir, "id_rsa"))
	require.NoError(t, err)
	assert.Contains(t, string(priv), "RSA PRIVATE KEY")

	pub, err := os.ReadFile(filepath.Join(dir, "id_rsa.pub"))
	require.NoError(t, err)
	assert.Contains(t, string(pub), "PUBLIC KEY")

	require.NoError(t, m.RemoveKeyPair("job-1"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine.
	assert.NoError(t, m.RemoveKeyPair("job-1"))
}
