package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/hector-engine/core/coreerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLimits() ResourceLimits {
	return ResourceLimits{CPUShare: 1, MemoryBytes: 256 * 1024 * 1024, DiskBytes: 512 * 1024 * 1024, Timeout: 10 * time.Second}
}

// fakeBackend is an in-memory Backend double; sleepFor lets Execute's
// timeout path be exercised without a real isolation runtime.
type fakeBackend struct {
	allocated map[string]bool
	usage     ResourceUsage
	sleepFor  time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{allocated: make(map[string]bool)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Allocate(ctx context.Context, limits ResourceLimits) (string, error) {
	handle := "handle-1"
	b.allocated[handle] = true
	return handle, nil
}

func (b *fakeBackend) Run(ctx context.Context, handle string, command []string, inputFiles map[string][]byte) (ExecutionResult, error) {
	if b.sleepFor > 0 {
		select {
		case <-time.After(b.sleepFor):
		case <-ctx.Done():
			return ExecutionResult{}, ctx.Err()
		}
	}
	return ExecutionResult{Stdout: "ok", ExitCode: 0}, nil
}

func (b *fakeBackend) Sample(ctx context.Context, handle string) (ResourceUsage, error) {
	return b.usage, nil
}

func (b *fakeBackend) Snapshot(ctx context.Context, handle string) (string, error) {
	return "snap-ref", nil
}

func (b *fakeBackend) Restore(ctx context.Context, handle, snapshotRef string) error {
	return nil
}

func (b *fakeBackend) Release(ctx context.Context, handle string) error {
	delete(b.allocated, handle)
	return nil
}

func TestSandboxManager_CreateRejectsOutOfRangeLimits(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend()})
	_, err := m.Create(context.Background(), Config{Limits: ResourceLimits{CPUShare: 20, MemoryBytes: 1, DiskBytes: 1, Timeout: time.Second}})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindInvalidSpec, coreerrors.KindOf(err))
}

func TestSandboxManager_CreateRequiresBackend(t *testing.T) {
	m := NewSandboxManager(Options{})
	_, err := m.Create(context.Background(), Config{Limits: validLimits()})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindBackendUnavailable, coreerrors.KindOf(err))
}

func TestSandboxManager_DestroyIsIdempotent(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend()})
	sb, err := m.Create(context.Background(), Config{Limits: validLimits()})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), sb))
	require.NoError(t, m.Destroy(context.Background(), sb))
}

func TestSandboxManager_ExecuteAfterDestroyIsNotFound(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend()})
	sb, err := m.Create(context.Background(), Config{Limits: validLimits()})
	require.NoError(t, err)
	require.NoError(t, m.Destroy(context.Background(), sb))

	_, err = m.Execute(context.Background(), sb, []string{"echo", "hi"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindNotFound, coreerrors.KindOf(err))
}

func TestSandboxManager_ExecuteTimesOutOnSlowCommand(t *testing.T) {
	backend := newFakeBackend()
	backend.sleepFor = 200 * time.Millisecond
	m := NewSandboxManager(Options{Backend: backend})

	sb, err := m.Create(context.Background(), Config{Limits: validLimits(), SampleInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	// shrink below Create's validated floor directly on the live handle so
	// Execute's deadline fires well before sleepFor elapses.
	sb.Config.Limits.Timeout = 50 * time.Millisecond

	_, err = m.Execute(context.Background(), sb, []string{"sleep", "10"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindTimeout, coreerrors.KindOf(err))
}

func TestSandboxManager_ExecuteBreachesMemoryTriggersOOM(t *testing.T) {
	backend := newFakeBackend()
	backend.sleepFor = 200 * time.Millisecond
	backend.usage = ResourceUsage{MemoryBytes: 10 * 1024 * 1024 * 1024}
	m := NewSandboxManager(Options{Backend: backend})

	sb, err := m.Create(context.Background(), Config{Limits: validLimits(), SampleInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	var breached coreerrors.Kind
	_, err = m.Execute(context.Background(), sb, []string{"run"}, nil, func(kind coreerrors.Kind) { breached = kind })
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindOOM, coreerrors.KindOf(err))
	assert.Equal(t, coreerrors.KindOOM, breached)
}

func TestSandboxManager_SnapshotRetentionKeepsMostRecentN(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend(), RetainSnapshots: 2, RetainWithin: time.Hour})
	sb, err := m.Create(context.Background(), Config{Limits: validLimits()})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := m.Snapshot(context.Background(), sb)
		require.NoError(t, err)
	}
	assert.Len(t, sb.snapshots, 2)
}

func TestSandboxManager_RollbackRestoresAndOptionallyBacksUpFirst(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend()})
	sb, err := m.Create(context.Background(), Config{
		Limits:         validLimits(),
		RollbackPolicy: RollbackPolicy{BackupBeforeRollback: true, Triggers: []RollbackTrigger{TriggerOnTimeout}},
	})
	require.NoError(t, err)

	snap, err := m.Snapshot(context.Background(), sb)
	require.NoError(t, err)

	require.NoError(t, m.Rollback(context.Background(), sb, snap.ID))
	assert.Len(t, sb.snapshots, 2) // original + pre-rollback safety snapshot
}

func TestSandboxManager_AutoRollbackOnErrorHonorsPolicy(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend()})
	sb, err := m.Create(context.Background(), Config{
		Limits:         validLimits(),
		RollbackPolicy: RollbackPolicy{Triggers: []RollbackTrigger{TriggerOnTimeout}},
	})
	require.NoError(t, err)
	_, err = m.Snapshot(context.Background(), sb)
	require.NoError(t, err)

	timeoutErr := coreerrors.New(component, "Execute", coreerrors.KindTimeout, "timed out", nil)
	require.NoError(t, m.AutoRollbackOnError(context.Background(), sb, timeoutErr))

	authErr := coreerrors.New(component, "Execute", coreerrors.KindAuth, "unauthorized", nil)
	require.NoError(t, m.AutoRollbackOnError(context.Background(), sb, authErr)) // no matching trigger, no-op
}

func TestSandboxManager_SnapshotSuspendsAndResumesState(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend()})
	sb, err := m.Create(context.Background(), Config{Limits: validLimits()})
	require.NoError(t, err)
	require.Equal(t, StateReady, sb.State)

	_, err = m.Snapshot(context.Background(), sb)
	require.NoError(t, err)
	assert.Equal(t, StateReady, sb.State, "snapshot must resume the sandbox's prior state once the capture finishes")
}

func TestSandboxManager_SnapshotRejectsWhileExecuting(t *testing.T) {
	backend := newFakeBackend()
	backend.sleepFor = 100 * time.Millisecond
	m := NewSandboxManager(Options{Backend: backend})
	sb, err := m.Create(context.Background(), Config{Limits: validLimits()})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = m.Execute(context.Background(), sb, []string{"sleep"}, nil, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		return sb.State == StateExecuting
	}, time.Second, time.Millisecond)

	_, err = m.Snapshot(context.Background(), sb)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindBadRequest, coreerrors.KindOf(err))

	<-done
}

func TestSandboxManager_CreateFailsAtCapacityWithoutBlocking(t *testing.T) {
	m := NewSandboxManager(Options{Backend: newFakeBackend(), MaxConcurrent: 1})
	_, err := m.Create(context.Background(), Config{Limits: validLimits()})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), Config{Limits: validLimits()})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindAtCapacity, coreerrors.KindOf(err))
}
