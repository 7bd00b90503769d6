// Package sandbox implements the SandboxManager of spec.md §4.7: it
// provisions isolated execution environment handles against a pluggable
// SandboxBackend, monitors resource usage while a command runs, and
// supports snapshot/rollback/destroy. The out-of-process backend contract
// is grounded on the teacher's hashicorp/go-plugin adapter shape
// (plugins/grpc.BasePluginAdapter); the bounded-concurrency gate is
// grounded on golang.org/x/sync, the same module the teacher uses for
// errgroup-based fan-out in pkg/agent/workflowagent/parallel.go.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hector-engine/core/coreerrors"
	"golang.org/x/sync/semaphore"
)

const component = "SandboxManager"

// State is a Sandbox's lifecycle state.
type State string

const (
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateSuspended State = "suspended"
	StateDestroyed State = "destroyed"
)

// RollbackTrigger names a condition that provokes AutoRollbackOnError.
type RollbackTrigger string

const (
	TriggerOnError   RollbackTrigger = "on_error"
	TriggerOnTimeout RollbackTrigger = "on_timeout"
	TriggerOnOOM     RollbackTrigger = "on_oom"
)

// RollbackPolicy controls AutoRollbackOnError.
type RollbackPolicy struct {
	Triggers            []RollbackTrigger
	BackupBeforeRollback bool
}

// ResourceLimits bounds a sandbox's resource envelope, validated against
// §4.7's ranges at Create time.
type ResourceLimits struct {
	CPUShare     float64       // 0.1 - 16
	MemoryBytes  int64         // 128 MiB - 16 GiB
	DiskBytes    int64         // 256 MiB - 10 GiB
	Timeout      time.Duration // 10s - 3600s
}

const (
	minCPUShare    = 0.1
	maxCPUShare    = 16
	minMemoryBytes = 128 * 1024 * 1024
	maxMemoryBytes = 16 * 1024 * 1024 * 1024
	minDiskBytes   = 256 * 1024 * 1024
	maxDiskBytes   = 10 * 1024 * 1024 * 1024
	minTimeout     = 10 * time.Second
	maxTimeout     = 3600 * time.Second
)

func (l ResourceLimits) validate() error {
	if l.CPUShare < minCPUShare || l.CPUShare > maxCPUShare {
		return newErr("Create", coreerrors.KindInvalidSpec, fmt.Sprintf("cpu_share %.2f out of range [%.1f, %.1f]", l.CPUShare, minCPUShare, maxCPUShare), nil)
	}
	if l.MemoryBytes < minMemoryBytes || l.MemoryBytes > maxMemoryBytes {
		return newErr("Create", coreerrors.KindInvalidSpec, "memory limit out of range [128MiB, 16GiB]", nil)
	}
	if l.DiskBytes < minDiskBytes || l.DiskBytes > maxDiskBytes {
		return newErr("Create", coreerrors.KindInvalidSpec, "disk limit out of range [256MiB, 10GiB]", nil)
	}
	if l.Timeout < minTimeout || l.Timeout > maxTimeout {
		return newErr("Create", coreerrors.KindInvalidSpec, "timeout out of range [10s, 3600s]", nil)
	}
	return nil
}

// Config is Create's input.
type Config struct {
	Limits         ResourceLimits
	RollbackPolicy RollbackPolicy
	// SampleInterval bounds how often resource usage is sampled while
	// Execute runs. Default 1s.
	SampleInterval time.Duration
}

// ResourceUsage is a post-hoc usage summary or a monitoring sample.
type ResourceUsage struct {
	CPUPercent  float64
	MemoryBytes int64
	DiskBytes   int64
	SampledAt   time.Time
}

// ExecutionResult is Execute's return value.
type ExecutionResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Usage      ResourceUsage
	WallTime   time.Duration
}

// Snapshot is a captured point-in-time filesystem state.
type Snapshot struct {
	ID        string
	SandboxID string
	TakenAt   time.Time
}

// Backend is the capability a concrete isolation technology (container
// runtime, microVM, chroot jail) implements; out-of-process backends are
// expected to be wired via hashicorp/go-plugin the same way the teacher
// wires LLM/tool plugins in plugins/grpc.
type Backend interface {
	Name() string
	Allocate(ctx context.Context, limits ResourceLimits) (backendHandle string, err error)
	Run(ctx context.Context, handle string, command []string, inputFiles map[string][]byte) (ExecutionResult, error)
	Sample(ctx context.Context, handle string) (ResourceUsage, error)
	Snapshot(ctx context.Context, handle string) (snapshotRef string, err error)
	Restore(ctx context.Context, handle, snapshotRef string) error
	Release(ctx context.Context, handle string) error
}

// Sandbox is a live handle.
type Sandbox struct {
	ID     string
	State  State
	Config Config

	mu        sync.Mutex
	handle    string
	snapshots []snapshotRecord
}

type snapshotRecord struct {
	Snapshot
	backendRef string
}

// Options configures the manager.
type Options struct {
	Backend Backend
	// MaxConcurrent bounds simultaneous sandboxes. Default 8.
	MaxConcurrent int64
	// RetainSnapshots is N in the keep-most-recent-N-per-sandbox policy.
	RetainSnapshots int
	// RetainWithin is M in the keep-at-most-M-hours policy.
	RetainWithin time.Duration
	// BlockOnCapacity: if true, Create blocks (bounded wait) at capacity
	// instead of failing fast with at_capacity.
	BlockOnCapacity bool
	WaitTimeout     time.Duration
}

// DefaultOptions returns the documented defaults: retain 3 snapshots, 24h
// retention window, concurrency cap 8, fail-fast at capacity.
func DefaultOptions() Options {
	return Options{MaxConcurrent: 8, RetainSnapshots: 3, RetainWithin: 24 * time.Hour, WaitTimeout: 5 * time.Second}
}

// SandboxManager provisions and supervises Sandboxes against a Backend.
type SandboxManager struct {
	opts Options
	sem  *semaphore.Weighted

	mu       sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewSandboxManager constructs a manager. A nil Backend is valid for
// callers who only need validation/bookkeeping in tests; Create/Execute
// against a nil backend fail with backend_unavailable.
func NewSandboxManager(opts Options) *SandboxManager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.RetainSnapshots <= 0 {
		opts.RetainSnapshots = 3
	}
	if opts.RetainWithin <= 0 {
		opts.RetainWithin = 24 * time.Hour
	}
	return &SandboxManager{
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		sandboxes: make(map[string]*Sandbox),
	}
}

func newErr(op string, kind coreerrors.Kind, msg string, err error) *coreerrors.Error {
	return coreerrors.New(component, op, kind, msg, err)
}

// Create provisions a new Sandbox, validating limits and applying the
// concurrency cap.
func (m *SandboxManager) Create(ctx context.Context, cfg Config) (*Sandbox, error) {
	if err := cfg.Limits.validate(); err != nil {
		return nil, err
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if m.opts.Backend == nil {
		return nil, newErr("Create", coreerrors.KindBackendUnavailable, "no sandbox backend configured", nil)
	}

	if m.opts.BlockOnCapacity {
		waitCtx := ctx
		var cancel context.CancelFunc
		if m.opts.WaitTimeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, m.opts.WaitTimeout)
			defer cancel()
		}
		if err := m.sem.Acquire(waitCtx, 1); err != nil {
			return nil, newErr("Create", coreerrors.KindAtCapacity, "timed out waiting for sandbox capacity", err)
		}
	} else {
		if !m.sem.TryAcquire(1) {
			return nil, newErr("Create", coreerrors.KindAtCapacity, "sandbox manager at capacity", nil)
		}
	}

	handle, err := m.opts.Backend.Allocate(ctx, cfg.Limits)
	if err != nil {
		m.sem.Release(1)
		return nil, newErr("Create", coreerrors.KindResourceExhausted, "backend failed to allocate sandbox", err)
	}

	sb := &Sandbox{ID: uuid.NewString(), State: StateReady, Config: cfg, handle: handle}
	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	m.mu.Unlock()
	return sb, nil
}

// Execute runs command under sb's limits, sampling resource usage at
// cfg.SampleInterval and preemptively terminating on breach. onBreach, if
// non-nil, is called with the breach kind before the failure return.
func (m *SandboxManager) Execute(ctx context.Context, sb *Sandbox, command []string, inputFiles map[string][]byte, onBreach func(kind coreerrors.Kind)) (ExecutionResult, error) {
	sb.mu.Lock()
	if sb.State == StateDestroyed {
		sb.mu.Unlock()
		return ExecutionResult{}, newErr("Execute", coreerrors.KindNotFound, fmt.Sprintf("sandbox %q destroyed", sb.ID), nil)
	}
	sb.State = StateExecuting
	handle := sb.handle
	sb.mu.Unlock()
	defer func() {
		sb.mu.Lock()
		if sb.State == StateExecuting {
			sb.State = StateReady
		}
		sb.mu.Unlock()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if sb.Config.Limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, sb.Config.Limits.Timeout)
		defer cancel()
	}

	monitorCtx, stopMonitor := context.WithCancel(runCtx)
	defer stopMonitor()
	breachCh := make(chan coreerrors.Kind, 1)
	go m.monitor(monitorCtx, sb, handle, breachCh)

	resultCh := make(chan execOutcome, 1)
	go func() {
		res, err := m.opts.Backend.Run(runCtx, handle, command, inputFiles)
		resultCh <- execOutcome{res: res, err: err}
	}()

	select {
	case kind := <-breachCh:
		if onBreach != nil {
			onBreach(kind)
		}
		return ExecutionResult{}, newErr("Execute", kind, "resource limit breached during execution", nil)
	case outcome := <-resultCh:
		if outcome.err != nil {
			return outcome.res, outcome.err
		}
		return outcome.res, nil
	case <-runCtx.Done():
		kind := coreerrors.KindCancelled
		if sb.Config.Limits.Timeout > 0 && ctx.Err() == nil {
			kind = coreerrors.KindTimeout
		}
		return ExecutionResult{}, newErr("Execute", kind, "execution did not complete before deadline", runCtx.Err())
	}
}

type execOutcome struct {
	res ExecutionResult
	err error
}

// monitor samples usage at Config.SampleInterval and reports the first
// detected breach kind on breachCh.
func (m *SandboxManager) monitor(ctx context.Context, sb *Sandbox, handle string, breachCh chan<- coreerrors.Kind) {
	interval := sb.Config.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usage, err := m.opts.Backend.Sample(ctx, handle)
			if err != nil {
				continue
			}
			if usage.MemoryBytes > sb.Config.Limits.MemoryBytes {
				select {
				case breachCh <- coreerrors.KindOOM:
				default:
				}
				return
			}
			if usage.DiskBytes > sb.Config.Limits.DiskBytes {
				select {
				case breachCh <- coreerrors.KindResourceExhausted:
				default:
				}
				return
			}
		}
	}
}

// Snapshot quiesces sb (State transitions to suspended for the duration of
// the capture, so a concurrent Execute sees a busy sandbox rather than a
// torn filesystem) and captures its filesystem, enforcing the retention
// policy (keep most-recent N, at most M hours old) by pruning afterward.
func (m *SandboxManager) Snapshot(ctx context.Context, sb *Sandbox) (Snapshot, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.State == StateDestroyed {
		return Snapshot{}, newErr("Snapshot", coreerrors.KindNotFound, fmt.Sprintf("sandbox %q destroyed", sb.ID), nil)
	}
	if sb.State == StateExecuting {
		return Snapshot{}, newErr("Snapshot", coreerrors.KindBadRequest, fmt.Sprintf("sandbox %q is executing, cannot quiesce for snapshot", sb.ID), nil)
	}
	resumeState := sb.State
	sb.State = StateSuspended
	defer func() { sb.State = resumeState }()

	ref, err := m.opts.Backend.Snapshot(ctx, sb.handle)
	if err != nil {
		return Snapshot{}, newErr("Snapshot", coreerrors.KindTransient, "backend snapshot failed", err)
	}

	snap := Snapshot{ID: uuid.NewString(), SandboxID: sb.ID, TakenAt: time.Now()}
	sb.snapshots = append(sb.snapshots, snapshotRecord{Snapshot: snap, backendRef: ref})
	m.pruneSnapshotsLocked(sb)
	return snap, nil
}

func (m *SandboxManager) pruneSnapshotsLocked(sb *Sandbox) {
	cutoff := time.Now().Add(-m.opts.RetainWithin)
	kept := make([]snapshotRecord, 0, len(sb.snapshots))
	for _, s := range sb.snapshots {
		if s.TakenAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].TakenAt.After(kept[j].TakenAt) })
	if len(kept) > m.opts.RetainSnapshots {
		kept = kept[:m.opts.RetainSnapshots]
	}
	sb.snapshots = kept
}

// Rollback restores sb's filesystem to snapshotID. If
// sb.Config.RollbackPolicy.BackupBeforeRollback is set, a safety snapshot
// of the current state is taken first.
func (m *SandboxManager) Rollback(ctx context.Context, sb *Sandbox, snapshotID string) error {
	sb.mu.Lock()
	if sb.State == StateDestroyed {
		sb.mu.Unlock()
		return newErr("Rollback", coreerrors.KindNotFound, fmt.Sprintf("sandbox %q destroyed", sb.ID), nil)
	}
	var ref string
	for _, s := range sb.snapshots {
		if s.ID == snapshotID {
			ref = s.backendRef
			break
		}
	}
	backupBefore := sb.Config.RollbackPolicy.BackupBeforeRollback
	sb.mu.Unlock()

	if ref == "" {
		return newErr("Rollback", coreerrors.KindNotFound, fmt.Sprintf("snapshot %q not found", snapshotID), nil)
	}

	if backupBefore {
		if _, err := m.Snapshot(ctx, sb); err != nil {
			return newErr("Rollback", coreerrors.KindTransient, "pre-rollback safety snapshot failed", err)
		}
	}

	if err := m.opts.Backend.Restore(ctx, sb.handle, ref); err != nil {
		return newErr("Rollback", coreerrors.KindTransient, "backend restore failed", err)
	}
	return nil
}

// AutoRollbackOnError consults sb's rollback policy; if err's kind matches
// a configured trigger, it rolls back to the most recent snapshot.
func (m *SandboxManager) AutoRollbackOnError(ctx context.Context, sb *Sandbox, err error) error {
	kind := coreerrors.KindOf(err)
	trigger, ok := triggerFor(kind)
	if !ok {
		return nil
	}

	sb.mu.Lock()
	matches := false
	for _, t := range sb.Config.RollbackPolicy.Triggers {
		if t == trigger {
			matches = true
			break
		}
	}
	var latest string
	if len(sb.snapshots) > 0 {
		// snapshots is kept sorted most-recent-first by pruneSnapshotsLocked.
		latest = sb.snapshots[0].ID
	}
	sb.mu.Unlock()

	if !matches || latest == "" {
		return nil
	}
	return m.Rollback(ctx, sb, latest)
}

func triggerFor(kind coreerrors.Kind) (RollbackTrigger, bool) {
	switch kind {
	case coreerrors.KindTimeout:
		return TriggerOnTimeout, true
	case coreerrors.KindOOM:
		return TriggerOnOOM, true
	case coreerrors.KindTransient, coreerrors.KindBadRequest, coreerrors.KindResourceExhausted:
		return TriggerOnError, true
	default:
		return "", false
	}
}

// Destroy terminates sb and reclaims its capacity slot. Idempotent.
func (m *SandboxManager) Destroy(ctx context.Context, sb *Sandbox) error {
	sb.mu.Lock()
	if sb.State == StateDestroyed {
		sb.mu.Unlock()
		return nil
	}
	sb.State = StateDestroyed
	handle := sb.handle
	sb.mu.Unlock()

	if m.opts.Backend != nil {
		_ = m.opts.Backend.Release(ctx, handle)
	}
	m.sem.Release(1)

	m.mu.Lock()
	delete(m.sandboxes, sb.ID)
	m.mu.Unlock()
	return nil
}

// Get returns a live sandbox by id.
func (m *SandboxManager) Get(id string) (*Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	return sb, ok
}
