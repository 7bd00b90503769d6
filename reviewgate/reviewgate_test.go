package reviewgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReviewGate_AutoApproveLowRisk(t *testing.T) {
	g := NewReviewGate(DefaultOptions())
	req, err := g.Request("artifact-1", "file", "echo hello", "alice",
		Policy{AutoApproveLowRisk: true}, 0)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, req.State)
}

func TestReviewGate_HighRiskRequiresApproval(t *testing.T) {
	g := NewReviewGate(DefaultOptions())
	req, err := g.Request("artifact-2", "shell", "rm -rf /data", "alice",
		Policy{AutoApproveLowRisk: true, MinApprovals: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatePending, req.State)

	require.NoError(t, g.Approve(req.ID, "bob", "looks fine"))

	decision, err := g.WaitFor(context.Background(), req.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, decision.State)
}

func TestReviewGate_Reject(t *testing.T) {
	g := NewReviewGate(DefaultOptions())
	req, err := g.Request("artifact-3", "shell", "rm -rf /data", "alice", Policy{}, 0)
	require.NoError(t, err)

	require.NoError(t, g.Reject(req.ID, "bob", "too risky"))

	decision, err := g.WaitFor(context.Background(), req.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, decision.State)
}

func TestReviewGate_WaitForDeadlineExpiresAsRejection(t *testing.T) {
	g := NewReviewGate(DefaultOptions())
	req, err := g.Request("artifact-4", "shell", "rm -rf /data", "alice", Policy{}, 0)
	require.NoError(t, err)

	decision, err := g.WaitFor(context.Background(), req.ID, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, StateExpired, decision.State)
}

func TestReviewGate_WaitForRespectsCancellation(t *testing.T) {
	g := NewReviewGate(DefaultOptions())
	req, err := g.Request("artifact-5", "shell", "rm -rf /data", "alice", Policy{}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = g.WaitFor(ctx, req.ID, time.Time{})
	require.Error(t, err)
}

func TestReviewGate_MinApprovalsThreshold(t *testing.T) {
	g := NewReviewGate(DefaultOptions())
	req, err := g.Request("artifact-6", "shell", "rm -rf /data", "alice",
		Policy{MinApprovals: 2}, 0)
	require.NoError(t, err)

	require.NoError(t, g.Approve(req.ID, "bob", ""))
	got, _ := g.Get(req.ID)
	assert.Equal(t, StatePending, got.State)

	require.NoError(t, g.Approve(req.ID, "carol", ""))
	got, _ = g.Get(req.ID)
	assert.Equal(t, StateApproved, got.State)
}
