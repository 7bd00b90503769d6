package groupcollab

import (
	"context"
	"testing"
	"time"

	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/reviewgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedMember replays a fixed Response per round (1-indexed); the last
// entry repeats for any round beyond len(script).
type scriptedMember struct {
	name   string
	script []Response
}

func (m *scriptedMember) Name() string { return m.name }

func (m *scriptedMember) Respond(ctx context.Context, transcript []Message, goal string) (Response, error) {
	idx := len(m.script) - 1
	round := 0
	for _, msg := range transcript {
		if msg.Member == m.name {
			round++
		}
	}
	if round < len(m.script) {
		idx = round
	}
	return m.script[idx], nil
}

func TestGroupCollaborationEngine_ReachesConsensusOnAgreement(t *testing.T) {
	proposer := &scriptedMember{name: "alice", script: []Response{
		{Performative: PerformativePropose, Content: "ship v2", ProposalID: "p1"},
	}}
	agreer1 := &scriptedMember{name: "bob", script: []Response{
		{Performative: PerformativeAgree, ProposalID: "p1"},
	}}
	agreer2 := &scriptedMember{name: "carol", script: []Response{
		{Performative: PerformativeAgree, ProposalID: "p1"},
	}}

	engine := New(Options{})
	cfg := Config{
		Name: "planning", Pattern: RoutingBroadcast,
		Members:            []Member{proposer, agreer1, agreer2},
		ConsensusThreshold: 0.66,
		MaxRounds:          3,
	}

	session, err := engine.Collaborate(context.Background(), cfg, "decide the release plan", "corr-g1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, session.Status())
	assert.Equal(t, "ship v2", session.Consensus)
	assert.Equal(t, 1, session.Rounds)
}

func TestGroupCollaborationEngine_NoConsensusStopsAtMaxRounds(t *testing.T) {
	proposer := &scriptedMember{name: "alice", script: []Response{
		{Performative: PerformativePropose, Content: "ship v2", ProposalID: "p1"},
	}}
	dissenter := &scriptedMember{name: "bob", script: []Response{
		{Performative: PerformativeDisagree, ProposalID: "p1"},
	}}

	engine := New(Options{})
	cfg := Config{
		Name: "planning", Pattern: RoutingBroadcast,
		Members:            []Member{proposer, dissenter},
		ConsensusThreshold: 0.99,
		MaxRounds:          2,
	}

	session, err := engine.Collaborate(context.Background(), cfg, "decide the release plan", "corr-g2")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, session.Status())
	assert.Empty(t, session.Consensus)
	assert.Equal(t, 2, session.Rounds)
}

func TestGroupCollaborationEngine_EarlierProposalWinsTie(t *testing.T) {
	proposerA := &scriptedMember{name: "alice", script: []Response{
		{Performative: PerformativePropose, Content: "plan A", ProposalID: "pA"},
	}}
	proposerB := &scriptedMember{name: "bob", script: []Response{
		{Performative: PerformativePropose, Content: "plan B", ProposalID: "pB"},
	}}
	// each proposer implicitly agrees with their own proposal only; tie at
	// 1 agreement apiece, so the earlier proposal (alice, posted first in
	// round order) must win per the documented tie-break.
	engine := New(Options{})
	cfg := Config{
		Name: "tie", Pattern: RoutingBroadcast,
		Members:            []Member{proposerA, proposerB},
		ConsensusThreshold: 0.5,
		MaxRounds:          1,
	}

	session, err := engine.Collaborate(context.Background(), cfg, "pick a plan", "corr-g3")
	require.NoError(t, err)
	assert.Equal(t, "plan A", session.Consensus)
}

func TestGroupCollaborationEngine_CancellationEndsSessionImmediately(t *testing.T) {
	slow := &scriptedMember{name: "alice", script: []Response{{Performative: PerformativeInform, Content: "thinking"}}}
	engine := New(Options{})
	cfg := Config{
		Name: "slow", Pattern: RoutingBroadcast,
		Members: []Member{slow}, ConsensusThreshold: 0.5, MaxRounds: 5,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := engine.Collaborate(ctx, cfg, "goal", "corr-g4")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindCancelled, coreerrors.KindOf(err))
	assert.Equal(t, SessionCancelled, session.Status())
}

// slowMember sleeps sleepFor before replying, or returns early if ctx ends
// first, so a deadline can be observed firing mid-round.
type slowMember struct {
	name     string
	sleepFor time.Duration
	resp     Response
}

func (m *slowMember) Name() string { return m.name }

func (m *slowMember) Respond(ctx context.Context, transcript []Message, goal string) (Response, error) {
	select {
	case <-time.After(m.sleepFor):
		return m.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func TestGroupCollaborationEngine_DeadlineProducesSessionTimeoutStatus(t *testing.T) {
	slow := &slowMember{name: "alice", sleepFor: time.Second, resp: Response{Performative: PerformativeInform}}
	engine := New(Options{})
	cfg := Config{
		Name: "slow-group", Pattern: RoutingBroadcast,
		Members: []Member{slow}, ConsensusThreshold: 0.5, MaxRounds: 5,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	session, err := engine.Collaborate(ctx, cfg, "goal", "corr-g9")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindTimeout, coreerrors.KindOf(err))
	assert.Equal(t, SessionTimeout, session.Status())
}

func TestGroupCollaborationEngine_RequiresApprovalWaitsOnReviewGate(t *testing.T) {
	proposer := &scriptedMember{name: "alice", script: []Response{
		{Performative: PerformativePropose, Content: "ship v2", ProposalID: "p1"},
	}}
	agreer := &scriptedMember{name: "bob", script: []Response{
		{Performative: PerformativeAgree, ProposalID: "p1"},
	}}

	reviews := reviewgate.NewReviewGate(reviewgate.DefaultOptions())
	engine := New(Options{Reviews: reviews, ApprovalTimeout: time.Second})
	cfg := Config{
		Name: "gated", Pattern: RoutingBroadcast,
		Members:            []Member{proposer, agreer},
		ConsensusThreshold: 0.5,
		MaxRounds:          1,
		RequiresApproval:   true,
	}

	var session *GroupSession
	var engineErr error
	done := make(chan struct{})
	go func() {
		session, engineErr = engine.Collaborate(context.Background(), cfg, "decide", "corr-g10")
		close(done)
	}()

	// poll briefly for the reviewer to see a pending request, then approve it
	var reqID string
	require.Eventually(t, func() bool {
		for _, req := range reviews.Requests() {
			reqID = req.ID
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, reviews.Approve(reqID, "reviewer-1", "looks good"))

	<-done
	require.NoError(t, engineErr)
	assert.Equal(t, SessionCompleted, session.Status())
	assert.Equal(t, "ship v2", session.Consensus)
}

func TestGroupCollaborationEngine_CoordinatorPatternSelectsSubset(t *testing.T) {
	coordinator := &coordinatorMember{scriptedMember: scriptedMember{name: "lead", script: []Response{
		{Performative: PerformativeRequest, Content: "alice, weigh in"},
	}}, selected: []string{"alice"}}
	alice := &scriptedMember{name: "alice", script: []Response{
		{Performative: PerformativePropose, Content: "go with plan A", ProposalID: "p1"},
	}}
	bob := &scriptedMember{name: "bob", script: []Response{
		{Performative: PerformativeAgree, ProposalID: "p1"},
	}}

	engine := New(Options{})
	cfg := Config{
		Name: "coordinated", Pattern: RoutingCoordinator,
		Members: []Member{alice, bob}, Coordinator: coordinator,
		ConsensusThreshold: 0.9, MaxRounds: 1,
	}

	session, err := engine.Collaborate(context.Background(), cfg, "goal", "corr-g5")
	require.NoError(t, err)

	var bobSpoke bool
	for _, m := range session.Messages {
		if m.Member == "bob" {
			bobSpoke = true
		}
	}
	assert.False(t, bobSpoke, "bob was never selected by the coordinator and must not speak")
}

type coordinatorMember struct {
	scriptedMember
	selected []string
}

func (c *coordinatorMember) Select(ctx context.Context, transcript []Message) ([]string, error) {
	return c.selected, nil
}

func TestAdapter_CollaborateReturnsConsensus(t *testing.T) {
	proposer := &scriptedMember{name: "alice", script: []Response{
		{Performative: PerformativePropose, Content: "ship it", ProposalID: "p1"},
	}}
	agreer := &scriptedMember{name: "bob", script: []Response{
		{Performative: PerformativeAgree, ProposalID: "p1"},
	}}

	engine := New(Options{})
	adapter := &Adapter{Engine: engine, Groups: map[string]Config{
		"release": {Name: "release", Pattern: RoutingBroadcast, Members: []Member{proposer, agreer},
			ConsensusThreshold: 0.5, MaxRounds: 1},
	}}

	consensus, err := adapter.Collaborate(context.Background(), "release", "ship it?", "corr-g6")
	require.NoError(t, err)
	assert.Equal(t, "ship it", consensus)
}

func TestAdapter_CollaborateUnknownGroupFailsNotFound(t *testing.T) {
	adapter := &Adapter{Engine: New(Options{}), Groups: map[string]Config{}}
	_, err := adapter.Collaborate(context.Background(), "ghost", "goal", "corr-g7")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindNotFound, coreerrors.KindOf(err))
}
