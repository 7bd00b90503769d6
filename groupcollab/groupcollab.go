// Package groupcollab runs bounded multi-agent conversations to consensus
// or a round limit (spec.md §4.6). It has no direct teacher analog — hector's
// team package runs a single DAG/autonomous workflow over many agents, not a
// round-based conversation with consensus detection — so the shape here is
// adapted from team.Team's SharedState (mutex-guarded maps plus an
// append-only History) and its *TeamError pattern, reworked into
// GroupSession's append-only Messages and coreerrors-classified failures.
package groupcollab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hector-engine/core/coreerrors"
	"github.com/hector-engine/core/eventbus"
	"github.com/hector-engine/core/reviewgate"
	"github.com/hector-engine/core/utils"
)

const component = "GroupCollaborationEngine"

// RoutingPattern selects how members are solicited each round, per §4.6.
type RoutingPattern string

const (
	RoutingPeerToPeer  RoutingPattern = "peer_to_peer"
	RoutingBroadcast   RoutingPattern = "broadcast"
	RoutingCoordinator RoutingPattern = "coordinator"
)

// Performative is a FIPA-inspired message type. The engine preserves it for
// consensus detection only; content is otherwise opaque to the engine.
type Performative string

const (
	PerformativeInform   Performative = "inform"
	PerformativeRequest  Performative = "request"
	PerformativePropose  Performative = "propose"
	PerformativeAgree    Performative = "agree"
	PerformativeDisagree Performative = "disagree"
	PerformativeQuery    Performative = "query"
	PerformativeConfirm  Performative = "confirm"
	PerformativeRefuse   Performative = "refuse"
)

// stanceBearing is the set of performatives that carry a consensus-relevant
// stance, per §4.6 ("the member's most recent AGREE/DISAGREE/PROPOSE/CONFIRM
// message").
func stanceBearing(p Performative) bool {
	switch p {
	case PerformativeAgree, PerformativeDisagree, PerformativePropose, PerformativeConfirm:
		return true
	default:
		return false
	}
}

// SessionStatus is a GroupSession's lifecycle state.
type SessionStatus string

const (
	SessionActive           SessionStatus = "active"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionCompleted        SessionStatus = "completed"
	SessionCancelled        SessionStatus = "cancelled"
	SessionTimeout          SessionStatus = "timeout"
)

// classifyCtxErr mirrors workflowengine/scheduler.go's classifyCtxErr,
// distinguishing a deadline timeout from an externally cancelled context.
func classifyCtxErr(err error) (SessionStatus, coreerrors.Kind) {
	if errors.Is(err, context.DeadlineExceeded) {
		return SessionTimeout, coreerrors.KindTimeout
	}
	return SessionCancelled, coreerrors.KindCancelled
}

// Message is one append-only entry in a GroupSession's transcript.
type Message struct {
	ID           string
	Round        int
	Member       string
	Performative Performative
	Content      string
	// ProposalID identifies which proposal an agree/confirm/disagree
	// targets; a propose message's own ProposalID names itself.
	ProposalID string
	Addressees []string
	Timestamp  time.Time
}

// Response is what a Member returns for one round; the engine stamps ID,
// Round, Member, and Timestamp.
type Response struct {
	Performative Performative
	Content      string
	ProposalID   string
	Addressees   []string
}

// Member is one conversational participant.
type Member interface {
	Name() string
	Respond(ctx context.Context, transcript []Message, goal string) (Response, error)
}

// Coordinator additionally selects which members respond in a given round,
// for the coordinator routing pattern.
type Coordinator interface {
	Member
	Select(ctx context.Context, transcript []Message) ([]string, error)
}

// Config describes one collaboration group.
type Config struct {
	Name               string
	Pattern            RoutingPattern
	Members            []Member
	Coordinator        Coordinator // required when Pattern == RoutingCoordinator
	ConsensusThreshold float64     // e.g. 0.66
	MaxRounds          int

	// RequiresApproval gates the winning consensus candidate behind a
	// ReviewGate request before the session is allowed to complete,
	// mirroring workflowengine's per-step RequiresApproval. Ignored if
	// Options.Reviews is nil.
	RequiresApproval bool
}

func (c Config) validate() error {
	if c.Name == "" {
		return newErr("Collaborate", coreerrors.KindInvalidGroup, "group name is required", nil)
	}
	if len(c.Members) == 0 {
		return newErr("Collaborate", coreerrors.KindInvalidGroup, "group must declare at least one member", nil)
	}
	if c.Pattern == RoutingCoordinator && c.Coordinator == nil {
		return newErr("Collaborate", coreerrors.KindInvalidGroup, "coordinator pattern requires a Coordinator", nil)
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		return newErr("Collaborate", coreerrors.KindInvalidGroup, "consensus_threshold must be in (0,1]", nil)
	}
	if c.MaxRounds <= 0 {
		return newErr("Collaborate", coreerrors.KindInvalidGroup, "max_rounds must be positive", nil)
	}
	return nil
}

// GroupSession is one bounded conversation's mutable state, mirroring
// team.SharedState's mutex-guarded-map-plus-append-only-history shape.
type GroupSession struct {
	ID            string
	GroupName     string
	Goal          string
	CorrelationID string

	mu        sync.RWMutex
	status    SessionStatus
	Messages  []Message
	Consensus string
	Rounds    int
	started   time.Time
	ended     time.Time
}

func newSession(groupName, goal, correlationID string) *GroupSession {
	return &GroupSession{
		ID: utils.NewULID(), GroupName: groupName, Goal: goal, CorrelationID: correlationID,
		status: SessionActive, started: time.Now(),
	}
}

func (s *GroupSession) appendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, m)
}

func (s *GroupSession) transcript() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

func (s *GroupSession) setStatus(status, consensus string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = SessionStatus(status)
	s.Consensus = consensus
	s.ended = time.Now()
}

// Status returns the session's current lifecycle state.
func (s *GroupSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func newErr(op string, kind coreerrors.Kind, msg string, err error) *coreerrors.Error {
	return coreerrors.New(component, op, kind, msg, err)
}

// Options bundles the engine's observability and approval dependencies.
type Options struct {
	Events *eventbus.EventBus
	// Reviews, if set, backs Config.RequiresApproval's consensus gate.
	Reviews *reviewgate.ReviewGate
	// ApprovalTimeout bounds how long a RequiresApproval session waits
	// before its pending review is treated as expired/rejected.
	ApprovalTimeout time.Duration
}

// GroupCollaborationEngine runs Collaborate sessions against Options.
type GroupCollaborationEngine struct {
	opts Options
}

// New constructs a GroupCollaborationEngine.
func New(opts Options) *GroupCollaborationEngine {
	return &GroupCollaborationEngine{opts: opts}
}

func (e *GroupCollaborationEngine) publish(kind eventbus.Kind, correlationID string, payload interface{}) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Publish(eventbus.Event{Kind: kind, CorrelationID: correlationID, Payload: payload})
}

// Collaborate runs cfg's group to consensus or cfg.MaxRounds, per §4.6.
func (e *GroupCollaborationEngine) Collaborate(ctx context.Context, cfg Config, goal, correlationID string) (*GroupSession, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	session := newSession(cfg.Name, goal, correlationID)
	e.publish(eventbus.KindGroupSessionStarted, correlationID, map[string]interface{}{"group": cfg.Name})

	for round := 1; round <= cfg.MaxRounds; round++ {
		select {
		case <-ctx.Done():
			status, kind := classifyCtxErr(ctx.Err())
			session.setStatus(string(status), "")
			e.publish(eventbus.KindGroupSessionEnded, correlationID, map[string]interface{}{"group": cfg.Name, "status": string(status)})
			return session, newErr("Collaborate", kind, "group session "+string(status), ctx.Err())
		default:
		}

		if err := e.runRound(ctx, session, cfg, round); err != nil {
			status := SessionCancelled
			if ctxErr := ctx.Err(); ctxErr != nil {
				var kind coreerrors.Kind
				status, kind = classifyCtxErr(ctxErr)
				err = newErr("Collaborate", kind, "group session "+string(status), err)
			} else if coreerrors.KindOf(err) == coreerrors.KindTimeout {
				status = SessionTimeout
			}
			session.setStatus(string(status), "")
			e.publish(eventbus.KindGroupSessionEnded, correlationID, map[string]interface{}{"group": cfg.Name, "status": string(status)})
			return session, err
		}

		session.mu.Lock()
		session.Rounds = round
		session.mu.Unlock()

		leadingID, leadingContent, ratio := tallyConsensus(session.transcript(), len(cfg.Members))
		if ratio >= cfg.ConsensusThreshold && leadingID != "" {
			if cfg.RequiresApproval && e.opts.Reviews != nil {
				approved, err := e.awaitApproval(ctx, session, cfg, leadingContent)
				if err != nil {
					session.setStatus(string(SessionCancelled), "")
					e.publish(eventbus.KindGroupSessionEnded, correlationID, map[string]interface{}{"group": cfg.Name, "status": "cancelled"})
					return session, err
				}
				if !approved {
					session.setStatus(string(SessionCancelled), "")
					e.publish(eventbus.KindGroupSessionEnded, correlationID, map[string]interface{}{"group": cfg.Name, "status": "cancelled"})
					return session, newErr("Collaborate", coreerrors.KindPolicyDenied, "consensus rejected by reviewer", nil)
				}
			}
			session.setStatus(string(SessionCompleted), leadingContent)
			e.publish(eventbus.KindGroupConsensus, correlationID, map[string]interface{}{"group": cfg.Name, "consensus": leadingContent})
			e.publish(eventbus.KindGroupSessionEnded, correlationID, map[string]interface{}{"group": cfg.Name, "status": "completed"})
			return session, nil
		}
	}

	session.setStatus(string(SessionCompleted), "")
	e.publish(eventbus.KindGroupSessionEnded, correlationID, map[string]interface{}{"group": cfg.Name, "status": "completed_no_consensus"})
	return session, nil
}

// runRound solicits responses for one round per cfg.Pattern and appends them
// to session, strictly preserving append order (round N precedes N+1, per
// §5's group-session ordering guarantee).
func (e *GroupCollaborationEngine) runRound(ctx context.Context, session *GroupSession, cfg Config, round int) error {
	switch cfg.Pattern {
	case RoutingCoordinator:
		return e.runCoordinatorRound(ctx, session, cfg, round)
	default: // peer_to_peer and broadcast solicit every member, in declared order
		for _, m := range cfg.Members {
			select {
			case <-ctx.Done():
				_, kind := classifyCtxErr(ctx.Err())
				return newErr("Collaborate", kind, "round cancelled", ctx.Err())
			default:
			}
			resp, err := m.Respond(ctx, session.transcript(), session.Goal)
			if err != nil {
				return newErr("Collaborate", coreerrors.KindOf(err), "member respond failed", err)
			}
			msg := Message{
				ID: utils.NewULID(), Round: round, Member: m.Name(),
				Performative: resp.Performative, Content: resp.Content,
				ProposalID: resp.ProposalID, Addressees: resp.Addressees, Timestamp: time.Now(),
			}
			session.appendMessage(msg)
			e.publish(eventbus.KindGroupMessagePosted, session.CorrelationID,
				map[string]interface{}{"group": cfg.Name, "member": m.Name(), "performative": string(resp.Performative)})
		}
		return nil
	}
}

// awaitApproval pauses a session at SessionAwaitingApproval while a human
// reviewer signs off on the leading consensus candidate, mirroring
// workflowengine's per-step RequiresApproval gate.
func (e *GroupCollaborationEngine) awaitApproval(ctx context.Context, session *GroupSession, cfg Config, consensusContent string) (bool, error) {
	session.setStatus(string(SessionAwaitingApproval), "")

	ttl := e.opts.ApprovalTimeout
	if ttl <= 0 {
		ttl = time.Hour
	}
	req, err := e.opts.Reviews.Request(session.ID, "group_consensus", consensusContent, cfg.Name, reviewgate.Policy{}, ttl)
	if err != nil {
		return false, newErr("Collaborate", coreerrors.KindPolicyDenied, "consensus approval request failed", err)
	}
	decision, err := e.opts.Reviews.WaitFor(ctx, req.ID, time.Now().Add(ttl))
	if err != nil {
		return false, newErr("Collaborate", coreerrors.KindOf(err), "consensus approval wait failed", err)
	}
	return decision.State == reviewgate.StateApproved, nil
}

// runCoordinatorRound invokes the coordinator for a directive, then only the
// members it selects, in the order Select returns them (unknown names are
// skipped). The coordinator and every selected member read the full
// transcript so far, including earlier responses in the same round.
func (e *GroupCollaborationEngine) runCoordinatorRound(ctx context.Context, session *GroupSession, cfg Config, round int) error {
	directive, err := cfg.Coordinator.Respond(ctx, session.transcript(), session.Goal)
	if err != nil {
		return newErr("Collaborate", coreerrors.KindOf(err), "coordinator directive failed", err)
	}
	session.appendMessage(Message{
		ID: utils.NewULID(), Round: round, Member: cfg.Coordinator.Name(),
		Performative: directive.Performative, Content: directive.Content,
		ProposalID: directive.ProposalID, Timestamp: time.Now(),
	})
	e.publish(eventbus.KindGroupMessagePosted, session.CorrelationID,
		map[string]interface{}{"group": cfg.Name, "member": cfg.Coordinator.Name(), "performative": string(directive.Performative)})

	selected, err := cfg.Coordinator.Select(ctx, session.transcript())
	if err != nil {
		return newErr("Collaborate", coreerrors.KindOf(err), "coordinator select failed", err)
	}
	byName := make(map[string]Member, len(cfg.Members))
	for _, m := range cfg.Members {
		byName[m.Name()] = m
	}

	for _, name := range selected {
		member, ok := byName[name]
		if !ok {
			continue
		}
		resp, err := member.Respond(ctx, session.transcript(), session.Goal)
		if err != nil {
			return newErr("Collaborate", coreerrors.KindOf(err), "member respond failed", err)
		}
		session.appendMessage(Message{
			ID: utils.NewULID(), Round: round, Member: name,
			Performative: resp.Performative, Content: resp.Content,
			ProposalID: resp.ProposalID, Addressees: resp.Addressees, Timestamp: time.Now(),
		})
		e.publish(eventbus.KindGroupMessagePosted, session.CorrelationID,
			map[string]interface{}{"group": cfg.Name, "member": name, "performative": string(resp.Performative)})
	}
	return nil
}

// proposal tracks one PROPOSE message's ordering for the earlier-proposal-
// wins tie-break (§9 Open Question).
type proposal struct {
	content string
	round   int
	order   int
}

// tallyConsensus computes the leading proposal and its agreement ratio over
// the transcript so far, per §4.6's consensus-detection algorithm.
func tallyConsensus(transcript []Message, totalMembers int) (leadingID, leadingContent string, ratio float64) {
	proposals := make(map[string]proposal)
	latestStance := make(map[string]Message) // member -> their latest stance-bearing message

	for i, m := range transcript {
		if m.Performative == PerformativePropose && m.ProposalID != "" {
			if _, exists := proposals[m.ProposalID]; !exists {
				proposals[m.ProposalID] = proposal{content: m.Content, round: m.Round, order: i}
			}
		}
		if stanceBearing(m.Performative) {
			latestStance[m.Member] = m
		}
	}

	agreeCount := make(map[string]int)
	for _, stance := range latestStance {
		switch stance.Performative {
		case PerformativePropose:
			// a proposer's own latest stance, absent a later change, is
			// implicit agreement with their own proposal.
			if stance.ProposalID != "" {
				agreeCount[stance.ProposalID]++
			}
		case PerformativeAgree, PerformativeConfirm:
			// AGREE and CONFIRM on the same proposal are equivalent (§4.6).
			if stance.ProposalID != "" {
				agreeCount[stance.ProposalID]++
			}
		case PerformativeDisagree:
			// contributes no agreement; member has an explicit non-stance.
		}
	}

	var bestID string
	var best proposal
	bestCount := -1
	for id, p := range proposals {
		count := agreeCount[id]
		if count > bestCount ||
			(count == bestCount && (p.round < best.round || (p.round == best.round && p.order < best.order))) {
			bestCount, bestID, best = count, id, p
		}
	}
	if bestID == "" {
		return "", "", 0
	}
	if totalMembers == 0 {
		return bestID, best.content, 0
	}
	return bestID, best.content, float64(bestCount) / float64(totalMembers)
}
