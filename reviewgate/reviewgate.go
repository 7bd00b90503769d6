// Package reviewgate implements the human-approval checkpoint of
// spec.md §4.9: Request creates a pending ReviewRequest, Approve/Reject
// record decisions, and WaitFor blocks the caller until a decision or a
// deadline, grounded on the same channel-signaled wait pattern used for
// cancellation throughout the teacher's agent turn loop
// (select { case <-ctx.Done(): ... }).
package reviewgate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hector-engine/core/coreerrors"
	"github.com/oklog/ulid/v2"
)

const component = "ReviewGate"

// State is a ReviewRequest's lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Decision is WaitFor's outcome.
type Decision struct {
	State   State
	Reason  string
}

// Policy controls how a Request is evaluated.
type Policy struct {
	MinApprovals     int
	Reviewers        []string
	AutoApproveLowRisk bool
}

// Request is one artifact submitted for approval.
type Request struct {
	ID           string
	ArtifactID   string
	ArtifactKind string
	Content      string
	Creator      string
	Reviewers    []string
	MinApprovals int
	State        State
	CreatedAt    time.Time
	ExpiresAt    time.Time

	approvals map[string]string // reviewer -> comment
	rejected  bool
	decisionCh chan struct{}
	decided    bool
}

// defaultHighRiskPatterns implements §4.9's default high-risk detection:
// write-class filesystem ops outside a project sub-tree, destructive shell
// verbs, and credential/secret file touches.
var defaultHighRiskPatterns = []string{
	"rm -rf", "rm -r", "DROP TABLE", "DROP DATABASE", ":(){ :|:& };:",
	"/etc/passwd", "/etc/shadow", ".ssh/id_rsa", ".aws/credentials", ".env",
}

// Options configures a gate.
type Options struct {
	HighRiskPatterns []string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{HighRiskPatterns: defaultHighRiskPatterns}
}

// ReviewGate tracks in-flight ReviewRequests.
type ReviewGate struct {
	opts Options

	mu       sync.Mutex
	requests map[string]*Request
}

// NewReviewGate constructs a gate.
func NewReviewGate(opts Options) *ReviewGate {
	if len(opts.HighRiskPatterns) == 0 {
		opts.HighRiskPatterns = defaultHighRiskPatterns
	}
	return &ReviewGate{opts: opts, requests: make(map[string]*Request)}
}

func newErr(op string, kind coreerrors.Kind, msg string, err error) *coreerrors.Error {
	return coreerrors.New(component, op, kind, msg, err)
}

// Request creates a pending ReviewRequest. If policy.AutoApproveLowRisk is
// true and content matches no high-risk pattern, the request is created
// already approved.
func (g *ReviewGate) Request(artifactID, artifactKind, content, creator string, policy Policy, ttl time.Duration) (*Request, error) {
	minApprovals := policy.MinApprovals
	if minApprovals <= 0 {
		minApprovals = 1
	}

	req := &Request{
		ID:           ulid.Make().String(),
		ArtifactID:   artifactID,
		ArtifactKind: artifactKind,
		Content:      content,
		Creator:      creator,
		Reviewers:    policy.Reviewers,
		MinApprovals: minApprovals,
		State:        StatePending,
		CreatedAt:    time.Now(),
		approvals:    make(map[string]string),
		decisionCh:   make(chan struct{}),
	}
	if ttl > 0 {
		req.ExpiresAt = req.CreatedAt.Add(ttl)
	}

	if policy.AutoApproveLowRisk && !g.isHighRisk(content) {
		req.State = StateApproved
		req.decided = true
		close(req.decisionCh)
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()

	return req, nil
}

func (g *ReviewGate) isHighRisk(content string) bool {
	lower := strings.ToLower(content)
	for _, pattern := range g.opts.HighRiskPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// Approve records reviewer's approval. Once MinApprovals is reached, the
// request transitions to approved and all waiters are signaled.
func (g *ReviewGate) Approve(reviewID, reviewer, comment string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[reviewID]
	if !ok {
		return newErr("Approve", coreerrors.KindNotFound, "review request not found", nil)
	}
	if req.decided {
		return nil
	}

	req.approvals[reviewer] = comment
	if len(req.approvals) >= req.MinApprovals {
		req.State = StateApproved
		req.decided = true
		close(req.decisionCh)
	}
	return nil
}

// Reject records a rejection; any single rejection ends the request.
func (g *ReviewGate) Reject(reviewID, reviewer, comment string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[reviewID]
	if !ok {
		return newErr("Reject", coreerrors.KindNotFound, "review request not found", nil)
	}
	if req.decided {
		return nil
	}

	req.rejected = true
	req.State = StateRejected
	req.decided = true
	close(req.decisionCh)
	return nil
}

// WaitFor blocks until reviewID resolves, ctx is cancelled, or deadline
// passes (whichever first). On deadline the request is marked expired and
// treated as a rejection, per §4.9.
func (g *ReviewGate) WaitFor(ctx context.Context, reviewID string, deadline time.Time) (Decision, error) {
	g.mu.Lock()
	req, ok := g.requests[reviewID]
	g.mu.Unlock()
	if !ok {
		return Decision{}, newErr("WaitFor", coreerrors.KindNotFound, "review request not found", nil)
	}

	var timer *time.Timer
	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return g.expire(req)
		}
		timer = time.NewTimer(d)
		timerCh = timer.C
		defer timer.Stop()
	}

	select {
	case <-req.decisionCh:
		return g.decisionOf(req), nil
	case <-timerCh:
		return g.expire(req)
	case <-ctx.Done():
		return Decision{}, newErr("WaitFor", coreerrors.KindCancelled, "wait cancelled", ctx.Err())
	}
}

func (g *ReviewGate) expire(req *Request) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !req.decided {
		req.State = StateExpired
		req.decided = true
		close(req.decisionCh)
	}
	return Decision{State: StateExpired, Reason: "deadline exceeded, treated as rejection"}, nil
}

func (g *ReviewGate) decisionOf(req *Request) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Decision{State: req.State}
}

// Get returns the current snapshot of a request.
func (g *ReviewGate) Get(reviewID string) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[reviewID]
	return req, ok
}

// Requests returns a snapshot of every request still pending decision, for
// callers (reviewer UIs, tests) that need to discover a request without
// already knowing its ID.
func (g *ReviewGate) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending := make([]Request, 0, len(g.requests))
	for _, req := range g.requests {
		if req.State == StatePending {
			pending = append(pending, *req)
		}
	}
	return pending
}
