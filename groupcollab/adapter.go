package groupcollab

import (
	"context"

	"github.com/hector-engine/core/coreerrors"
)

// Adapter satisfies workflowengine.GroupCollaborator's narrow
// Collaborate(ctx, groupName, goal, correlationID) (string, error) signature
// against a named registry of Configs, so a `group`-kind workflow step can
// dispatch into a full GroupCollaborationEngine session without this package
// depending on workflowengine's types.
type Adapter struct {
	Engine *GroupCollaborationEngine
	Groups map[string]Config
}

// Collaborate looks up groupName's Config and runs it to completion,
// returning the session's consensus text (empty if none was reached).
func (a *Adapter) Collaborate(ctx context.Context, groupName, goal, correlationID string) (string, error) {
	cfg, ok := a.Groups[groupName]
	if !ok {
		return "", newErr("Collaborate", coreerrors.KindNotFound, "group not registered: "+groupName, nil)
	}
	session, err := a.Engine.Collaborate(ctx, cfg, goal, correlationID)
	if err != nil {
		return "", err
	}
	return session.Consensus, nil
}
