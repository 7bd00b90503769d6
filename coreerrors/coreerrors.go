// Package coreerrors defines the error-kind taxonomy shared by every
// orchestration engine component, and a common typed error shape following
// the component-scoped *TeamError / *AgentRegistryError pattern used
// throughout this module.
package coreerrors

import "fmt"

// Kind is a stable, non-retryable-vs-retryable-classified error category.
// See the taxonomy: kinds are categories, not Go types.
type Kind string

const (
	KindInvalidSpec      Kind = "invalid_spec"
	KindInvalidWorkflow  Kind = "invalid_workflow"
	KindInvalidGroup     Kind = "invalid_group"
	KindNotFound         Kind = "not_found"
	KindCycle            Kind = "cycle"
	KindDuplicateName    Kind = "duplicate_name"
	KindPolicyDenied     Kind = "policy_denied"
	KindRateLimited      Kind = "rate_limited"
	KindTransient        Kind = "transient"
	KindTimeout          Kind = "timeout"
	KindAuth             Kind = "auth"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindModelUnavailable Kind = "model_unavailable"
	KindBadRequest       Kind = "bad_request"
	KindResourceExhausted Kind = "resource_exhausted"
	KindOOM              Kind = "oom"
	KindAtCapacity        Kind = "at_capacity"
	KindCancelled         Kind = "cancelled"
	KindConfigurationError Kind = "configuration_error"
	KindConsensusFailed    Kind = "consensus_failed"
	KindInUse              Kind = "in_use"
	KindBackendUnavailable Kind = "backend_unavailable"
)

// Retryable reports whether the step/provider retry loop should consider
// this kind a candidate for exponential backoff retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindTimeout:
		return true
	case KindResourceExhausted, KindOOM, KindAtCapacity:
		// retryable only after observable resource relief; callers decide
		// whether relief has occurred before re-dispatching.
		return true
	default:
		return false
	}
}

// Error is the common typed error carried across every component:
// Component, Operation, Message, Kind, and an optional wrapped cause.
type Error struct {
	Component string
	Operation string
	Message   string
	Kind      Kind
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] (%s) %s: %v", e.Component, e.Operation, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] (%s) %s", e.Component, e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error. Pass a nil err for a pure validation failure.
func New(component, operation string, kind Kind, message string, err error) *Error {
	return &Error{Component: component, Operation: operation, Message: message, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it (or something in its chain) is an
// *Error; returns "" if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}
