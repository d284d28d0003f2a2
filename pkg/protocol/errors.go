package protocol

import (
	"errors"
	"fmt"
)

// FailureReason classifies why an operation failed.
type FailureReason string

// Failure taxonomy.
const (
	FailureTimeout             FailureReason = "timeout"
	FailureUnauthorized        FailureReason = "unauthorized"
	FailureProviderUnavailable FailureReason = "provider_unavailable"
	FailureNotInstalled        FailureReason = "not_installed"
	FailureRoutingUnresolvable FailureReason = "routing_unresolvable"
	FailureSafetyViolation     FailureReason = "safety_violation"
	FailureUnknown             FailureReason = "unknown"
)

// Retryable reports whether the Execution Contract Layer may retry a call
// that failed for this reason.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureTimeout, FailureProviderUnavailable, FailureUnknown:
		return true
	default:
		return false
	}
}

// Terminal reports whether a WorkItem failing for this reason goes straight
// to Failed without redelivery.
func (r FailureReason) Terminal() bool {
	switch r {
	case FailureUnauthorized, FailureNotInstalled, FailureRoutingUnresolvable, FailureSafetyViolation:
		return true
	default:
		return false
	}
}

// Describe returns a short human-readable sentence for end users.
func (r FailureReason) Describe() string {
	switch r {
	case FailureTimeout:
		return "the agent did not answer in time"
	case FailureUnauthorized:
		return "the provider rejected our credentials"
	case FailureProviderUnavailable:
		return "the provider is unavailable"
	case FailureNotInstalled:
		return "the provider is not installed on this host"
	case FailureRoutingUnresolvable:
		return "no agent could be found for this request"
	case FailureSafetyViolation:
		return "the action was blocked by the safety policy"
	default:
		return "an unexpected error occurred"
	}
}

// ProviderError is returned by Provider Gateway calls. Reason is already
// classified; Detail is the raw provider message.
type ProviderError struct {
	Provider string
	Reason   FailureReason
	Detail   string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Detail == "" && e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Reason, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RoutingError reports that no agent could be resolved for an item.
type RoutingError struct {
	ItemID string
	Target string // requested owner, empty when the default agent was missing
}

func (e *RoutingError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("item %s: no default agent configured", e.ItemID)
	}
	return fmt.Sprintf("item %s: unknown agent or team %q", e.ItemID, e.Target)
}

// SafetyViolationError reports a sovereign action rejected by policy.
type SafetyViolationError struct {
	Rule   string // blocklist | protected_path | tool_install | self_modify | self_modify_rate
	Action string
	Detail string
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("safety violation (%s) on %s: %s", e.Rule, e.Action, e.Detail)
}

// QuarantineError reports a malformed persisted item that was moved aside.
type QuarantineError struct {
	ItemID string
	Reason string
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("item %s quarantined: %s", e.ItemID, e.Reason)
}

// ReasonOf extracts the FailureReason carried by err, or FailureUnknown.
func ReasonOf(err error) FailureReason {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	var re *RoutingError
	if errors.As(err, &re) {
		return FailureRoutingUnresolvable
	}
	var se *SafetyViolationError
	if errors.As(err, &se) {
		return FailureSafetyViolation
	}
	return FailureUnknown
}
