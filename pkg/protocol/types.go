package protocol

import (
	"strings"
	"time"
)

// State is the lifecycle state of a WorkItem. An item is in exactly one
// state at a time; only the mailbox moves it between states.
type State string

// WorkItem states.
const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Priority orders pending items when claiming.
type Priority string

// Priority levels, highest first.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable weight; unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority normalises s into a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityUrgent:
		return PriorityUrgent
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Origin identifies the sender and where replies go. The core passes it
// through untouched.
type Origin struct {
	Channel    string `json:"channel,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

// WorkItem is one unit of routable work.
type WorkItem struct {
	ID            string        `json:"id"`
	CreatedAt     time.Time     `json:"created_at"`
	Payload       string        `json:"payload"`
	Intent        string        `json:"intent,omitempty"`
	ExplicitOwner string        `json:"explicit_owner,omitempty"`
	Priority      Priority      `json:"priority,omitempty"`
	Deadline      string        `json:"deadline,omitempty"` // YYYY-MM-DD
	Origin        Origin        `json:"origin"`
	RootID        string        `json:"root_id,omitempty"`
	ParentID      string        `json:"parent_id,omitempty"`
	ChainDepth    int           `json:"chain_depth"`
	State         State         `json:"state"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	AvailableAt   time.Time     `json:"available_at"`
	ClaimedBy     string        `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time    `json:"claimed_at,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Result        string        `json:"result,omitempty"`
}

// IsRoot reports whether the item was created by a transport rather than a
// delegation hop.
func (w WorkItem) IsRoot() bool {
	return w.ParentID == ""
}

// RoutingReason records which rule resolved the owner.
type RoutingReason string

// Routing reasons.
const (
	ReasonExplicit        RoutingReason = "explicit"
	ReasonIntentRule      RoutingReason = "intent-rule"
	ReasonDefaultFallback RoutingReason = "default-fallback"
)

// RoutingDecision is the resolved owner of a WorkItem. Immutable once written.
type RoutingDecision struct {
	ItemID   string        `json:"item_id"`
	AgentID  string        `json:"agent_id"`
	Reason   RoutingReason `json:"reason"`
	Intent   string        `json:"intent,omitempty"`
	Priority Priority      `json:"priority,omitempty"`
	Deadline string        `json:"deadline,omitempty"`
	// Via is the team id when the owner was reached through a team leader.
	Via string `json:"via,omitempty"`
}

// DelegationDirective is one hand-off parsed from an agent's output.
type DelegationDirective struct {
	Target      string `json:"target"`
	Instruction string `json:"instruction"`
}

// ExecutionOutcome is the result of one Execution Contract invoke.
type ExecutionOutcome struct {
	AgentID       string        `json:"agent_id"`
	Succeeded     bool          `json:"succeeded"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	AttemptCount  int           `json:"attempt_count"`
}
