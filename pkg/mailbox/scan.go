package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vegeta/pkg/protocol"
)

// itemColumns is the column list shared by every work_items read.
const itemColumns = `seq, id, payload, intent, explicit_owner, priority, deadline, origin,
	root_id, parent_id, chain_depth, state, attempts, max_attempts, available_at,
	claimed_by, claimed_at, failure_reason, last_error, result, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// rawItem holds a work_items row before validation, so a malformed row can
// still be copied verbatim into quarantine.
type rawItem struct {
	seq           int64
	id            string
	payload       string
	intent        string
	explicitOwner string
	priority      string
	deadline      string
	origin        string
	rootID        string
	parentID      string
	chainDepth    int
	state         string
	attempts      int
	maxAttempts   int
	availableAt   string
	claimedBy     string
	claimedAt     string
	failureReason string
	lastError     string
	result        string
	createdAt     string
}

func (r *rawItem) scan(sc rowScanner) error {
	return sc.Scan(
		&r.seq, &r.id, &r.payload, &r.intent, &r.explicitOwner, &r.priority, &r.deadline, &r.origin,
		&r.rootID, &r.parentID, &r.chainDepth, &r.state, &r.attempts, &r.maxAttempts, &r.availableAt,
		&r.claimedBy, &r.claimedAt, &r.failureReason, &r.lastError, &r.result, &r.createdAt,
	)
}

// decode validates the row and converts it into a WorkItem.
func (r *rawItem) decode() (protocol.WorkItem, error) {
	item := protocol.WorkItem{
		ID:            r.id,
		Payload:       r.payload,
		Intent:        r.intent,
		ExplicitOwner: r.explicitOwner,
		Priority:      protocol.Priority(r.priority),
		Deadline:      r.deadline,
		RootID:        r.rootID,
		ParentID:      r.parentID,
		ChainDepth:    r.chainDepth,
		State:         protocol.State(r.state),
		Attempts:      r.attempts,
		MaxAttempts:   r.maxAttempts,
		ClaimedBy:     r.claimedBy,
		FailureReason: protocol.FailureReason(r.failureReason),
		LastError:     r.lastError,
		Result:        r.result,
	}

	var problems []error
	if strings.TrimSpace(r.id) == "" {
		problems = append(problems, errors.New("missing id"))
	}
	if strings.TrimSpace(r.payload) == "" {
		problems = append(problems, errors.New("empty payload"))
	}
	if !item.State.Valid() {
		problems = append(problems, fmt.Errorf("unknown state %q", r.state))
	}
	if r.chainDepth < 0 {
		problems = append(problems, fmt.Errorf("negative chain depth %d", r.chainDepth))
	}
	if err := json.Unmarshal([]byte(r.origin), &item.Origin); err != nil {
		problems = append(problems, fmt.Errorf("origin: %w", err))
	}

	var err error
	if item.CreatedAt, err = protocol.ParseTime(r.createdAt); err != nil {
		problems = append(problems, fmt.Errorf("created_at: %w", err))
	}
	if item.AvailableAt, err = protocol.ParseTime(r.availableAt); err != nil {
		problems = append(problems, fmt.Errorf("available_at: %w", err))
	}
	if r.claimedAt != "" {
		t, err := protocol.ParseTime(r.claimedAt)
		if err != nil {
			problems = append(problems, fmt.Errorf("claimed_at: %w", err))
		} else {
			item.ClaimedAt = &t
		}
	}

	if len(problems) > 0 {
		return item, errors.Join(problems...)
	}
	return item, nil
}

// asMap renders the raw row for the quarantine table.
func (r *rawItem) asMap() map[string]any {
	return map[string]any{
		"id":             r.id,
		"payload":        r.payload,
		"intent":         r.intent,
		"explicit_owner": r.explicitOwner,
		"priority":       r.priority,
		"deadline":       r.deadline,
		"origin":         r.origin,
		"root_id":        r.rootID,
		"parent_id":      r.parentID,
		"chain_depth":    r.chainDepth,
		"state":          r.state,
		"attempts":       r.attempts,
		"max_attempts":   r.maxAttempts,
		"available_at":   r.availableAt,
		"claimed_by":     r.claimedBy,
		"claimed_at":     r.claimedAt,
		"failure_reason": r.failureReason,
		"last_error":     r.lastError,
		"result":         r.result,
		"created_at":     r.createdAt,
	}
}
