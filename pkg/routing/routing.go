// Package routing resolves the owning agent for a WorkItem.
//
// Resolution order, first match wins:
//   - explicit_owner naming a known agent (explicit)
//   - explicit_owner naming a known team, resolved to its leader (explicit)
//   - intent (or payload text) classified against the category table (intent-rule)
//   - the configured default agent (default-fallback)
//
// Resolve is a pure function of the Table and the item; it never blocks.
package routing

import (
	"strings"

	"vegeta/pkg/config"
	"vegeta/pkg/protocol"
)

// Table is an immutable routing snapshot.
type Table struct {
	// Agents is the set of known agent ids.
	Agents map[string]bool
	// Leaders maps team id to leader agent id.
	Leaders map[string]string
	// Intents maps an intent category to an agent id.
	Intents map[string]string
	// Default is the fallback agent id; empty means unroutable.
	Default string
}

// FromSettings builds a Table from a settings snapshot.
func FromSettings(s *config.Settings) Table {
	t := Table{
		Agents:  make(map[string]bool, len(s.Agents)),
		Leaders: make(map[string]string, len(s.Teams)),
		Intents: make(map[string]string, len(s.Routing.Intents)),
		Default: s.Routing.DefaultAgent,
	}
	for id := range s.Agents {
		t.Agents[id] = true
	}
	for id, team := range s.Teams {
		t.Leaders[id] = team.Leader
	}
	for category, agent := range s.Routing.Intents {
		t.Intents[strings.ToLower(category)] = agent
	}
	return t
}

// Engine resolves items against a Table.
type Engine struct {
	table Table
}

// New returns an Engine over t.
func New(t Table) *Engine {
	return &Engine{table: t}
}

// Resolve returns the routing decision for item. An explicit owner that is
// neither an agent nor a team yields a *protocol.RoutingError; callers treat
// it as terminal.
func (e *Engine) Resolve(item protocol.WorkItem) (protocol.RoutingDecision, error) {
	d := protocol.RoutingDecision{
		ItemID:   item.ID,
		Intent:   item.Intent,
		Priority: item.Priority,
		Deadline: item.Deadline,
	}
	if d.Priority == "" {
		d.Priority = InferPriority(item.Payload)
	}
	if d.Deadline == "" {
		d.Deadline = ExtractDeadline(item.Payload)
	}

	if owner := strings.ToLower(strings.TrimSpace(item.ExplicitOwner)); owner != "" {
		if e.table.Agents[owner] {
			d.AgentID = owner
			d.Reason = protocol.ReasonExplicit
			return d, nil
		}
		if leader, ok := e.table.Leaders[owner]; ok && e.table.Agents[leader] {
			d.AgentID = leader
			d.Reason = protocol.ReasonExplicit
			d.Via = owner
			return d, nil
		}
		return d, &protocol.RoutingError{ItemID: item.ID, Target: owner}
	}

	category := Classify(item.Intent, item.Payload)
	if category != "" {
		if d.Intent == "" {
			d.Intent = category
		}
		if agent, ok := e.table.Intents[category]; ok && e.table.Agents[agent] {
			d.AgentID = agent
			d.Reason = protocol.ReasonIntentRule
			return d, nil
		}
	}

	if e.table.Default == "" || !e.table.Agents[e.table.Default] {
		return d, &protocol.RoutingError{ItemID: item.ID}
	}
	d.AgentID = e.table.Default
	d.Reason = protocol.ReasonDefaultFallback
	return d, nil
}

// IsKnown reports whether id names an agent or a team.
func (e *Engine) IsKnown(id string) bool {
	id = strings.ToLower(id)
	if e.table.Agents[id] {
		return true
	}
	_, ok := e.table.Leaders[id]
	return ok
}

// Leader returns the leader of team id.
func (e *Engine) Leader(teamID string) (string, bool) {
	l, ok := e.table.Leaders[strings.ToLower(teamID)]
	return l, ok
}
