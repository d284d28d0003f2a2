// Package sovereign runs the think-act-observe loop for one agent pursuing an
// open-ended goal. Every proposed action passes SafetyPolicy before it runs,
// and every outcome is appended to the sovereign audit trail.
package sovereign

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ActionType tags an Action.
type ActionType string

// Action types.
const (
	ActionShell          ActionType = "shell"
	ActionWriteFile      ActionType = "write_file"
	ActionMemorySet      ActionType = "memory_set"
	ActionScheduleSet    ActionType = "schedule_set"
	ActionSkillCreate    ActionType = "skill_create"
	ActionReplicateAgent ActionType = "replicate_agent"
)

// Action is one step proposed by a plan. Only the fields of its Type are set.
type Action struct {
	Type ActionType `json:"type"`

	// shell
	Cmd    string `json:"cmd,omitempty"`
	Reason string `json:"reason,omitempty"`

	// write_file
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Append  bool   `json:"append,omitempty"`

	// memory_set
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Scope   string `json:"scope,omitempty"`
	ScopeID string `json:"scope_id,omitempty"`

	// schedule_set
	ScheduleType string `json:"schedule_type,omitempty"`
	Time         string `json:"time,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`

	// skill_create (Content shared with write_file)
	Name string `json:"name,omitempty"`

	// replicate_agent
	NewAgentID string `json:"new_agent_id,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Summary is a one-line description used in audit records and prompts.
func (a Action) Summary() string {
	switch a.Type {
	case ActionShell:
		return "shell: " + a.Cmd
	case ActionWriteFile:
		if a.Append {
			return "append: " + a.Path
		}
		return "write: " + a.Path
	case ActionMemorySet:
		return "memory_set: " + a.Key
	case ActionScheduleSet:
		return fmt.Sprintf("schedule_set: %s at %s", a.ScheduleType, a.Time)
	case ActionSkillCreate:
		return "skill_create: " + a.Name
	case ActionReplicateAgent:
		return "replicate_agent: " + a.NewAgentID
	}
	return string(a.Type)
}

// InvalidAction is a plan entry that failed schema validation.
type InvalidAction struct {
	Raw    string
	Reason string
}

// Plan is one parsed Think response.
type Plan struct {
	Thought      string
	Actions      []Action
	Invalid      []InvalidAction
	SleepSeconds int // 0: use the configured loop sleep
}

// ErrNoPlan is returned when a reply contains no JSON plan object.
var ErrNoPlan = errors.New("no plan object in reply")

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["thought"],
  "properties": {
    "thought": {"type": "string"},
    "actions": {"type": "array"},
    "sleep_seconds": {"type": "integer", "minimum": 0}
  }
}`

const actionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["shell", "write_file", "memory_set", "schedule_set", "skill_create", "replicate_agent"]},
    "append": {"type": "boolean"}
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "shell"}}},
     "then": {"required": ["cmd"], "properties": {"cmd": {"type": "string", "minLength": 1}}}},
    {"if": {"properties": {"type": {"const": "write_file"}}},
     "then": {"required": ["path", "content"], "properties": {"path": {"type": "string", "minLength": 1}, "content": {"type": "string"}}}},
    {"if": {"properties": {"type": {"const": "memory_set"}}},
     "then": {"required": ["key", "value"], "properties": {"key": {"type": "string", "minLength": 1}, "value": {"type": "string"}}}},
    {"if": {"properties": {"type": {"const": "schedule_set"}}},
     "then": {"required": ["schedule_type", "time"], "properties": {"schedule_type": {"enum": ["daily", "digest"]}, "time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"}}}},
    {"if": {"properties": {"type": {"const": "skill_create"}}},
     "then": {"required": ["name", "content"], "properties": {"name": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"}, "content": {"type": "string"}}}},
    {"if": {"properties": {"type": {"const": "replicate_agent"}}},
     "then": {"required": ["new_agent_id"], "properties": {"new_agent_id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"}}}}
  ]
}`

var planSchema, actionSchema = mustCompile("plan", planSchemaJSON), mustCompile("action", actionSchemaJSON)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://vegeta.schemas.local/sovereign/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("sovereign %s schema load failed: %v", name, err))
	}
	return c.MustCompile(url)
}

// ParsePlan extracts the plan from a Think reply: the whole reply as JSON,
// else the span from the first '{' to the last '}'. The envelope must match
// the plan schema; each action is validated on its own and invalid ones are
// reported in Plan.Invalid rather than failing the plan.
func ParsePlan(reply string) (Plan, error) {
	doc, err := decodeObject(reply)
	if err != nil {
		return Plan{}, err
	}
	if err := planSchema.Validate(doc); err != nil {
		return Plan{}, fmt.Errorf("plan schema: %w", err)
	}

	obj := doc.(map[string]any)
	plan := Plan{Thought: strings.TrimSpace(obj["thought"].(string))}
	if n, ok := obj["sleep_seconds"].(float64); ok {
		plan.SleepSeconds = int(n)
	}

	raw, _ := obj["actions"].([]any)
	for _, entry := range raw {
		encoded, _ := json.Marshal(entry)
		if err := actionSchema.Validate(entry); err != nil {
			plan.Invalid = append(plan.Invalid, InvalidAction{Raw: string(encoded), Reason: schemaReason(err)})
			continue
		}
		var a Action
		if err := json.Unmarshal(encoded, &a); err != nil {
			plan.Invalid = append(plan.Invalid, InvalidAction{Raw: string(encoded), Reason: err.Error()})
			continue
		}
		plan.Actions = append(plan.Actions, a)
	}
	return plan, nil
}

func decodeObject(reply string) (any, error) {
	var doc any
	if err := json.Unmarshal([]byte(reply), &doc); err == nil {
		if _, ok := doc.(map[string]any); ok {
			return doc, nil
		}
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, ErrNoPlan
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, ErrNoPlan
	}
	return doc, nil
}

// schemaReason flattens a validation error to its innermost message.
func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
