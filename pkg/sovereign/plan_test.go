package sovereign

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan_Direct(t *testing.T) {
	plan, err := ParsePlan(`{"thought":"tidy up","actions":[{"type":"shell","cmd":"ls -la"},{"type":"memory_set","key":"k","value":"v","scope":"agent"}],"sleep_seconds":30}`)
	require.NoError(t, err)
	assert.Equal(t, "tidy up", plan.Thought)
	assert.Equal(t, 30, plan.SleepSeconds)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, Action{Type: ActionShell, Cmd: "ls -la"}, plan.Actions[0])
	assert.Equal(t, "agent", plan.Actions[1].Scope)
	assert.Empty(t, plan.Invalid)
}

func TestParsePlan_EmbeddedInProse(t *testing.T) {
	reply := "Sure! Here is my plan:\n```json\n{\"thought\":\"check disk\",\"actions\":[{\"type\":\"shell\",\"cmd\":\"df -h\"}]}\n```\nLet me know."
	plan, err := ParsePlan(reply)
	require.NoError(t, err)
	assert.Equal(t, "check disk", plan.Thought)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, 0, plan.SleepSeconds)
}

func TestParsePlan_InvalidActionsReported(t *testing.T) {
	plan, err := ParsePlan(`{"thought":"t","actions":[
		{"type":"shell"},
		{"type":"teleport"},
		{"type":"schedule_set","schedule_type":"daily","time":"25:00"},
		{"type":"skill_create","name":"../escape","content":"x"},
		{"type":"write_file","path":"notes.md","content":"hi"}
	]}`)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionWriteFile, plan.Actions[0].Type)
	assert.Len(t, plan.Invalid, 4)
	for _, inv := range plan.Invalid {
		assert.NotEmpty(t, inv.Reason)
	}
}

func TestParsePlan_Errors(t *testing.T) {
	tests := map[string]string{
		"no json":        "I will wait.",
		"reversed":       "} nothing {",
		"missing thought": `{"actions":[]}`,
		"bad sleep":      `{"thought":"x","sleep_seconds":-3}`,
		"array":          `[{"thought":"x"}]`,
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan(reply)
			assert.Error(t, err)
		})
	}
	_, err := ParsePlan("plain text")
	assert.True(t, errors.Is(err, ErrNoPlan))
}

func TestActionSummary(t *testing.T) {
	assert.Equal(t, "shell: rm -rf /", Action{Type: ActionShell, Cmd: "rm -rf /"}.Summary())
	assert.Equal(t, "append: a.txt", Action{Type: ActionWriteFile, Path: "a.txt", Append: true}.Summary())
	assert.Equal(t, "schedule_set: daily at 09:00", Action{Type: ActionScheduleSet, ScheduleType: "daily", Time: "09:00"}.Summary())
}
