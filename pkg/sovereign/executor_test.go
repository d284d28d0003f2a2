package sovereign //nolint:testpackage // shares the run_test.go fakes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"vegeta/pkg/config"
	"vegeta/pkg/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "settings.yaml")
	body := "agents:\n  coder:\n    provider: claude\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestExecutor_WriteFile(t *testing.T) {
	work := t.TempDir()
	e := &Executor{}
	ctx := context.Background()

	detail, err := e.Execute(ctx, "coder", work, Action{Type: ActionWriteFile, Path: "notes/today.md", Content: "one\n"})
	require.NoError(t, err)
	assert.Contains(t, detail, "wrote")

	_, err = e.Execute(ctx, "coder", work, Action{Type: ActionWriteFile, Path: "notes/today.md", Content: "two\n", Append: true})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(work, "notes", "today.md"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(got))
}

func TestExecutor_MemorySet(t *testing.T) {
	mem := &memorySink{}
	e := &Executor{Memory: mem}

	_, err := e.Execute(context.Background(), "coder", t.TempDir(), Action{Type: ActionMemorySet, Scope: "agent", Key: "focus", Value: "tests"})
	require.NoError(t, err)
	require.Len(t, mem.set, 1)
	assert.Equal(t, memory.ScopeAgent, mem.set[0].Scope)
	assert.Equal(t, "coder", mem.set[0].ScopeID)

	_, err = e.Execute(context.Background(), "coder", t.TempDir(), Action{Type: ActionMemorySet, Scope: "galaxy", Key: "k", Value: "v"})
	assert.Error(t, err)
}

func TestExecutor_ScheduleAndReplicate(t *testing.T) {
	home := t.TempDir()
	path := writeSettings(t, home)
	e := &Executor{
		Mutate:    MutateFile(path),
		SkillsDir: filepath.Join(home, "skills"),
		AgentsDir: filepath.Join(home, "agents"),
	}
	ctx := context.Background()

	_, err := e.Execute(ctx, "coder", home, Action{Type: ActionScheduleSet, ScheduleType: config.ScheduleDaily, Time: "07:30"})
	require.NoError(t, err)

	_, err = e.Execute(ctx, "coder", home, Action{Type: ActionReplicateAgent, NewAgentID: "helper"})
	require.NoError(t, err)

	s, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, s.Schedules, 1)
	assert.Equal(t, "coder", s.Schedules[0].AgentID)
	assert.Equal(t, "07:30", s.Schedules[0].Time)
	require.Contains(t, s.Agents, "helper")
	assert.Equal(t, "claude", s.Agents["helper"].Provider)
	assert.FileExists(t, filepath.Join(home, "agents", "helper", "SOUL.md"))

	_, err = e.Execute(ctx, "coder", home, Action{Type: ActionReplicateAgent, NewAgentID: "helper"})
	assert.ErrorContains(t, err, "already exists")

	_, err = e.Execute(ctx, "coder", home, Action{Type: ActionSkillCreate, Name: "triage", Content: "# Triage"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, "skills", "triage", "SKILL.md"))
}

func TestExecutor_ShellWithoutRunner(t *testing.T) {
	_, err := (&Executor{}).Execute(context.Background(), "coder", t.TempDir(), Action{Type: ActionShell, Cmd: "true"})
	assert.Error(t, err)
}
