package sovereign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/memory"
	"vegeta/pkg/provider"

	"github.com/google/uuid"
)

// DefaultShellTimeout bounds one shell action.
const DefaultShellTimeout = 2 * time.Minute

// MemoryWriter persists memory_set actions. *memory.Store satisfies it.
type MemoryWriter interface {
	Set(ctx context.Context, p memory.SetParams) error
}

// SettingsMutator applies a validated change to the settings file.
type SettingsMutator func(fn func(*config.Settings) error) (*config.Settings, error)

// MutateFile returns a SettingsMutator for the settings file at path.
func MutateFile(path string) SettingsMutator {
	return func(fn func(*config.Settings) error) (*config.Settings, error) {
		return config.Mutate(path, fn)
	}
}

// Executor performs actions that passed SafetyPolicy.
type Executor struct {
	Runner       provider.CommandRunner
	Memory       MemoryWriter
	Mutate       SettingsMutator
	SkillsDir    string
	AgentsDir    string
	ShellTimeout time.Duration
}

// Execute performs a on behalf of agentID. The returned detail describes what
// happened; an error means the action failed.
func (e *Executor) Execute(ctx context.Context, agentID, workDir string, a Action) (string, error) {
	switch a.Type {
	case ActionShell:
		return e.shell(ctx, workDir, a.Cmd)
	case ActionWriteFile:
		return writeFile(ResolvePath(workDir, a.Path), a.Content, a.Append)
	case ActionMemorySet:
		return e.memorySet(ctx, agentID, a)
	case ActionScheduleSet:
		return e.scheduleSet(agentID, a)
	case ActionSkillCreate:
		return e.skillCreate(a)
	case ActionReplicateAgent:
		return e.replicateAgent(agentID, a)
	}
	return "", fmt.Errorf("unknown action type %q", a.Type)
}

func (e *Executor) shell(ctx context.Context, workDir, cmd string) (string, error) {
	if e.Runner == nil {
		return "", errors.New("shell actions are not available")
	}
	timeout := e.ShellTimeout
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.Runner.Run(ctx, workDir, "sh", "-c", cmd)
	if err != nil {
		return "", fmt.Errorf("shell: %w", err)
	}
	return "exit=0 stdout=" + clip(strings.TrimSpace(string(out)), 400), nil
}

func writeFile(target, content string, appendMode bool) (string, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if appendMode {
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", target, err)
		}
		if _, err := f.WriteString(content); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("append %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", target, err)
		}
		return "appended " + target, nil
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil { //nolint:gosec // agent workspace files
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	return "wrote " + target, nil
}

func (e *Executor) memorySet(ctx context.Context, agentID string, a Action) (string, error) {
	if e.Memory == nil {
		return "", errors.New("memory is not available")
	}
	scope, err := memory.ParseScope(a.Scope)
	if err != nil {
		return "", err
	}
	scopeID := a.ScopeID
	if scope == memory.ScopeAgent && scopeID == "" {
		scopeID = agentID
	}
	if err := e.Memory.Set(ctx, memory.SetParams{Scope: scope, ScopeID: scopeID, Key: a.Key, Value: a.Value}); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory set %s (%s)", a.Key, scope), nil
}

func (e *Executor) scheduleSet(agentID string, a Action) (string, error) {
	if e.Mutate == nil {
		return "", errors.New("settings are not writable")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("schedule id: %w", err)
	}
	sched := config.Schedule{
		ID:      id.String(),
		Type:    a.ScheduleType,
		Time:    a.Time,
		TeamID:  a.TeamID,
		AgentID: a.AgentID,
		Enabled: true,
	}
	if sched.TeamID == "" && sched.AgentID == "" {
		sched.AgentID = agentID
	}
	if _, err := e.Mutate(func(s *config.Settings) error {
		s.Schedules = append(s.Schedules, sched)
		return nil
	}); err != nil {
		return "", fmt.Errorf("schedule_set: %w", err)
	}
	return fmt.Sprintf("schedule %s added (%s at %s)", sched.ID, sched.Type, sched.Time), nil
}

func (e *Executor) skillCreate(a Action) (string, error) {
	if e.SkillsDir == "" {
		return "", errors.New("skills directory is not configured")
	}
	dir := filepath.Join(e.SkillsDir, a.Name)
	if !within(e.SkillsDir, dir) {
		return "", fmt.Errorf("skill name %q escapes the skills directory", a.Name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create skill dir: %w", err)
	}
	if err := config.WriteFileAtomic(filepath.Join(dir, "SKILL.md"), []byte(a.Content), 0o644); err != nil {
		return "", fmt.Errorf("write skill: %w", err)
	}
	return "skill created: " + a.Name, nil
}

func (e *Executor) replicateAgent(agentID string, a Action) (string, error) {
	if e.Mutate == nil || e.AgentsDir == "" {
		return "", errors.New("agent replication is not available")
	}
	newID := strings.ToLower(a.NewAgentID)
	dir := filepath.Join(e.AgentsDir, newID)

	_, err := e.Mutate(func(s *config.Settings) error {
		if _, exists := s.Agents[newID]; exists {
			return fmt.Errorf("agent %q already exists", newID)
		}
		parent := s.Agents[agentID]
		agent := config.Agent{
			Name:             newID,
			Provider:         a.Provider,
			Model:            a.Model,
			WorkingDirectory: dir,
		}
		if agent.Provider == "" {
			agent.Provider = parent.Provider
		}
		if agent.Model == "" && a.Provider == "" {
			agent.Model = parent.Model
		}
		if s.Agents == nil {
			s.Agents = make(map[string]config.Agent)
		}
		s.Agents[newID] = agent
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("replicate_agent: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create agent dir: %w", err)
	}
	for name, body := range map[string]string{
		"SOUL.md":   fmt.Sprintf("# %s SOUL\n", newID),
		"MEMORY.md": "# Memory\n",
	} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil { //nolint:gosec // agent workspace files
			return "", fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return "replicated new agent " + newID, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
