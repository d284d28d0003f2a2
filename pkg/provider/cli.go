package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"vegeta/pkg/protocol"
)

// CommandRunner runs a subprocess and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	LookPath(name string) (string, error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes name with args in dir. A non-zero exit includes stderr in the
// returned error.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited %d: %w: %s", name, exitErr.ExitCode(), err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// LookPath implements CommandRunner.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// CLI runs a local agent CLI. Flavor selects the argument layout:
// claude, codex, opencode, cline, or "" for a generic command whose Args may
// contain {prompt} and {model} placeholders (prompt is appended when absent).
type CLI struct {
	name    string
	flavor  string
	command string
	args    []string
	runner  CommandRunner
}

// NewCLI builds a CLI provider. runner nil uses ExecRunner.
func NewCLI(name, flavor, command string, args []string, runner CommandRunner) *CLI {
	if runner == nil {
		runner = ExecRunner{}
	}
	if command == "" {
		command = flavor
	}
	return &CLI{name: name, flavor: flavor, command: command, args: args, runner: runner}
}

// Name implements Provider.
func (c *CLI) Name() string { return c.name }

// Args returns the argument vector for req.
func (c *CLI) Args(req Request) []string {
	prompt := withPersona(req.System, req.Prompt)
	model := effectiveModel(req.Model)

	switch c.flavor {
	case "claude":
		args := []string{"-c", "-p", prompt}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args
	case "codex":
		args := []string{"exec", "--sandbox", "danger-full-access", "--skip-git-repo-check"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return append(args, prompt)
	case "opencode":
		return []string{"complete", prompt}
	case "cline":
		args := []string{"task", prompt}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args
	}

	var args []string
	sawPrompt := false
	for _, a := range c.args {
		if strings.Contains(a, "{prompt}") {
			sawPrompt = true
		}
		a = strings.ReplaceAll(a, "{prompt}", prompt)
		a = strings.ReplaceAll(a, "{model}", model)
		args = append(args, a)
	}
	if !sawPrompt {
		args = append(args, prompt)
	}
	return args
}

// Complete implements Provider.
func (c *CLI) Complete(ctx context.Context, req Request) (string, error) {
	out, err := c.runner.Run(ctx, req.WorkDir, c.command, c.Args(req)...)
	if err != nil {
		return "", wrap(c.name, err)
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", &protocol.ProviderError{Provider: c.name, Reason: protocol.FailureUnknown, Detail: ErrEmptyResponse.Error(), Err: ErrEmptyResponse}
	}
	return text, nil
}

// Probe implements Provider: the command must be on PATH.
func (c *CLI) Probe(context.Context) error {
	if _, err := c.runner.LookPath(c.command); err != nil {
		return &protocol.ProviderError{
			Provider: c.name,
			Reason:   protocol.FailureNotInstalled,
			Detail:   fmt.Sprintf("%s not found on PATH", c.command),
			Err:      err,
		}
	}
	return nil
}
