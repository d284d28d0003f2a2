package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"vegeta/pkg/protocol"
)

// brainPlaceholders are template lines left unfilled in the brain file.
var brainPlaceholders = map[string]string{
	"[project]":                     "placeholder project entry still present",
	"[what needs doing today]":      "immediate actions placeholder unresolved",
	"[what's running, what's done]": "background task placeholder unresolved",
}

var duePattern = regexp.MustCompile(`(?i)due:\s*(20\d{2}-\d{2}-\d{2})`)

// BrainIssues lists placeholder and overdue markers in brain content, in a
// stable order.
func BrainIssues(content string, today time.Time) []string {
	var issues []string
	lower := strings.ToLower(content)
	for _, marker := range sortedKeys(brainPlaceholders) {
		if strings.Contains(lower, marker) {
			issues = append(issues, brainPlaceholders[marker])
		}
	}
	cutoff := today.Format(time.DateOnly)
	for _, m := range duePattern.FindAllStringSubmatch(content, -1) {
		if _, err := time.Parse(time.DateOnly, m[1]); err != nil {
			continue
		}
		if m[1] < cutoff {
			issues = append(issues, "overdue item detected (due:"+m[1]+")")
		}
	}
	return issues
}

// brainPath picks heartbeat.brain_path, then BRAIN.md in the assistant's
// working directory, then the state home default.
func (s *Scheduler) brainPath(c *cycle) string {
	if p := c.settings.Heartbeat.BrainPath; p != "" {
		return p
	}
	if a, ok := c.settings.Agents[protocol.DefaultAgent]; ok && a.WorkingDirectory != "" {
		p := filepath.Join(a.WorkingDirectory, "BRAIN.md")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if s.deps.Paths != nil {
		return s.deps.Paths.Brain
	}
	return ""
}

// checkBrain scans the brain file once per day and appends an auto-check
// line.
func (s *Scheduler) checkBrain(ctx context.Context, c *cycle) {
	path := s.brainPath(c)
	if path == "" {
		return
	}
	data, err := os.ReadFile(path) //nolint:gosec // configured brain file
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		c.fail(fmt.Errorf("read brain: %w", err))
		return
	}

	today := day(c.now)
	marker := "[auto-check " + today + "]"
	content := string(data)
	if strings.Contains(content, marker) {
		return
	}

	issues := BrainIssues(content, c.now.Local())
	summary := marker + " no stale/broken/overdue items detected"
	if len(issues) > 0 {
		summary = marker + " " + strings.Join(issues, " | ")
		for _, is := range issues {
			c.warn("brain: %s", is)
		}
	}

	line := "\n- " + summary + "\n"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		c.fail(fmt.Errorf("open brain: %w", err))
		return
	}
	_, werr := f.WriteString(line)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		c.fail(fmt.Errorf("append brain check: %w", werr))
		return
	}

	for key, val := range map[string]string{
		protocol.KeyBrainLastCheck:   today,
		protocol.KeyBrainLastSummary: summary,
	} {
		if err := s.deps.Memory.SetStatus(ctx, key, val); err != nil {
			c.fail(fmt.Errorf("write %s: %w", key, err))
		}
	}
	c.act("brain checked (%d issues)", len(issues))
}
