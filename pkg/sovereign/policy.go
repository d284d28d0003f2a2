package sovereign

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/protocol"
)

// Violation rules.
const (
	RuleBlocklist      = "blocklist"
	RuleProtectedPath  = "protected_path"
	RuleToolInstall    = "tool_install"
	RuleSelfModify     = "self_modify"
	RuleSelfModifyRate = "self_modify_rate"
)

// blockedPatterns are always rejected. They are not configurable.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(?:-\S+\s+)*-(?:[a-zA-Z]*[rR][a-zA-Z]*|-recursive)\s+(?:-\S+\s+)*(?:/|/\*|~/?|\*|\$HOME/?)(?:\s|;|&|\||$)`),
	regexp.MustCompile(`\brm\s+.*--no-preserve-root`),
	regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/(sd[a-z]|nvme\d|hd[a-z]|disk\d)`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)777\s+/(\s|$)`),
	regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b`),
}

// toolInstallMarkers identify package-manager installs.
var toolInstallMarkers = []string{
	"brew install", "apt install", "apt-get install", "cargo install",
	"npm i -g", "npm install -g", "pip install", "pip3 install",
}

// IsBlocked reports whether cmd matches the always-on blocklist.
func IsBlocked(cmd string) bool {
	for _, re := range blockedPatterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// LooksLikeToolInstall reports whether cmd installs a tool.
func LooksLikeToolInstall(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, m := range toolInstallMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// SafetyPolicy is fixed for the lifetime of one sovereign run.
type SafetyPolicy struct {
	ProtectedPaths     []string
	MaxActionsPerCycle int
	MaxSelfModsPerHour int
	AllowToolInstall   bool
	AllowSelfModify    bool
	DryRun             bool
	// SelfDirs are directories a write into counts as self-modification:
	// the skills directory, the agents directory and the settings file's
	// directory.
	SelfDirs []string
}

// PolicyFrom snapshots the sovereign settings. Protected paths always
// include the settings file and the constitution.
func PolicyFrom(s *config.Settings, paths *config.Paths, dryRun bool) SafetyPolicy {
	p := SafetyPolicy{
		ProtectedPaths:     append([]string(nil), s.Sovereign.ProtectedFiles...),
		MaxActionsPerCycle: s.Sovereign.MaxActionsPerCycle,
		MaxSelfModsPerHour: s.Sovereign.MaxSelfModificationsPerHour,
		AllowToolInstall:   s.Sovereign.AllowToolInstall,
		AllowSelfModify:    s.Sovereign.AllowSelfModify,
		DryRun:             dryRun || s.Sovereign.DryRun,
	}
	if p.MaxActionsPerCycle <= 0 {
		p.MaxActionsPerCycle = config.DefaultMaxActionsPerCycle
	}
	if p.MaxSelfModsPerHour <= 0 {
		p.MaxSelfModsPerHour = config.DefaultMaxSelfModsPerHour
	}
	if paths != nil {
		p.ProtectedPaths = append(p.ProtectedPaths, paths.Settings, paths.Constitution, paths.StateDB)
		p.SelfDirs = []string{paths.SkillsDir, paths.AgentsDir}
	}
	return p
}

// Check applies the static rules to a. It returns nil when a may proceed to
// the self-modification window.
func (p SafetyPolicy) Check(a Action, workDir string) *protocol.SafetyViolationError {
	switch a.Type {
	case ActionShell:
		if IsBlocked(a.Cmd) {
			return violation(RuleBlocklist, a, "command matches the always-on blocklist")
		}
		if !p.AllowToolInstall && LooksLikeToolInstall(a.Cmd) {
			return violation(RuleToolInstall, a, "tool install blocked by policy")
		}
		for _, prot := range p.ProtectedPaths {
			if prot != "" && strings.Contains(a.Cmd, prot) {
				return violation(RuleProtectedPath, a, fmt.Sprintf("command touches protected path %q", prot))
			}
		}
	case ActionWriteFile:
		target := ResolvePath(workDir, a.Path)
		if prot, ok := p.protected(target); ok {
			return violation(RuleProtectedPath, a, fmt.Sprintf("write blocked for protected file %q", prot))
		}
	}
	if p.IsSelfModifying(a, workDir) && !p.AllowSelfModify {
		return violation(RuleSelfModify, a, "self-modifying actions are disabled by policy")
	}
	return nil
}

// IsSelfModifying reports whether a changes the system itself.
func (p SafetyPolicy) IsSelfModifying(a Action, workDir string) bool {
	switch a.Type {
	case ActionSkillCreate, ActionReplicateAgent, ActionScheduleSet:
		return true
	case ActionWriteFile:
		target := ResolvePath(workDir, a.Path)
		for _, dir := range p.SelfDirs {
			if dir != "" && within(dir, target) {
				return true
			}
		}
	}
	return false
}

// protected reports the protected entry matching target: equal to it or
// ending with it on a path boundary.
func (p SafetyPolicy) protected(target string) (string, bool) {
	for _, prot := range p.ProtectedPaths {
		if prot == "" {
			continue
		}
		clean := filepath.Clean(prot)
		if target == clean || strings.HasSuffix(target, string(filepath.Separator)+strings.TrimPrefix(clean, string(filepath.Separator))) {
			return prot, true
		}
	}
	return "", false
}

// ResolvePath makes requested absolute against base and cleans it.
func ResolvePath(base, requested string) string {
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(base, requested)
	}
	return filepath.Clean(requested)
}

func within(dir, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func violation(rule string, a Action, detail string) *protocol.SafetyViolationError {
	return &protocol.SafetyViolationError{Rule: rule, Action: a.Summary(), Detail: detail}
}

// Window is a sliding one-hour counter of self-modifications. It is owned by
// one run and safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	seen  []time.Time
	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewWindow creates a window admitting limit events per hour.
func NewWindow(limit int) *Window {
	return &Window{limit: limit, span: time.Hour, nowFunc: time.Now}
}

// Allow records an event and reports true, or reports false without
// recording when the window is full.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.nowFunc()
	keep := w.seen[:0]
	for _, t := range w.seen {
		if now.Sub(t) <= w.span {
			keep = append(keep, t)
		}
	}
	w.seen = keep
	if len(w.seen) >= w.limit {
		return false
	}
	w.seen = append(w.seen, now)
	return true
}

// Count returns the events currently inside the window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.nowFunc()
	n := 0
	for _, t := range w.seen {
		if now.Sub(t) <= w.span {
			n++
		}
	}
	return n
}
