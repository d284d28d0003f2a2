// Package config loads, validates and hot-reloads the vegeta settings file.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"vegeta/pkg/protocol"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("90s", "10m") in both YAML and TOML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Settings is the complete daemon configuration. A loaded Settings is never
// mutated; reloads and Mutate produce a new value.
type Settings struct {
	Agents     map[string]Agent    `yaml:"agents" toml:"agents"`
	Teams      map[string]Team     `yaml:"teams,omitempty" toml:"teams,omitempty"`
	Routing    Routing             `yaml:"routing" toml:"routing"`
	Providers  map[string]Provider `yaml:"providers,omitempty" toml:"providers,omitempty"`
	Mailbox    Mailbox             `yaml:"mailbox" toml:"mailbox"`
	Delegation Delegation          `yaml:"delegation" toml:"delegation"`
	Heartbeat  Heartbeat           `yaml:"heartbeat" toml:"heartbeat"`
	Sovereign  Sovereign           `yaml:"sovereign" toml:"sovereign"`
	Schedules  []Schedule          `yaml:"schedules,omitempty" toml:"schedules,omitempty"`
	Pairing    Pairing             `yaml:"pairing" toml:"pairing"`
	Telemetry  Telemetry           `yaml:"telemetry,omitempty" toml:"telemetry,omitempty"`
}

// Agent is one named routing target.
type Agent struct {
	Name             string         `yaml:"name,omitempty" toml:"name,omitempty"`
	Provider         string         `yaml:"provider" toml:"provider"`
	Model            string         `yaml:"model,omitempty" toml:"model,omitempty"`
	WorkingDirectory string         `yaml:"working_directory,omitempty" toml:"working_directory,omitempty"`
	Persona          string         `yaml:"persona,omitempty" toml:"persona,omitempty"`
	Contract         Contract       `yaml:"contract,omitempty" toml:"contract,omitempty"`
	Sovereign        AgentSovereign `yaml:"sovereign,omitempty" toml:"sovereign,omitempty"`
}

// Contract overrides the provider's default execution contract. Zero fields
// keep the default.
type Contract struct {
	Timeout     Duration   `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	MaxRetries  *int       `yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	Backoff     []Duration `yaml:"backoff,omitempty" toml:"backoff,omitempty"`
	BackoffBase Duration   `yaml:"backoff_base,omitempty" toml:"backoff_base,omitempty"`
	BackoffMax  Duration   `yaml:"backoff_max,omitempty" toml:"backoff_max,omitempty"`
}

// AgentSovereign enables a sovereign run for an agent under the daemon.
type AgentSovereign struct {
	Enabled bool   `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	Goal    string `yaml:"goal,omitempty" toml:"goal,omitempty"`
}

// Team is a named group of agents with one leader.
type Team struct {
	Name   string   `yaml:"name,omitempty" toml:"name,omitempty"`
	Agents []string `yaml:"agents" toml:"agents"`
	Leader string   `yaml:"leader" toml:"leader"`
}

// Routing holds the default agent and the intent category table.
type Routing struct {
	DefaultAgent string            `yaml:"default_agent,omitempty" toml:"default_agent,omitempty"`
	Intents      map[string]string `yaml:"intents,omitempty" toml:"intents,omitempty"`
}

// Provider kinds.
const (
	ProviderCLI       = "cli"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Provider configures one reasoning backend.
type Provider struct {
	Kind          string   `yaml:"kind" toml:"kind"`
	Command       string   `yaml:"command,omitempty" toml:"command,omitempty"`
	Args          []string `yaml:"args,omitempty" toml:"args,omitempty"`
	BaseURL       string   `yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	APIKeyEnv     string   `yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty"`
	Model         string   `yaml:"model,omitempty" toml:"model,omitempty"`
	RatePerMinute int      `yaml:"rate_per_minute,omitempty" toml:"rate_per_minute,omitempty"`
}

// Mailbox tunes redelivery and leases.
type Mailbox struct {
	MaxAttempts  int      `yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty"`
	RetryDelay   Duration `yaml:"retry_delay,omitempty" toml:"retry_delay,omitempty"`
	LeaseTimeout Duration `yaml:"lease_timeout,omitempty" toml:"lease_timeout,omitempty"`
	Workers      int      `yaml:"workers,omitempty" toml:"workers,omitempty"`
	PollInterval Duration `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
}

// Delegation bounds hand-off chains.
type Delegation struct {
	MaxDepth     int      `yaml:"max_depth,omitempty" toml:"max_depth,omitempty"`
	FanInTimeout Duration `yaml:"fan_in_timeout,omitempty" toml:"fan_in_timeout,omitempty"`
}

// Heartbeat tunes the maintenance cycle.
type Heartbeat struct {
	Interval         Duration `yaml:"interval,omitempty" toml:"interval,omitempty"`
	MaxBackoff       Duration `yaml:"max_backoff,omitempty" toml:"max_backoff,omitempty"`
	BacklogThreshold int      `yaml:"backlog_threshold,omitempty" toml:"backlog_threshold,omitempty"`
	StaleAfter       Duration `yaml:"stale_after,omitempty" toml:"stale_after,omitempty"`
	FailureThreshold int      `yaml:"failure_threshold,omitempty" toml:"failure_threshold,omitempty"`
	MinFreeDiskMB    int64    `yaml:"min_free_disk_mb,omitempty" toml:"min_free_disk_mb,omitempty"`
	MaxDBSizeMB      int64    `yaml:"max_db_size_mb,omitempty" toml:"max_db_size_mb,omitempty"`
	PairingTTL       Duration `yaml:"pairing_ttl,omitempty" toml:"pairing_ttl,omitempty"`
	BrainPath        string   `yaml:"brain_path,omitempty" toml:"brain_path,omitempty"`
}

// Sovereign holds the process-wide SafetyPolicy inputs and loop tuning.
type Sovereign struct {
	ConstitutionPath            string   `yaml:"constitution_path,omitempty" toml:"constitution_path,omitempty"`
	ProtectedFiles              []string `yaml:"protected_files,omitempty" toml:"protected_files,omitempty"`
	LoopSleep                   Duration `yaml:"loop_sleep,omitempty" toml:"loop_sleep,omitempty"`
	MaxActionsPerCycle          int      `yaml:"max_actions_per_cycle,omitempty" toml:"max_actions_per_cycle,omitempty"`
	MaxSelfModificationsPerHour int      `yaml:"max_self_modifications_per_hour,omitempty" toml:"max_self_modifications_per_hour,omitempty"`
	AllowToolInstall            bool     `yaml:"allow_tool_install,omitempty" toml:"allow_tool_install,omitempty"`
	AllowSelfModify             bool     `yaml:"allow_self_modify,omitempty" toml:"allow_self_modify,omitempty"`
	DryRun                      bool     `yaml:"dry_run,omitempty" toml:"dry_run,omitempty"`
	MaxCycles                   int      `yaml:"max_cycles,omitempty" toml:"max_cycles,omitempty"`
	ViolationPauseThreshold     int      `yaml:"violation_pause_threshold,omitempty" toml:"violation_pause_threshold,omitempty"`
}

// Schedule types.
const (
	ScheduleDaily  = "daily"
	ScheduleDigest = "digest"
)

// Schedule is a once-per-day task the heartbeat enqueues at Time (HH:MM, local).
type Schedule struct {
	ID      string `yaml:"id" toml:"id"`
	Type    string `yaml:"type" toml:"type"`
	Time    string `yaml:"time" toml:"time"`
	TeamID  string `yaml:"team_id,omitempty" toml:"team_id,omitempty"`
	AgentID string `yaml:"agent_id,omitempty" toml:"agent_id,omitempty"`
	Prompt  string `yaml:"prompt,omitempty" toml:"prompt,omitempty"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`
}

// Pairing modes.
const (
	PairingOpen     = "open"
	PairingApproval = "approval"
)

// Pairing gates unknown senders on the inbox transport.
type Pairing struct {
	Mode string `yaml:"mode,omitempty" toml:"mode,omitempty"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint,omitempty"`
}

// Defaults used by withDefaults.
const (
	DefaultMaxDepth                = protocol.MaxChainDepth
	DefaultFanInTimeout            = 10 * time.Minute
	DefaultHeartbeatInterval       = 5 * time.Minute
	DefaultHeartbeatMaxBackoff     = time.Hour
	DefaultBacklogThreshold        = 25
	DefaultStaleAfter              = 6 * time.Hour
	DefaultFailureThreshold        = 3
	DefaultMinFreeDiskMB           = 2048
	DefaultMaxDBSizeMB             = 256
	DefaultPairingTTL              = 24 * time.Hour
	DefaultLoopSleep               = 20 * time.Second
	MinLoopSleep                   = 5 * time.Second
	DefaultMaxActionsPerCycle      = 3
	DefaultMaxSelfModsPerHour      = 6
	DefaultViolationPauseThreshold = 5
	DefaultMailboxAttempts         = 3
	DefaultRetryDelay              = 5 * time.Second
	DefaultLeaseTimeout            = 30 * time.Minute
	DefaultPollInterval            = time.Second
)

// Provider default execution contracts. Agent contract overrides apply on top.
const (
	DefaultContractTimeout = 240 * time.Second
	DefaultContractRetries = 1
	DefaultContractBackoff = 600 * time.Millisecond
	OllamaContractTimeout  = 420 * time.Second
	OllamaContractBackoff  = 800 * time.Millisecond
	ContractBackoffFactor  = 8 // backoff_max = backoff_base * factor when unset
)

// withDefaults returns a copy with zero fields filled in.
func (s Settings) withDefaults() Settings {
	out := s
	if out.Delegation.MaxDepth == 0 {
		out.Delegation.MaxDepth = DefaultMaxDepth
	}
	if out.Delegation.FanInTimeout == 0 {
		out.Delegation.FanInTimeout = Duration(DefaultFanInTimeout)
	}
	if out.Mailbox.MaxAttempts == 0 {
		out.Mailbox.MaxAttempts = DefaultMailboxAttempts
	}
	if out.Mailbox.RetryDelay == 0 {
		out.Mailbox.RetryDelay = Duration(DefaultRetryDelay)
	}
	if out.Mailbox.LeaseTimeout == 0 {
		out.Mailbox.LeaseTimeout = Duration(DefaultLeaseTimeout)
	}
	if out.Mailbox.Workers == 0 {
		out.Mailbox.Workers = 1
	}
	if out.Mailbox.PollInterval == 0 {
		out.Mailbox.PollInterval = Duration(DefaultPollInterval)
	}

	hb := &out.Heartbeat
	if hb.Interval == 0 {
		hb.Interval = Duration(DefaultHeartbeatInterval)
	}
	if hb.MaxBackoff == 0 {
		hb.MaxBackoff = Duration(DefaultHeartbeatMaxBackoff)
	}
	if hb.BacklogThreshold == 0 {
		hb.BacklogThreshold = DefaultBacklogThreshold
	}
	if hb.StaleAfter == 0 {
		hb.StaleAfter = Duration(DefaultStaleAfter)
	}
	if hb.FailureThreshold == 0 {
		hb.FailureThreshold = DefaultFailureThreshold
	}
	if hb.MinFreeDiskMB == 0 {
		hb.MinFreeDiskMB = DefaultMinFreeDiskMB
	}
	if hb.MaxDBSizeMB == 0 {
		hb.MaxDBSizeMB = DefaultMaxDBSizeMB
	}
	if hb.PairingTTL == 0 {
		hb.PairingTTL = Duration(DefaultPairingTTL)
	}

	sv := &out.Sovereign
	if sv.LoopSleep == 0 {
		sv.LoopSleep = Duration(DefaultLoopSleep)
	}
	if sv.LoopSleep.D() < MinLoopSleep {
		sv.LoopSleep = Duration(MinLoopSleep)
	}
	if sv.MaxActionsPerCycle == 0 {
		sv.MaxActionsPerCycle = DefaultMaxActionsPerCycle
	}
	if sv.MaxSelfModificationsPerHour == 0 {
		sv.MaxSelfModificationsPerHour = DefaultMaxSelfModsPerHour
	}
	if sv.ViolationPauseThreshold == 0 {
		sv.ViolationPauseThreshold = DefaultViolationPauseThreshold
	}

	if out.Pairing.Mode == "" {
		out.Pairing.Mode = PairingOpen
	}
	if out.Routing.DefaultAgent == "" {
		out.Routing.DefaultAgent = out.fallbackDefaultAgent()
	}
	return out
}

// MaxInvokeDuration bounds one contract-governed invoke for agentID:
// timeout*(retries+1) plus every backoff sleep. Zero for unknown agents.
func (s Settings) MaxInvokeDuration(agentID string) time.Duration {
	a, ok := s.Agents[agentID]
	if !ok {
		return 0
	}
	timeout, base := DefaultContractTimeout, DefaultContractBackoff
	if a.Provider == "ollama" {
		timeout, base = OllamaContractTimeout, OllamaContractBackoff
	}
	retries := DefaultContractRetries
	c := a.Contract
	if c.Timeout > 0 {
		timeout = c.Timeout.D()
	}
	if c.MaxRetries != nil {
		retries = *c.MaxRetries
	}
	if c.BackoffBase > 0 {
		base = c.BackoffBase.D()
	}
	maxBackoff := base * ContractBackoffFactor
	if c.BackoffMax > 0 {
		maxBackoff = c.BackoffMax.D()
	}

	total := timeout * time.Duration(retries+1)
	for i := range retries {
		var d time.Duration
		if len(c.Backoff) > 0 {
			d = c.Backoff[min(i, len(c.Backoff)-1)].D()
		} else {
			d = base * time.Duration(int64(1)<<min(i, 30))
			if d > maxBackoff || d < 0 {
				d = maxBackoff
			}
		}
		total += d
	}
	return total
}

// fallbackDefaultAgent picks "assistant" when configured, else the
// lexicographically first agent id.
func (s Settings) fallbackDefaultAgent() string {
	if _, ok := s.Agents[protocol.DefaultAgent]; ok {
		return protocol.DefaultAgent
	}
	ids := s.AgentIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// AgentIDs returns configured agent ids in sorted order.
func (s Settings) AgentIDs() []string {
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

var (
	idPattern   = regexp.MustCompile(`^\w+$`)
	hhmmPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

// Validate reports every problem in s, joined.
func (s Settings) Validate() error {
	var errs []error

	if len(s.Agents) == 0 {
		errs = append(errs, errors.New("agents: at least one agent is required"))
	}
	for _, id := range s.AgentIDs() {
		a := s.Agents[id]
		if !idPattern.MatchString(id) {
			errs = append(errs, fmt.Errorf("agents.%s: id must match %s", id, idPattern))
		}
		if id != strings.ToLower(id) {
			errs = append(errs, fmt.Errorf("agents.%s: id must be lowercase", id))
		}
		if a.Provider == "" {
			errs = append(errs, fmt.Errorf("agents.%s: provider is required", id))
		} else if _, ok := s.Providers[a.Provider]; !ok && !IsBuiltinProvider(a.Provider) {
			errs = append(errs, fmt.Errorf("agents.%s: unknown provider %q", id, a.Provider))
		}
		if a.Contract.MaxRetries != nil && *a.Contract.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("agents.%s: contract.max_retries must be >= 0", id))
		}
		if a.Sovereign.Enabled && strings.TrimSpace(a.Sovereign.Goal) == "" {
			errs = append(errs, fmt.Errorf("agents.%s: sovereign.goal is required when enabled", id))
		}
	}

	for id, t := range s.Teams {
		if _, clash := s.Agents[id]; clash {
			errs = append(errs, fmt.Errorf("teams.%s: id collides with an agent", id))
		}
		if t.Leader == "" {
			errs = append(errs, fmt.Errorf("teams.%s: leader is required", id))
		} else if _, ok := s.Agents[t.Leader]; !ok {
			errs = append(errs, fmt.Errorf("teams.%s: leader %q is not a configured agent", id, t.Leader))
		}
		for _, member := range t.Agents {
			if _, ok := s.Agents[member]; !ok {
				errs = append(errs, fmt.Errorf("teams.%s: member %q is not a configured agent", id, member))
			}
		}
	}

	if d := s.Routing.DefaultAgent; d != "" {
		if _, ok := s.Agents[d]; !ok {
			errs = append(errs, fmt.Errorf("routing.default_agent: %q is not a configured agent", d))
		}
	}
	for category, agent := range s.Routing.Intents {
		if _, ok := s.Agents[agent]; !ok {
			errs = append(errs, fmt.Errorf("routing.intents.%s: %q is not a configured agent", category, agent))
		}
	}

	for name := range s.Providers {
		p, _ := s.ProviderFor(name)
		switch p.Kind {
		case ProviderCLI:
			if p.Command == "" && !IsBuiltinProvider(name) {
				errs = append(errs, fmt.Errorf("providers.%s: command is required for cli providers", name))
			}
		case ProviderAnthropic, ProviderOpenAI:
		default:
			errs = append(errs, fmt.Errorf("providers.%s: unknown kind %q", name, p.Kind))
		}
		if p.RatePerMinute < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: rate_per_minute must be >= 0", name))
		}
	}

	// A lease that can expire during a live invoke hands the item to a
	// second worker.
	if lease := s.Mailbox.LeaseTimeout.D(); lease > 0 {
		for _, id := range s.AgentIDs() {
			if bound := s.MaxInvokeDuration(id); lease <= bound {
				errs = append(errs, fmt.Errorf("mailbox.lease_timeout: %s must exceed agent %s's worst-case invoke time %s", lease, id, bound))
			}
		}
	}

	if s.Delegation.MaxDepth < 0 {
		errs = append(errs, errors.New("delegation.max_depth must be >= 0"))
	}

	seen := make(map[string]bool, len(s.Schedules))
	for i, sc := range s.Schedules {
		where := fmt.Sprintf("schedules[%d]", i)
		if sc.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", where))
		} else if seen[sc.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %q", where, sc.ID))
		}
		seen[sc.ID] = true
		if sc.Type != ScheduleDaily && sc.Type != ScheduleDigest {
			errs = append(errs, fmt.Errorf("%s: type must be %q or %q", where, ScheduleDaily, ScheduleDigest))
		}
		if !hhmmPattern.MatchString(sc.Time) {
			errs = append(errs, fmt.Errorf("%s: time %q must be HH:MM", where, sc.Time))
		}
		if sc.TeamID == "" && sc.AgentID == "" {
			errs = append(errs, fmt.Errorf("%s: team_id or agent_id is required", where))
		}
		if sc.TeamID != "" {
			if _, ok := s.Teams[sc.TeamID]; !ok {
				errs = append(errs, fmt.Errorf("%s: unknown team %q", where, sc.TeamID))
			}
		}
		if sc.AgentID != "" {
			if _, ok := s.Agents[sc.AgentID]; !ok {
				errs = append(errs, fmt.Errorf("%s: unknown agent %q", where, sc.AgentID))
			}
		}
	}

	if m := s.Pairing.Mode; m != "" && m != PairingOpen && m != PairingApproval {
		errs = append(errs, fmt.Errorf("pairing.mode: %q must be %q or %q", m, PairingOpen, PairingApproval))
	}

	return errors.Join(errs...)
}

// builtinProviders are usable without a providers entry.
var builtinProviders = map[string]Provider{
	"claude":    {Kind: ProviderCLI, Command: "claude"},
	"codex":     {Kind: ProviderCLI, Command: "codex"},
	"opencode":  {Kind: ProviderCLI, Command: "opencode"},
	"cline":     {Kind: ProviderCLI, Command: "cline"},
	"anthropic": {Kind: ProviderAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY"},
	"openai":    {Kind: ProviderOpenAI, APIKeyEnv: "OPENAI_API_KEY"},
	"grok":      {Kind: ProviderOpenAI, BaseURL: "https://api.x.ai/v1", APIKeyEnv: "XAI_API_KEY"},
	"ollama":    {Kind: ProviderOpenAI, BaseURL: "http://localhost:11434/v1"},
}

// IsBuiltinProvider reports whether name resolves without configuration.
func IsBuiltinProvider(name string) bool {
	_, ok := builtinProviders[name]
	return ok
}

// ProviderFor returns the effective settings for a provider name: the
// configured entry merged over the builtin one.
func (s Settings) ProviderFor(name string) (Provider, bool) {
	base, builtin := builtinProviders[name]
	p, configured := s.Providers[name]
	if !builtin && !configured {
		return Provider{}, false
	}
	if !configured {
		return base, true
	}
	if p.Kind == "" {
		p.Kind = base.Kind
	}
	if p.Command == "" {
		p.Command = base.Command
	}
	if p.BaseURL == "" {
		p.BaseURL = base.BaseURL
	}
	if p.APIKeyEnv == "" {
		p.APIKeyEnv = base.APIKeyEnv
	}
	return p, true
}
