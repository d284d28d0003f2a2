package provider

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"vegeta/pkg/config"
	"vegeta/pkg/contract"
	"vegeta/pkg/protocol"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var _ contract.Gateway = (*Registry)(nil)

var cliFlavors = map[string]bool{"claude": true, "codex": true, "opencode": true, "cline": true}

// SettingsFunc returns the current settings snapshot.
type SettingsFunc func() *config.Settings

type entry struct {
	cfg     config.Provider
	p       Provider
	limiter *rate.Limiter // nil when unlimited
}

// Registry resolves agents to providers and implements contract.Gateway.
// Providers are built lazily and rebuilt when their settings change.
type Registry struct {
	settings SettingsFunc
	runner   CommandRunner
	logger   *zap.Logger

	// HTTPClient is handed to API providers; nil uses the SDK default.
	HTTPClient *http.Client

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a Registry. runner nil uses ExecRunner.
func NewRegistry(settings SettingsFunc, runner CommandRunner, logger *zap.Logger) *Registry {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		settings: settings,
		runner:   runner,
		logger:   logger.Named("provider"),
		entries:  make(map[string]*entry),
	}
}

// Call implements contract.Gateway.
func (r *Registry) Call(ctx context.Context, agentID, prompt string, _ contract.Contract) (string, error) {
	s := r.settings()
	agent, ok := s.Agents[agentID]
	if !ok {
		return "", &protocol.ProviderError{
			Reason: protocol.FailureRoutingUnresolvable,
			Detail: fmt.Sprintf("agent %q is not configured", agentID),
		}
	}

	e, err := r.entry(s, agent.Provider)
	if err != nil {
		return "", err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", &protocol.ProviderError{
				Provider: agent.Provider,
				Reason:   protocol.FailureProviderUnavailable,
				Detail:   "rate limited: " + err.Error(),
				Err:      err,
			}
		}
	}

	r.logger.Debug("provider call",
		zap.String("agent", agentID),
		zap.String("provider", agent.Provider),
		zap.Int("prompt_len", len(prompt)))

	return e.p.Complete(ctx, Request{
		Prompt:  prompt,
		Model:   agent.Model,
		System:  agent.Persona,
		WorkDir: agent.WorkingDirectory,
	})
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	e, err := r.entry(r.settings(), name)
	if err != nil {
		return nil, err
	}
	return e.p, nil
}

// ProbeAll probes every provider referenced by a configured agent.
// The map holds nil for healthy providers.
func (r *Registry) ProbeAll(ctx context.Context) map[string]error {
	s := r.settings()
	seen := make(map[string]bool)
	var names []string
	for _, a := range s.Agents {
		if !seen[a.Provider] {
			seen[a.Provider] = true
			names = append(names, a.Provider)
		}
	}
	sort.Strings(names)

	results := make(map[string]error, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			var err error
			p, gerr := r.Get(name)
			if gerr != nil {
				err = gerr
			} else {
				err = p.Probe(gctx)
			}
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// entry returns the cached entry for name, rebuilding it when the effective
// settings differ from the cached ones.
func (r *Registry) entry(s *config.Settings, name string) (*entry, error) {
	cfg, ok := s.ProviderFor(name)
	if !ok {
		return nil, &protocol.ProviderError{
			Provider: name,
			Reason:   protocol.FailureNotInstalled,
			Detail:   fmt.Sprintf("provider %q is not configured", name),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok && sameProvider(e.cfg, cfg) {
		return e, nil
	}

	p, err := r.build(name, cfg)
	if err != nil {
		return nil, err
	}
	e := &entry{cfg: cfg, p: p}
	if cfg.RatePerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1)
	}
	r.entries[name] = e
	r.logger.Debug("provider built", zap.String("provider", name), zap.String("kind", cfg.Kind))
	return e, nil
}

func (r *Registry) build(name string, cfg config.Provider) (Provider, error) {
	switch cfg.Kind {
	case config.ProviderCLI:
		return NewCLI(name, cliFlavor(name, cfg), cfg.Command, cfg.Args, r.runner), nil
	case config.ProviderAnthropic:
		return NewAnthropic(APIConfig{Name: name, BaseURL: cfg.BaseURL, APIKeyEnv: cfg.APIKeyEnv, Model: cfg.Model, HTTPClient: r.HTTPClient}), nil
	case config.ProviderOpenAI:
		return NewOpenAI(APIConfig{Name: name, BaseURL: cfg.BaseURL, APIKeyEnv: cfg.APIKeyEnv, Model: cfg.Model, HTTPClient: r.HTTPClient}), nil
	}
	return nil, &protocol.ProviderError{
		Provider: name,
		Reason:   protocol.FailureNotInstalled,
		Detail:   fmt.Sprintf("unknown provider kind %q", cfg.Kind),
	}
}

// cliFlavor picks the argument layout. Explicit args always mean generic.
func cliFlavor(name string, cfg config.Provider) string {
	if len(cfg.Args) > 0 {
		return ""
	}
	if cliFlavors[name] {
		return name
	}
	if base := filepath.Base(cfg.Command); cliFlavors[base] {
		return base
	}
	return ""
}

func sameProvider(a, b config.Provider) bool {
	return a.Kind == b.Kind &&
		a.Command == b.Command &&
		a.BaseURL == b.BaseURL &&
		a.APIKeyEnv == b.APIKeyEnv &&
		a.Model == b.Model &&
		a.RatePerMinute == b.RatePerMinute &&
		slices.Equal(a.Args, b.Args)
}
