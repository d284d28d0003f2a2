// Package provider implements the Provider Gateway: adapters that turn a
// prompt into text using a local CLI or a hosted API, behind one Registry
// that applies per-provider rate limits.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vegeta/pkg/contract"
	"vegeta/pkg/protocol"
)

// Request is one completion request.
type Request struct {
	Prompt  string
	Model   string // "" or "default" means the provider's own default
	System  string // agent persona, passed through opaquely
	WorkDir string
}

// Provider is one reasoning backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
	// Probe reports why the provider cannot currently serve calls, or nil.
	Probe(ctx context.Context) error
}

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("provider returned an empty response")

// wrap converts err into a *protocol.ProviderError, classifying it unless it
// already carries a reason.
func wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *protocol.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &protocol.ProviderError{
		Provider: name,
		Reason:   contract.Classify(err),
		Detail:   truncate(err.Error(), 400),
		Err:      err,
	}
}

// effectiveModel maps the "default" sentinel to "".
func effectiveModel(m string) string {
	m = strings.TrimSpace(m)
	if strings.EqualFold(m, "default") {
		return ""
	}
	return m
}

// withPersona prepends the persona for providers without a system channel.
func withPersona(system, prompt string) string {
	if strings.TrimSpace(system) == "" {
		return prompt
	}
	return fmt.Sprintf("%s\n\n---\n\n%s", strings.TrimSpace(system), prompt)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
