package contract

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"

	"vegeta/pkg/protocol"
)

var (
	unauthorizedMarkers = []string{"unauthorized", "auth", "sign in", "forbidden"}
	notInstalledMarkers = []string{"command not found", "executable file not found", "no such file", "not found"}
	unavailableMarkers  = []string{"not available", "connection", "failed to connect", "rate limit"}

	// Status codes only count as whole tokens, not inside ids or ports.
	status40x = regexp.MustCompile(`\b40[13]\b`)
	status5xx = regexp.MustCompile(`\b5\d\d\b`)
)

// Classify maps an error to the failure taxonomy. Typed errors keep their
// reason; deadlines are always Timeout; anything else is matched on its
// lowercased text, first class wins.
func Classify(err error) protocol.FailureReason {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.FailureTimeout
	}
	if errors.Is(err, exec.ErrNotFound) {
		return protocol.FailureNotInstalled
	}
	if r := protocol.ReasonOf(err); r != "" && r != protocol.FailureUnknown {
		return r
	}
	return ClassifyText(err.Error())
}

// ClassifyText applies the text rules alone.
func ClassifyText(text string) protocol.FailureReason {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, unauthorizedMarkers) || status40x.MatchString(lower):
		return protocol.FailureUnauthorized
	case containsAny(lower, notInstalledMarkers):
		return protocol.FailureNotInstalled
	case containsAny(lower, unavailableMarkers) || status5xx.MatchString(lower):
		return protocol.FailureProviderUnavailable
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return protocol.FailureTimeout
	default:
		return protocol.FailureUnknown
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
