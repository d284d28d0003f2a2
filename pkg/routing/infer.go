package routing

import (
	"regexp"
	"strings"

	"vegeta/pkg/protocol"
)

// category is one row of the intent table.
type category struct {
	name     string
	keywords []string
	re       *regexp.Regexp
}

// categories is ordered: the first category whose keywords match wins.
var categories = buildCategories([]category{
	{name: "security", keywords: []string{"vulnerability", "security", "xss", "csrf", "auth", "token", "exploit", "permissions"}},
	{name: "operations", keywords: []string{"deploy", "infra", "incident", "latency", "uptime", "docker", "kubernetes", "monitoring"}},
	{name: "marketing", keywords: []string{"campaign", "brand", "positioning", "launch", "audience", "ad copy"}},
	{name: "seo", keywords: []string{"seo", "serp", "keywords", "ranking", "backlinks", "organic traffic"}},
	{name: "sales", keywords: []string{"lead", "pipeline", "deal", "prospect", "pricing", "close rate"}},
	{name: "coding", keywords: []string{"bug", "refactor", "code", "compile", "test", "api", "function", "error"}},
})

func buildCategories(in []category) []category {
	for i := range in {
		quoted := make([]string, len(in[i].keywords))
		for j, kw := range in[i].keywords {
			quoted[j] = regexp.QuoteMeta(kw)
		}
		// Leading word boundary only, so "tests" and "authentication" still match.
		in[i].re = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)`)
	}
	return in
}

// Categories returns the intent category names in match order.
func Categories() []string {
	out := make([]string, len(categories))
	for i, c := range categories {
		out[i] = c.name
	}
	return out
}

// Classify returns the intent category for an explicit intent string, or,
// when intent is empty or unrecognised, for the payload text. Returns "" when
// nothing matches.
func Classify(intent, text string) string {
	if c := classifyIntent(intent); c != "" {
		return c
	}
	for _, c := range categories {
		if c.re.MatchString(text) {
			return c.name
		}
	}
	return ""
}

// classifyIntent matches a normalised intent label such as "security-review"
// or "Deploy_Fix" against category names and keywords by prefix.
func classifyIntent(intent string) string {
	norm := strings.ToLower(strings.TrimSpace(intent))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	if norm == "" {
		return ""
	}
	for _, c := range categories {
		if norm == c.name || strings.HasPrefix(norm, c.name) {
			return c.name
		}
		for _, kw := range c.keywords {
			if strings.HasPrefix(norm, strings.ReplaceAll(kw, " ", "-")) {
				return c.name
			}
		}
	}
	return ""
}

var (
	urgentRe = regexp.MustCompile(`(?i)\b(?:urgent|asap|critical|immediately)\b`)
	lowRe    = regexp.MustCompile(`(?i)\b(?:whenever|low priority|no rush)\b`)
	highRe   = regexp.MustCompile(`(?i)\b(?:important|priority|soon)\b`)
)

// InferPriority derives a priority from words in text. "low priority" is
// checked before the bare "priority" that would otherwise mean high.
func InferPriority(text string) protocol.Priority {
	switch {
	case urgentRe.MatchString(text):
		return protocol.PriorityUrgent
	case lowRe.MatchString(text):
		return protocol.PriorityLow
	case highRe.MatchString(text):
		return protocol.PriorityHigh
	default:
		return protocol.PriorityMedium
	}
}

var deadlineRe = regexp.MustCompile(`\b(20\d{2}-\d{2}-\d{2})\b`)

// ExtractDeadline returns the first YYYY-MM-DD date in text, or "".
func ExtractDeadline(text string) string {
	m := deadlineRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

var agentPrefixRe = regexp.MustCompile(`(?s)^@(\w+)\s+(.+)$`)

// ParseAgentPrefix splits "@coder fix the bug" into ("coder", "fix the bug").
// The id is lowercased. ok is false when text has no prefix.
func ParseAgentPrefix(text string) (id, rest string, ok bool) {
	m := agentPrefixRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", text, false
	}
	return strings.ToLower(m[1]), m[2], true
}

// Prepare fills ExplicitOwner, Priority and Deadline on an inbound item from
// its text: an "@id " prefix becomes the owner and is stripped from the
// payload when id is a known agent or team.
func (e *Engine) Prepare(item protocol.WorkItem) protocol.WorkItem {
	if item.ExplicitOwner == "" {
		if id, rest, ok := ParseAgentPrefix(item.Payload); ok && e.IsKnown(id) {
			item.ExplicitOwner = id
			item.Payload = rest
		}
	}
	if item.Priority == "" {
		item.Priority = InferPriority(item.Payload)
	}
	if item.Deadline == "" {
		item.Deadline = ExtractDeadline(item.Payload)
	}
	return item
}
