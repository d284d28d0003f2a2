package delegation

import (
	"fmt"
	"regexp"
	"strings"

	"vegeta/pkg/protocol"
)

// directiveRe matches [@target: instruction] and [@a,b: instruction].
var directiveRe = regexp.MustCompile(`\[@(\w+(?:\s*,\s*\w+)*):\s*([\s\S]*?)\]`)

// sharedSeparator joins shared context and the directed instruction.
const sharedSeparator = "\n\n------\n\nDirected to you:\n"

// ParseDirectives extracts every hand-off directive from output, in order of
// appearance. Target ids are lowercased and a target mentioned twice keeps
// only its first directive. Text outside all markers is returned as shared
// context and prepended to each instruction.
func ParseDirectives(output string) ([]protocol.DelegationDirective, string) {
	matches := directiveRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil, strings.TrimSpace(output)
	}
	shared := strings.TrimSpace(directiveRe.ReplaceAllString(output, ""))

	seen := make(map[string]bool)
	var out []protocol.DelegationDirective
	for _, m := range matches {
		instruction := strings.TrimSpace(m[2])
		if shared != "" {
			instruction = shared + sharedSeparator + instruction
		}
		for _, raw := range strings.Split(m[1], ",") {
			target := strings.ToLower(strings.TrimSpace(raw))
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true
			out = append(out, protocol.DelegationDirective{Target: target, Instruction: instruction})
		}
	}
	return out, shared
}

// childPayload renders the message a delegated agent receives.
func childPayload(from string, siblings int, instruction string) string {
	return fmt.Sprintf("[pending_handoffs:%d]\n[Message from teammate @%s]:\n%s\n\n"+
		"[Other teammate branches may still be processing. Avoid re-mentioning unanswered teammates.]",
		siblings, from, instruction)
}
