// Package capinfer infers required capabilities from prompt text for
// delegated tasks that carry none. The scheduler treats the inferred list
// as authoritative, so the heuristics err toward the broad "code" bucket.
package capinfer

import "strings"

// keyword groups checked in order; the first group with a hit wins, except
// that multiple distinct capabilities can accumulate (a prompt mentioning
// tests and deployment needs both).
var keywordCaps = []struct {
	capability string
	keywords   []string
}{
	{"test", []string{"test", "unit test", "coverage", "regression"}},
	{"ops", []string{"deploy", "provision", "rollout", "terraform", "kubernetes", "infra"}},
	{"review", []string{"review", "audit", "inspect"}},
	{"docs", []string{"document", "readme", "changelog", "docs"}},
	{"ml", []string{"train", "model", "dataset", "inference", "embedding"}},
	{"code", []string{"implement", "fix", "refactor", "build", "write", "bug", "feature", "endpoint"}},
}

// Infer returns capabilities suggested by the prompt text. Empty when no
// keyword matches; callers fall back to unconstrained matching.
func Infer(prompt string) []string {
	text := strings.ToLower(prompt)
	var caps []string
	seen := map[string]bool{}
	for _, group := range keywordCaps {
		if seen[group.capability] {
			continue
		}
		for _, kw := range group.keywords {
			if strings.Contains(text, kw) {
				caps = append(caps, group.capability)
				seen[group.capability] = true
				break
			}
		}
	}
	return caps
}
