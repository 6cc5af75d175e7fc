// Package security scans task prompts before enqueue. The scanner is
// pluggable; the default flags common prompt-injection markers. Policy
// content beyond these defaults is supplied by the deployment.
package security

import "regexp"

// Severity of a finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one flagged pattern in a prompt.
type Finding struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Detail   string   `json:"detail,omitempty"`
}

// Scanner inspects a prompt and returns findings. An empty result means the
// prompt is clean.
type Scanner interface {
	Scan(prompt string) []Finding
}

// HasCritical reports whether any finding is critical.
func HasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

type rule struct {
	name     string
	severity Severity
	pattern  *regexp.Regexp
}

// RegexpScanner is the default Scanner: a fixed set of case-insensitive
// patterns for instruction-override and exfiltration attempts.
type RegexpScanner struct {
	rules []rule
}

// NewRegexpScanner creates the default scanner.
func NewRegexpScanner() *RegexpScanner {
	return &RegexpScanner{rules: []rule{
		{"instruction-override", SeverityCritical,
			regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`)},
		{"system-prompt-exfil", SeverityCritical,
			regexp.MustCompile(`(?i)(reveal|print|repeat|show)\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`)},
		{"credential-harvest", SeverityCritical,
			regexp.MustCompile(`(?i)(exfiltrate|send|upload)\s+.{0,40}(credentials|secrets|api\s+keys|tokens)`)},
		{"role-override", SeverityWarning,
			regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`)},
	}}
}

// Scan applies every rule to the prompt.
func (s *RegexpScanner) Scan(prompt string) []Finding {
	var findings []Finding
	for _, r := range s.rules {
		if m := r.pattern.FindString(prompt); m != "" {
			findings = append(findings, Finding{Severity: r.severity, Rule: r.name, Detail: m})
		}
	}
	return findings
}

// NopScanner accepts every prompt. Used when scanning is disabled.
type NopScanner struct{}

// Scan always returns no findings.
func (NopScanner) Scan(string) []Finding { return nil }
