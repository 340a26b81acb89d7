package executor

import (
	"regexp"
	"strings"
)

// Strictness controls how validation findings are treated.
type Strictness string

const (
	// StrictnessPermissive logs findings but allows execution.
	StrictnessPermissive Strictness = "permissive"
	// StrictnessNormal rejects inputs with critical findings.
	StrictnessNormal Strictness = "normal"
	// StrictnessStrict rejects inputs with any finding.
	StrictnessStrict Strictness = "strict"
)

// ValidationResult is the outcome of a static pre-execution check.
type ValidationResult struct {
	Passed   bool
	Findings []Finding
	Message  string
}

// Finding is a single suspicious construct detected in the input.
type Finding struct {
	Pattern  string
	Detail   string
	Critical bool
}

// Validator statically screens code and commands before any sandbox
// resources are spent. It is pattern based: cheap, conservative, and
// never a substitute for the sandbox itself.
type Validator struct {
	strictness Strictness
}

// NewValidator creates a validator with the given strictness.
func NewValidator(strictness Strictness) *Validator {
	if strictness == "" {
		strictness = StrictnessNormal
	}
	return &Validator{strictness: strictness}
}

// denyRule pairs a compiled pattern with its classification.
type denyRule struct {
	re       *regexp.Regexp
	detail   string
	critical bool
}

var denyRules = []denyRule{
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:`), "fork bomb", true},
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*/(\s|$)`), "recursive delete of filesystem root", true},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/(sd|nvme|vd|hd)`), "raw write to block device", true},
	{regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`), "filesystem format", true},
	{regexp.MustCompile(`/proc/sysrq-trigger`), "sysrq trigger", true},
	{regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`), "host power control", false},
	{regexp.MustCompile(`/etc/(passwd|shadow|sudoers)`), "host credential file access", false},
	{regexp.MustCompile(`\bnohup\b.*&\s*$`), "detached background process", false},
}

// Validate screens the input against the deny rules.
func (v *Validator) Validate(input string) ValidationResult {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ValidationResult{Passed: false, Message: "empty input"}
	}

	var findings []Finding
	for _, rule := range denyRules {
		if rule.re.MatchString(trimmed) {
			findings = append(findings, Finding{
				Pattern:  rule.re.String(),
				Detail:   rule.detail,
				Critical: rule.critical,
			})
		}
	}

	if len(findings) == 0 {
		return ValidationResult{Passed: true, Message: "validation passed"}
	}

	switch v.strictness {
	case StrictnessPermissive:
		return ValidationResult{Passed: true, Findings: findings, Message: "findings present, permissive mode allows execution"}
	case StrictnessStrict:
		return ValidationResult{Passed: false, Findings: findings, Message: "rejected: " + findings[0].Detail}
	default:
		for _, f := range findings {
			if f.Critical {
				return ValidationResult{Passed: false, Findings: findings, Message: "rejected: " + f.Detail}
			}
		}
		return ValidationResult{Passed: true, Findings: findings, Message: "non-critical findings allowed"}
	}
}
