// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"fmt"
	"regexp"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// CompileRule builds a Rule from its textual form. An empty replacement
// defaults to "[REDACTED]".
func CompileRule(name, pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("redaction rule %q: %w", name, err)
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	return Rule{Name: name, Pattern: re, Replacement: replacement}, nil
}

// Redactor scrubs sensitive values out of record payloads before they are
// buffered. A nil or disabled Redactor passes values through.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules followed by extraRules.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// Enabled reports whether the redactor rewrites anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.Enabled() || len(r.rules) == 0 || input == "" {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// RedactData returns a deep copy of data with every string value redacted.
// Nested maps and slices are copied as well; the input is never modified.
func (r *Redactor) RedactData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case map[string]interface{}:
		return r.RedactData(val)
	case map[string]string:
		m := make(map[string]string, len(val))
		for k, s := range val {
			m[k] = r.Redact(s)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, e := range val {
			s[i] = r.redactValue(e)
		}
		return s
	case []string:
		s := make([]string, len(val))
		for i, e := range val {
			s[i] = r.Redact(e)
		}
		return s
	default:
		return v
	}
}

// Resource normalises a call resource for its protocol and then redacts it.
// SQL statements lose their literals; HTTP paths lose their identifiers.
func (r *Redactor) Resource(protocol, resource string) string {
	if !r.Enabled() {
		return resource
	}
	switch protocol {
	case "postgres", "postgresql", "mysql", "sql":
		resource = NormalizeSQL(resource)
	case "http", "https":
		resource = NormalizePath(resource)
	}
	return r.Redact(resource)
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
		{
			Name:        "password_in_sql",
			Pattern:     regexp.MustCompile(`(?i)(password\s*=\s*)'[^']*'`),
			Replacement: "${1}'[REDACTED]'",
		},
	}
}
