// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mbeema/tapline/pkg/config"
)

// Mask replaces the value of a sensitive header.
const Mask = "[REDACTED]"

// DefaultHeaders are masked whenever redaction is enabled.
var DefaultHeaders = []string{"authorization", "proxy-authorization", "cookie", "set-cookie", "x-api-key"}

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor scrubs sensitive values from reconstructed messages. It is
// immutable after construction and safe for concurrent use.
type Redactor struct {
	rules   []Rule
	headers map[string]struct{}
	enabled bool
}

// New creates a Redactor with built-in rules and headers. If enabled is
// false, every method is a no-op.
func New(enabled bool, extraRules []Rule, extraHeaders ...string) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = append(builtinRules(), extraRules...)
	r.headers = make(map[string]struct{}, len(DefaultHeaders)+len(extraHeaders))
	for _, h := range DefaultHeaders {
		r.headers[h] = struct{}{}
	}
	for _, h := range extraHeaders {
		r.headers[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return r
}

// FromConfig compiles the user rules of cfg.
func FromConfig(cfg *config.RedactionConfig) (*Redactor, error) {
	if !cfg.Enabled {
		return New(false, nil), nil
	}
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %q: %w", rc.Name, err)
		}
		rules = append(rules, Rule{Name: rc.Name, Pattern: re, Replacement: rc.Replacement})
	}
	return New(true, rules, cfg.Headers...), nil
}

// Enabled reports whether the redactor changes anything.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// RedactBody applies the rules to a textual body. Bodies that are not valid
// UTF-8, compressed or binary payloads, are returned unchanged.
func (r *Redactor) RedactBody(body []byte) []byte {
	if !r.enabled || len(r.rules) == 0 || len(body) == 0 || !utf8.Valid(body) {
		return body
	}
	result := body
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAll(result, []byte(rule.Replacement))
	}
	return result
}

// RedactHeaders masks sensitive headers and applies the rules to every other
// value, in place. Keys are expected in lowercase.
func (r *Redactor) RedactHeaders(headers map[string]string) {
	if !r.enabled {
		return
	}
	for k, v := range headers {
		if _, ok := r.headers[k]; ok {
			headers[k] = Mask
			continue
		}
		headers[k] = r.Redact(v)
	}
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
			Name:        "json_secret",
			Pattern:     regexp.MustCompile(`(?i)("(?:password|passwd|secret|client_secret|token|access_token|refresh_token|api_key|apikey)"\s*:\s*)"[^"]*"`),
			Replacement: `${1}"[REDACTED]"`,
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
	}
}
