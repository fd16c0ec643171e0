// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"testing"

	"github.com/mbeema/tapline/pkg/config"
)

func TestRedactCreditCard(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input    string
		expected string
	}{
		{"card: 4111111111111111", "card: [REDACTED_CC]"},
		{"card: 4111-1111-1111-1111", "card: [REDACTED_CC]"},
		{"card: 5500 0000 0000 0004", "card: [REDACTED_CC]"},
		{"no card here", "no card here"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.expected {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRedactSSN(t *testing.T) {
	r := New(true, nil)
	input := "ssn: 123-45-6789"
	got := r.Redact(input)
	if got != "ssn: [REDACTED_SSN]" {
		t.Errorf("Redact(%q) = %q", input, got)
	}
}

func TestRedactAuthorizationHeader(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"Authorization: Bearer abc123", "Authorization: [REDACTED]"},
		{"authorization: token xyz", "authorization: [REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactPassword(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"password=secret123", "password=[REDACTED]"},
		{"api_key=abc-def-123", "api_key=[REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactDisabled(t *testing.T) {
	r := New(false, nil)
	input := "card: 4111111111111111"
	got := r.Redact(input)
	if got != input {
		t.Errorf("disabled Redact should return input unchanged, got %q", got)
	}
}

func TestRedactHeaders(t *testing.T) {
	r := New(true, nil, "X-Session")
	headers := map[string]string{
		"authorization": "Bearer token123",
		"cookie":        "session=abc",
		"x-session":     "s-42",
		"content-type":  "application/json",
		"referer":       "https://shop/?token=abc",
	}
	r.RedactHeaders(headers)

	for _, k := range []string{"authorization", "cookie", "x-session"} {
		if headers[k] != Mask {
			t.Errorf("%s = %q, want masked", k, headers[k])
		}
	}
	if headers["content-type"] != "application/json" {
		t.Errorf("content-type = %q", headers["content-type"])
	}
	if headers["referer"] != "https://shop/?token=[REDACTED]" {
		t.Errorf("referer = %q", headers["referer"])
	}
}

func TestRedactBody(t *testing.T) {
	r := New(true, nil)

	got := r.RedactBody([]byte("user=a&password=hunter2&ssn=123-45-6789"))
	want := "user=a&password=[REDACTED]&ssn=[REDACTED_SSN]"
	if string(got) != want {
		t.Errorf("RedactBody = %s, want %s", got, want)
	}

	got = r.RedactBody([]byte(`{"user":"bob","password": "hunter2","access_token":"t-1"}`))
	want = `{"user":"bob","password": "[REDACTED]","access_token":"[REDACTED]"}`
	if string(got) != want {
		t.Errorf("RedactBody = %s, want %s", got, want)
	}

	binary := []byte{0x1f, 0x8b, 0xff, 0xfe, '1', '2', '3', '-', '4', '5', '-', '6', '7', '8', '9'}
	if got := r.RedactBody(binary); string(got) != string(binary) {
		t.Errorf("binary body changed: %x", got)
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(&config.RedactionConfig{
		Enabled: true,
		Rules:   []config.RedactionRule{{Name: "order", Pattern: `ord-\d+`, Replacement: "[ORDER]"}},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := r.Redact("GET /orders/ord-991"); got != "GET /orders/[ORDER]" {
		t.Errorf("Redact = %q", got)
	}

	if _, err := FromConfig(&config.RedactionConfig{
		Enabled: true,
		Rules:   []config.RedactionRule{{Name: "bad", Pattern: "("}},
	}); err == nil {
		t.Error("expected error for invalid pattern")
	}

	off, err := FromConfig(&config.RedactionConfig{Rules: []config.RedactionRule{{Pattern: "("}}})
	if err != nil || off.Enabled() {
		t.Errorf("disabled config: enabled = %v err = %v", off.Enabled(), err)
	}
}
