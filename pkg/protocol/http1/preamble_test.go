// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseResponse(t *testing.T) {
	buf := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}")

	p, n, err := ParseResponse(buf)
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	if n != len(buf)-2 {
		t.Errorf("consumed = %d, want %d", n, len(buf)-2)
	}
	if p.MinorVersion != 1 {
		t.Errorf("minor version = %d, want 1", p.MinorVersion)
	}
	if p.StatusCode != 200 {
		t.Errorf("status = %d, want 200", p.StatusCode)
	}
	if p.Reason != "OK" {
		t.Errorf("reason = %q, want OK", p.Reason)
	}
	if got := p.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content-type = %q", got)
	}
	if _, ok := p.Header["content-length"]; !ok {
		t.Error("header keys should be lowercased")
	}
}

func TestParseResponseReasonWithSpaces(t *testing.T) {
	p, _, err := ParseResponse([]byte("HTTP/1.0 500 Internal Server Error\r\n\r\n"))
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	if p.MinorVersion != 0 || p.StatusCode != 500 || p.Reason != "Internal Server Error" {
		t.Errorf("got %+v", p)
	}
}

func TestParseResponseBareLF(t *testing.T) {
	p, n, err := ParseResponse([]byte("HTTP/1.1 204 No Content\nServer: x\n\n"))
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	if n != len("HTTP/1.1 204 No Content\nServer: x\n\n") {
		t.Errorf("consumed = %d", n)
	}
	if p.Header.Get("server") != "x" {
		t.Errorf("server = %q", p.Header.Get("server"))
	}
}

func TestParseRequest(t *testing.T) {
	buf := []byte("POST /api/users?page=1 HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n")

	p, n, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("ParseRequest error: %v", err)
	}
	if n != len(buf) {
		t.Errorf("consumed = %d, want %d", n, len(buf))
	}
	if p.Method != "POST" {
		t.Errorf("method = %q, want POST", p.Method)
	}
	if p.Path != "/api/users?page=1" {
		t.Errorf("path = %q", p.Path)
	}
	if p.Header.Get("host") != "example.com" {
		t.Errorf("host = %q", p.Header.Get("host"))
	}
}

func TestParseRepeatedHeaders(t *testing.T) {
	p, _, err := ParseResponse([]byte("HTTP/1.1 200 OK\r\nSet-Cookie: a=1\r\nset-cookie: b=2\r\n\r\n"))
	if err != nil {
		t.Fatalf("ParseResponse error: %v", err)
	}
	got := p.Header.Values("Set-Cookie")
	if len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("set-cookie = %v", got)
	}
}

func TestParsePreambleErrors(t *testing.T) {
	tests := []struct {
		name    string
		buf     string
		request bool
		want    error
	}{
		{"incomplete status line", "HTTP/1.1 200 OK", false, ErrIncompletePreamble},
		{"incomplete headers", "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n", false, ErrIncompletePreamble},
		{"bad version", "HTTP/2.0 200 OK\r\n\r\n", false, ErrMalformedPreamble},
		{"bad status", "HTTP/1.1 2x0 OK\r\n\r\n", false, ErrMalformedPreamble},
		{"short status line", "HTTP/1.1 20\r\n\r\n", false, ErrMalformedPreamble},
		{"header without colon", "HTTP/1.1 200 OK\r\nBroken\r\n\r\n", false, ErrMalformedPreamble},
		{"empty header name", "HTTP/1.1 200 OK\r\n: value\r\n\r\n", false, ErrMalformedPreamble},
		{"folded header", "HTTP/1.1 200 OK\r\nA: b\r\n c\r\n\r\n", false, ErrMalformedPreamble},
		{"request without version", "GET /\r\n\r\n", true, ErrMalformedPreamble},
		{"request bad version", "GET / HTTP/9\r\n\r\n", true, ErrMalformedPreamble},
		{"request incomplete", "GET / HTTP/1.1\r\nHost: a", true, ErrIncompletePreamble},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.request {
				_, _, err = ParseRequest([]byte(tt.buf))
			} else {
				_, _, err = ParseResponse([]byte(tt.buf))
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrMalformedPreamble) {
				t.Errorf("err = %v should wrap ErrMalformedPreamble", err)
			}
		})
	}
}

func TestParseHeaderCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	for i := 0; i < MaxHeaders; i++ {
		fmt.Fprintf(&b, "X-H%d: v\r\n", i)
	}
	b.WriteString("\r\n")

	if _, _, err := ParseResponse([]byte(b.String())); err != nil {
		t.Fatalf("%d headers should parse: %v", MaxHeaders, err)
	}

	over := strings.Replace(b.String(), "\r\n\r\n", "\r\nX-Extra: v\r\n\r\n", 1)
	if _, _, err := ParseResponse([]byte(over)); !errors.Is(err, ErrTooManyHeaders) {
		t.Errorf("err = %v, want ErrTooManyHeaders", err)
	}
}

func TestHasRequestPrefix(t *testing.T) {
	tests := []struct {
		buf  string
		want bool
	}{
		{"GET / HTTP/1.1", true},
		{"DELETE /x HTTP/1.1", true},
		{"GETX / HTTP/1.1", false},
		{"GET", false},
		{"HTTP/1.1 200 OK", false},
	}
	for _, tt := range tests {
		if got := HasRequestPrefix([]byte(tt.buf)); got != tt.want {
			t.Errorf("HasRequestPrefix(%q) = %v, want %v", tt.buf, got, tt.want)
		}
	}
}
