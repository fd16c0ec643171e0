// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxHeaders is the most header fields a preamble may carry. A preamble with
// more is rejected rather than truncated.
const MaxHeaders = 10

var (
	ErrMalformedPreamble  = errors.New("malformed preamble")
	ErrIncompletePreamble = fmt.Errorf("%w: incomplete", ErrMalformedPreamble)
	ErrTooManyHeaders     = fmt.Errorf("%w: more than %d headers", ErrMalformedPreamble, MaxHeaders)
)

// Preamble is a parsed request or status line plus its header block.
type Preamble struct {
	// Request line
	Method string
	Path   string

	// Status line
	StatusCode int
	Reason     string

	MinorVersion int
	Header       Header
}

var methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "CONNECT", "TRACE"}

// HasRequestPrefix reports whether buf starts with a known method and a space.
func HasRequestPrefix(buf []byte) bool {
	for _, m := range methods {
		if len(buf) > len(m) && buf[len(m)] == ' ' && string(buf[:len(m)]) == m {
			return true
		}
	}
	return false
}

// HasResponsePrefix reports whether buf starts like a status line.
func HasResponsePrefix(buf []byte) bool {
	return bytes.HasPrefix(buf, []byte("HTTP"))
}

// ParseRequest parses a request line and header block from the start of buf.
// It returns the preamble and the number of bytes consumed, including the
// blank line that ends the headers.
func ParseRequest(buf []byte) (*Preamble, int, error) {
	line, off, ok := nextLine(buf, 0)
	if !ok {
		return nil, 0, ErrIncompletePreamble
	}

	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return nil, 0, fmt.Errorf("%w: request line %q", ErrMalformedPreamble, line)
	}
	method := line[:sp1]
	for _, c := range method {
		if !isTokenChar(c) {
			return nil, 0, fmt.Errorf("%w: method %q", ErrMalformedPreamble, method)
		}
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 <= 0 {
		return nil, 0, fmt.Errorf("%w: request line %q", ErrMalformedPreamble, line)
	}
	minor, ok := parseVersion(rest[sp2+1:])
	if !ok {
		return nil, 0, fmt.Errorf("%w: version %q", ErrMalformedPreamble, rest[sp2+1:])
	}

	p := &Preamble{
		Method:       string(method),
		Path:         string(rest[:sp2]),
		MinorVersion: minor,
		Header:       make(Header),
	}
	n, err := parseHeaders(buf, off, p.Header)
	if err != nil {
		return nil, 0, err
	}
	return p, n, nil
}

// ParseResponse parses a status line and header block from the start of buf.
func ParseResponse(buf []byte) (*Preamble, int, error) {
	line, off, ok := nextLine(buf, 0)
	if !ok {
		return nil, 0, ErrIncompletePreamble
	}

	// HTTP/1.x SP 3DIGIT [SP reason]
	if len(line) < 12 || line[8] != ' ' {
		return nil, 0, fmt.Errorf("%w: status line %q", ErrMalformedPreamble, line)
	}
	minor, ok := parseVersion(line[:8])
	if !ok {
		return nil, 0, fmt.Errorf("%w: version %q", ErrMalformedPreamble, line[:8])
	}
	status := 0
	for _, c := range line[9:12] {
		if c < '0' || c > '9' {
			return nil, 0, fmt.Errorf("%w: status %q", ErrMalformedPreamble, line[9:12])
		}
		status = status*10 + int(c-'0')
	}
	var reason []byte
	if len(line) > 12 {
		if line[12] != ' ' {
			return nil, 0, fmt.Errorf("%w: status line %q", ErrMalformedPreamble, line)
		}
		reason = bytes.TrimLeft(line[13:], " ")
	}

	p := &Preamble{
		StatusCode:   status,
		Reason:       string(reason),
		MinorVersion: minor,
		Header:       make(Header),
	}
	n, err := parseHeaders(buf, off, p.Header)
	if err != nil {
		return nil, 0, err
	}
	return p, n, nil
}

func parseHeaders(buf []byte, off int, h Header) (int, error) {
	count := 0
	for {
		line, next, ok := nextLine(buf, off)
		if !ok {
			return 0, ErrIncompletePreamble
		}
		off = next
		if len(line) == 0 {
			return off, nil
		}
		if count == MaxHeaders {
			return 0, ErrTooManyHeaders
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return 0, fmt.Errorf("%w: header line %q", ErrMalformedPreamble, line)
		}
		name := line[:colon]
		for _, c := range name {
			if !isTokenChar(c) {
				return 0, fmt.Errorf("%w: header name %q", ErrMalformedPreamble, name)
			}
		}
		value := bytes.Trim(line[colon+1:], " \t")
		h.Add(string(name), string(value))
		count++
	}
}

// nextLine returns the line starting at off without its terminator and the
// offset just past the terminator. CRLF and bare LF both end a line.
func nextLine(buf []byte, off int) ([]byte, int, bool) {
	if off > len(buf) {
		return nil, 0, false
	}
	idx := bytes.IndexByte(buf[off:], '\n')
	if idx < 0 {
		return nil, 0, false
	}
	line := buf[off : off+idx]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, off + idx + 1, true
}

// parseVersion accepts exactly "HTTP/1.<digit>" and returns the minor version.
func parseVersion(b []byte) (int, bool) {
	if len(b) != 8 || !bytes.HasPrefix(b, []byte("HTTP/1.")) {
		return 0, false
	}
	if b[7] < '0' || b[7] > '9' {
		return 0, false
	}
	return int(b[7] - '0'), true
}

// isTokenChar reports whether c may appear in an RFC 7230 token.
func isTokenChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
