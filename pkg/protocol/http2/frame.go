// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http2

import (
	"strings"
	"time"
	"unsafe"

	"github.com/mbeema/tapline/pkg/protocol"
	h2 "golang.org/x/net/http2"
)

// NVMap holds decoded header fields. Keys are always lowercase, even when a
// peer sent a malformed block with uppercase names.
type NVMap map[string][]string

// Add appends value under the lowercased name.
func (m NVMap) Add(name, value string) {
	key := strings.ToLower(name)
	m[key] = append(m[key], value)
}

// ValueByKey returns the first value for key, or def.
func (m NVMap) ValueByKey(key, def string) string {
	if v := m[key]; len(v) > 0 {
		return v[0]
	}
	return def
}

// Frame is one HTTP/2 frame observed on a connection. The raw payload is kept
// because the framing library does not retain it after the next read.
type Frame struct {
	TimestampNS uint64
	// CreatedAt is when the tracer materialized the frame.
	CreatedAt time.Time

	Header  h2.FrameHeader
	Payload []byte

	// FrameSyncState is only meaningful for HEADERS frames: whether framing
	// was in sync when the frame was read.
	FrameSyncState protocol.ParseState
	// HeadersParseState is only meaningful for HEADERS frames: whether the
	// header block has been decoded.
	HeadersParseState protocol.ParseState
	Headers           NVMap
}

// ByteSize approximates the memory held by the frame.
func (f *Frame) ByteSize() int {
	n := int(unsafe.Sizeof(*f)) + len(f.Payload)
	for k, vs := range f.Headers {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return n
}
