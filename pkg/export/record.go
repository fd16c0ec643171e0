// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"strconv"
	"time"

	"github.com/mbeema/tapline/pkg/protocol"
	"github.com/mbeema/tapline/pkg/protocol/http1"
	"github.com/mbeema/tapline/pkg/reassembly"
	h2 "golang.org/x/net/http2"
)

// Record is one reconstructed protocol message, flattened for storage.
type Record struct {
	// TimestampNS is the capture timestamp of the message's first event.
	TimestampNS  uint64
	ObservedTime time.Time
	ServiceName  string

	TGID       uint32
	PID        uint32
	FD         int32
	RemoteAddr string
	RemotePort uint16
	Direction  string
	Protocol   string
	StreamID   uint32 // HTTP/2 only

	Type         string // "request" or "response"
	MinorVersion int
	Method       string
	Path         string
	StatusCode   int
	Reason       string
	Headers      map[string]string

	Body            []byte
	ContentEncoding string
	ChunkingStatus  string
	Truncated       bool
}

// IsRequest reports whether the record holds a request.
func (r *Record) IsRequest() bool {
	return r.Type == http1.MessageRequest.String()
}

// NewRecord flattens a completed HTTP/1.x message.
func NewRecord(ev *reassembly.MessageEvent) *Record {
	m := &ev.Message
	return &Record{
		TimestampNS:     m.TimestampNS,
		ObservedTime:    time.Now(),
		TGID:            ev.Conn.TGID,
		PID:             m.PID,
		FD:              ev.Conn.FD,
		RemoteAddr:      ev.Conn.Remote.IP,
		RemotePort:      ev.Conn.Remote.Port,
		Direction:       ev.Direction.String(),
		Protocol:        reassembly.ProtocolHTTP1.String(),
		Type:            m.Type.String(),
		MinorVersion:    m.MinorVersion,
		Method:          m.Method,
		Path:            m.Path,
		StatusCode:      m.StatusCode,
		Reason:          m.Reason,
		Headers:         m.Header.Flatten(),
		Body:            m.Body,
		ContentEncoding: m.Header.Get("content-encoding"),
		ChunkingStatus:  m.ChunkingStatus.String(),
		Truncated:       m.Truncated,
	}
}

// NewFrameRecord flattens a decoded HTTP/2 HEADERS frame. Other frames, and
// header blocks that could not be decoded, yield nil.
func NewFrameRecord(ev *reassembly.FrameEvent) *Record {
	f := ev.Frame
	if f.Header.Type != h2.FrameHeaders || f.HeadersParseState != protocol.StateSuccess {
		return nil
	}

	r := &Record{
		TimestampNS:  f.TimestampNS,
		ObservedTime: f.CreatedAt,
		TGID:         ev.Conn.TGID,
		PID:          ev.PID,
		FD:           ev.Conn.FD,
		RemoteAddr:   ev.Conn.Remote.IP,
		RemotePort:   ev.Conn.Remote.Port,
		Direction:    ev.Direction.String(),
		Protocol:     reassembly.ProtocolHTTP2.String(),
		StreamID:     f.Header.StreamID,
		Headers:      make(map[string]string, len(f.Headers)),
	}
	for k, v := range f.Headers {
		if len(v) > 0 {
			r.Headers[k] = v[0]
		}
	}

	if method := f.Headers.ValueByKey(":method", ""); method != "" {
		r.Type = http1.MessageRequest.String()
		r.Method = method
		r.Path = f.Headers.ValueByKey(":path", "")
	} else {
		r.Type = http1.MessageResponse.String()
		r.StatusCode, _ = strconv.Atoi(f.Headers.ValueByKey(":status", ""))
	}
	r.ContentEncoding = f.Headers.ValueByKey("content-encoding", "")
	return r
}
