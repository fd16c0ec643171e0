// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

// MessageType distinguishes requests from responses.
type MessageType int

const (
	MessageRequest MessageType = iota + 1
	MessageResponse
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ChunkingStatus reports the outcome of chunked transfer-encoding decoding.
type ChunkingStatus int

const (
	// ChunkingUnknown means the body was not chunk-encoded.
	ChunkingUnknown ChunkingStatus = iota
	// ChunkingChunked means the body is still (at least partly) chunk-encoded.
	ChunkingChunked
	// ChunkingComplete means the body was fully decoded.
	ChunkingComplete
)

func (s ChunkingStatus) String() string {
	switch s {
	case ChunkingChunked:
		return "chunked"
	case ChunkingComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// EventAttr is the capture metadata recorded when a message starts.
type EventAttr struct {
	TimestampNS uint64
	TGID        uint32
	PID         uint32
	FD          int32
}

// Message is an HTTP/1.x message, either under construction (pending) or
// complete.
type Message struct {
	Type MessageType
	EventAttr
	// SeqNum is the sequence number of the last event folded into the message.
	SeqNum uint64

	MinorVersion int
	Method       string
	Path         string
	StatusCode   int
	Reason       string
	Header       Header

	Body []byte
	// ContentLength is the announced body length, -1 when unknown.
	ContentLength  int64
	Chunked        bool
	ChunkingStatus ChunkingStatus
	IsComplete     bool
	// Truncated is set when body bytes were dropped to respect the size limit.
	Truncated bool

	received       int64 // body bytes observed, including dropped ones
	chunks         chunkTracker
	unknownRetries int
}

// appendBody records len(data) received bytes and keeps at most limit bytes.
func (m *Message) appendBody(data []byte, limit int) {
	m.received += int64(len(data))
	room := limit - len(m.Body)
	if room <= 0 {
		if len(data) > 0 {
			m.Truncated = true
		}
		return
	}
	if len(data) > room {
		data = data[:room]
		m.Truncated = true
	}
	m.Body = append(m.Body, data...)
}
