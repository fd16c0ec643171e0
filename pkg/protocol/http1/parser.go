// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mbeema/tapline/pkg/protocol"
	"go.uber.org/zap"
)

var (
	ErrNegativeContentLength = errors.New("negative content-length")
	ErrInvalidContentLength  = errors.New("invalid content-length")
)

// DefaultMaxUnknownLengthContinuations is how many continuation events a
// message without a known length (and not chunked) may absorb before it is
// dropped as unrecoverable.
const DefaultMaxUnknownLengthContinuations = 1

// Parser reconstructs HTTP/1.x messages of one type from the capture events of
// a single connection direction.
//
// Events carry a per-connection sequence number. Writes to a stream are
// observed in issue order, so a fragment that does not start a new message
// must continue the message pending under the immediately preceding sequence
// number. When that predecessor is missing an event was lost, and the parser
// reports StateUnknown instead of guessing.
//
// A Parser is not safe for concurrent use; callers route all events of a
// connection direction to the same instance and serialize the calls.
type Parser struct {
	msgType           MessageType
	logger            *zap.Logger
	maxBodySize       int
	maxUnknownRetries int
	pending           map[uint64]*Message
	completed         []Message
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger used for per-event diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMaxBodySize bounds the body bytes kept per message.
func WithMaxBodySize(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxBodySize = n
		}
	}
}

// WithMaxUnknownLengthContinuations sets how many continuations a message of
// unknown length may absorb before it is dropped.
func WithMaxUnknownLengthContinuations(n int) Option {
	return func(p *Parser) {
		if n >= 0 {
			p.maxUnknownRetries = n
		}
	}
}

// NewParser creates a parser for requests or responses.
func NewParser(msgType MessageType, opts ...Option) *Parser {
	p := &Parser{
		msgType:           msgType,
		logger:            zap.NewNop(),
		maxBodySize:       DefaultMaxBodySize,
		maxUnknownRetries: DefaultMaxUnknownLengthContinuations,
		pending:           make(map[uint64]*Message),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type returns the message type this parser reconstructs.
func (p *Parser) Type() MessageType { return p.msgType }

// StartsMessage reports whether buf begins with this parser's preamble token.
func (p *Parser) StartsMessage(buf []byte) bool {
	if p.msgType == MessageRequest {
		return HasRequestPrefix(buf)
	}
	return HasResponsePrefix(buf)
}

// HasPending reports whether a message is pending under seq.
func (p *Parser) HasPending(seq uint64) bool {
	_, ok := p.pending[seq]
	return ok
}

// PendingCount returns the number of messages awaiting more data.
func (p *Parser) PendingCount() int { return len(p.pending) }

// ParseMessage feeds one capture event to the parser. attr is recorded on
// messages started by this event.
func (p *Parser) ParseMessage(seq uint64, buf []byte, attr EventAttr) protocol.ParseState {
	if p.StartsMessage(buf) {
		return p.parseStart(seq, buf, attr)
	}

	if seq == 0 {
		// Nothing can precede the first event of a connection.
		return protocol.StateInvalid
	}
	prev := seq - 1
	msg, ok := p.pending[prev]
	if !ok {
		return protocol.StateUnknown
	}
	delete(p.pending, prev)

	state := p.appendContinuation(msg, buf)
	switch state {
	case protocol.StateSuccess:
		msg.SeqNum = seq
		p.completed = append(p.completed, *msg)
	case protocol.StateNeedsMoreData:
		msg.SeqNum = seq
		p.pending[seq] = msg
	default:
		p.logger.Debug("dropping pending message",
			zap.String("type", p.msgType.String()),
			zap.Uint64("seq", seq),
			zap.Int64("received", msg.received),
		)
	}
	return state
}

func (p *Parser) parseStart(seq uint64, buf []byte, attr EventAttr) protocol.ParseState {
	var (
		pre *Preamble
		n   int
		err error
	)
	if p.msgType == MessageRequest {
		pre, n, err = ParseRequest(buf)
	} else {
		pre, n, err = ParseResponse(buf)
	}
	if err != nil {
		p.logger.Debug("failed to parse preamble",
			zap.String("type", p.msgType.String()),
			zap.Uint64("seq", seq),
			zap.Error(err),
		)
		return protocol.StateInvalid
	}

	// Transfer-Encoding overrides Content-Length (RFC 9112 section 6.3).
	chunked := isChunked(pre.Header)
	var (
		length    int64
		hasLength bool
	)
	if chunked {
		if pre.Header.Has("content-length") {
			p.logger.Debug("ignoring content-length of chunked message",
				zap.String("type", p.msgType.String()),
				zap.Uint64("seq", seq),
			)
		}
	} else {
		length, hasLength, err = contentLength(pre.Header)
		if err != nil {
			p.logger.Error("rejecting message with bad content-length",
				zap.String("type", p.msgType.String()),
				zap.Uint32("pid", attr.PID),
				zap.Int32("fd", attr.FD),
				zap.Error(err),
			)
			return protocol.StateInvalid
		}
	}

	// A new preamble ends whatever was pending: those messages can no
	// longer receive their continuation.
	p.dropPending(seq)

	msg := &Message{
		Type:          p.msgType,
		EventAttr:     attr,
		SeqNum:        seq,
		MinorVersion:  pre.MinorVersion,
		Method:        pre.Method,
		Path:          pre.Path,
		StatusCode:    pre.StatusCode,
		Reason:        pre.Reason,
		Header:        pre.Header,
		ContentLength: -1,
	}
	body := buf[n:]

	switch {
	case chunked:
		msg.Chunked = true
		if p.feedChunked(msg, body) {
			return p.complete(msg)
		}

	case hasLength:
		msg.ContentLength = length
		if length <= int64(len(body)) {
			if extra := int64(len(body)) - length; extra > 0 {
				p.logger.Debug("discarding data after message body",
					zap.Uint64("seq", seq),
					zap.Int64("bytes", extra),
				)
			}
			msg.Body = make([]byte, 0, min64(length, int64(p.maxBodySize)))
			msg.appendBody(body[:length], p.maxBodySize)
			return p.complete(msg)
		}
		msg.Body = make([]byte, 0, min64(length, int64(p.maxBodySize)))
		msg.appendBody(body, p.maxBodySize)

	case p.bodyless(msg):
		return p.complete(msg)

	default:
		msg.appendBody(body, p.maxBodySize)
	}

	p.pending[seq] = msg
	return protocol.StateNeedsMoreData
}

// appendContinuation folds buf into msg and reports the resulting state.
func (p *Parser) appendContinuation(msg *Message, buf []byte) protocol.ParseState {
	switch {
	case msg.ContentLength >= 0:
		remaining := msg.ContentLength - msg.received
		if remaining >= 0 {
			if int64(len(buf)) > remaining {
				p.logger.Debug("discarding data after message body",
					zap.Uint64("seq", msg.SeqNum+1),
					zap.Int64("bytes", int64(len(buf))-remaining),
				)
				buf = buf[:remaining]
			}
			msg.appendBody(buf, p.maxBodySize)
		}
		if msg.received >= msg.ContentLength {
			msg.IsComplete = true
			return protocol.StateSuccess
		}
		return protocol.StateNeedsMoreData

	case msg.Chunked:
		if p.feedChunked(msg, buf) {
			msg.IsComplete = true
			return protocol.StateSuccess
		}
		return protocol.StateNeedsMoreData

	default:
		// Length never announced: the message can only end with the
		// connection. Absorb a bounded number of continuations, then give up.
		if msg.unknownRetries >= p.maxUnknownRetries {
			return protocol.StateInvalid
		}
		msg.unknownRetries++
		msg.appendBody(buf, p.maxBodySize)
		return protocol.StateNeedsMoreData
	}
}

// feedChunked appends the part of buf that belongs to msg's chunked body and
// reports whether the terminal chunk has been seen. Framing is tracked on the
// raw bytes, so a body cut at the size limit still completes on its terminal
// chunk. A framing error ends the message; the post-processor reports what
// could be decoded.
func (p *Parser) feedChunked(msg *Message, buf []byte) bool {
	n, done, err := msg.chunks.feed(buf)
	if err != nil {
		p.logger.Debug("malformed chunked body, delivering as is",
			zap.Uint64("seq", msg.SeqNum),
			zap.Error(err),
		)
		msg.appendBody(buf, p.maxBodySize)
		return true
	}
	if n < len(buf) {
		p.logger.Debug("discarding data after chunked body",
			zap.Uint64("seq", msg.SeqNum),
			zap.Int("bytes", len(buf)-n),
		)
	}
	msg.appendBody(buf[:n], p.maxBodySize)
	return done
}

func (p *Parser) complete(msg *Message) protocol.ParseState {
	msg.IsComplete = true
	p.completed = append(p.completed, *msg)
	return protocol.StateSuccess
}

// bodyless reports whether a message without length or chunking is complete
// at the end of its headers.
func (p *Parser) bodyless(msg *Message) bool {
	if msg.Type == MessageRequest {
		return true
	}
	code := msg.StatusCode
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

func (p *Parser) dropPending(seq uint64) {
	for k := range p.pending {
		p.logger.Debug("abandoning pending message",
			zap.String("type", p.msgType.String()),
			zap.Uint64("pending_seq", k),
			zap.Uint64("seq", seq),
		)
		delete(p.pending, k)
	}
}

// ExtractMessages returns the completed messages in completion order and
// empties the queue.
func (p *Parser) ExtractMessages() []Message {
	msgs := p.completed
	p.completed = nil
	return msgs
}

// Close ends the connection direction. Messages of unknown length are
// delimited by the close and become complete; every other pending message is
// discarded. The drained queue is returned.
func (p *Parser) Close() []Message {
	for seq, msg := range p.pending {
		if msg.ContentLength < 0 && !msg.Chunked {
			msg.IsComplete = true
			p.completed = append(p.completed, *msg)
		}
		delete(p.pending, seq)
	}
	return p.ExtractMessages()
}

// contentLength returns the Content-Length value, whether one is present, and
// an error for negative, non-numeric or conflicting values.
func contentLength(h Header) (int64, bool, error) {
	values := h.Values("content-length")
	if len(values) == 0 {
		return 0, false, nil
	}
	var n int64
	for i, v := range values {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("%w: %q", ErrInvalidContentLength, v)
		}
		if parsed < 0 {
			return 0, true, fmt.Errorf("%w: %d", ErrNegativeContentLength, parsed)
		}
		if i > 0 && parsed != n {
			return 0, true, fmt.Errorf("%w: conflicting values %d and %d", ErrInvalidContentLength, n, parsed)
		}
		n = parsed
	}
	return n, true, nil
}

func isChunked(h Header) bool {
	for _, v := range h.Values("transfer-encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
