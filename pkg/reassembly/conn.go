// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"sync"
	"time"

	"github.com/mbeema/tapline/pkg/capture"
	"github.com/mbeema/tapline/pkg/protocol/http1"
	"github.com/mbeema/tapline/pkg/protocol/http2"
	"github.com/mbeema/tapline/pkg/sockaddr"
	"go.uber.org/zap"
)

// MaxFrameBuffer is the maximum bytes of an incomplete HTTP/2 frame buffered
// per direction.
const MaxFrameBuffer = 256 * 1024 // 256KB

// Protocol is the application protocol detected on a connection.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP1
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http/1.1"
	case ProtocolHTTP2:
		return "h2"
	default:
		return "unknown"
	}
}

// ConnInfo identifies the connection a message was observed on.
type ConnInfo struct {
	TGID   uint32
	FD     int32
	Remote sockaddr.Addr
}

// connKey uniquely identifies a connection.
type connKey struct {
	TGID uint32
	FD   int32
}

// direction holds the reconstruction state of one side of a connection. Which
// side is client and which is server is not known up front, so each direction
// carries both a request and a response engine.
type direction struct {
	req  *http1.Parser
	resp *http1.Parser

	h2      *http2.Decoder
	h2buf   []byte
	lastSeq uint64
}

func newDirection(logger *zap.Logger, maxBody, maxUnknown int) *direction {
	opts := []http1.Option{
		http1.WithLogger(logger),
		http1.WithMaxBodySize(maxBody),
		http1.WithMaxUnknownLengthContinuations(maxUnknown),
	}
	return &direction{
		req:  http1.NewParser(http1.MessageRequest, opts...),
		resp: http1.NewParser(http1.MessageResponse, opts...),
	}
}

// engineFor picks the engine that should see payload with sequence number seq.
func (d *direction) engineFor(seq uint64, payload []byte) *http1.Parser {
	switch {
	case http1.HasRequestPrefix(payload):
		return d.req
	case http1.HasResponsePrefix(payload):
		return d.resp
	case seq > 0 && d.req.HasPending(seq-1):
		return d.req
	default:
		return d.resp
	}
}

func (d *direction) pending() int {
	return d.req.PendingCount() + d.resp.PendingCount()
}

// Conn is the reconstruction state of one traced connection. Its mutex
// serializes every engine call on the connection.
type Conn struct {
	mu sync.Mutex

	TGID     uint32
	FD       int32
	Remote   sockaddr.Addr
	addrSeen bool
	Protocol Protocol

	dirs         [2]*direction
	lastActivity time.Time
}

func newConn(key connKey, logger *zap.Logger, maxBody, maxUnknown int) *Conn {
	return &Conn{
		TGID: key.TGID,
		FD:   key.FD,
		dirs: [2]*direction{
			newDirection(logger, maxBody, maxUnknown),
			newDirection(logger, maxBody, maxUnknown),
		},
	}
}

func (c *Conn) info() ConnInfo {
	return ConnInfo{TGID: c.TGID, FD: c.FD, Remote: c.Remote}
}

// setAddr decodes the remote address once per connection. An address whose
// family is zero was not filled in by the tracer and is retried on the next
// event.
func (c *Conn) setAddr(raw []byte, logger *zap.Logger) {
	if c.addrSeen || sockaddr.Family(raw) == 0 {
		return
	}
	c.addrSeen = true
	addr, err := sockaddr.Decode(raw)
	if err != nil {
		logger.Debug("remote address not decoded",
			zap.Uint32("tgid", c.TGID),
			zap.Int32("fd", c.FD),
			zap.Error(err),
		)
		return
	}
	c.Remote = addr
}

// LastActivity returns the time of the most recent event on the connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// closeDirections flushes both directions. Must be called with c.mu held.
func (c *Conn) closeDirections(emit func(*Conn, capture.Direction, []http1.Message)) {
	for i, d := range c.dirs {
		dir := capture.Direction(i)
		emit(c, dir, d.req.Close())
		emit(c, dir, d.resp.Close())
		d.h2buf = nil
	}
}
