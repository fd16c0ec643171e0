// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"bytes"
	"sync"
	"time"

	"github.com/mbeema/tapline/pkg/capture"
	"github.com/mbeema/tapline/pkg/protocol"
	"github.com/mbeema/tapline/pkg/protocol/http1"
	"github.com/mbeema/tapline/pkg/protocol/http2"
	"go.uber.org/zap"
	h2 "golang.org/x/net/http2"
)

// MessageEvent is a complete HTTP/1.x message drained from an engine.
type MessageEvent struct {
	Conn      ConnInfo
	Direction capture.Direction
	Message   http1.Message
}

// FrameEvent is an HTTP/2 frame decoded on a connection.
type FrameEvent struct {
	Conn ConnInfo
	// PID is the thread that wrote the bytes completing the frame.
	PID       uint32
	Direction capture.Direction
	Frame     *http2.Frame
}

// Config holds router settings.
type Config struct {
	Logger *zap.Logger
	// MaxBodySize bounds stored body bytes per message; zero selects
	// http1.DefaultMaxBodySize.
	MaxBodySize int
	// MaxUnknownLengthContinuations is passed to every engine; negative
	// selects http1.DefaultMaxUnknownLengthContinuations.
	MaxUnknownLengthContinuations int
}

// Router routes capture events to per-connection reconstruction engines and
// hands completed messages to the registered callbacks. Callbacks run while
// the connection is locked, so messages of one connection are delivered in
// order; they must not call back into the Router.
type Router struct {
	mu     sync.RWMutex
	conns  map[connKey]*Conn
	logger *zap.Logger

	maxBody    int
	maxUnknown int

	onMessage func(*MessageEvent)
	onFrame   func(*FrameEvent)
	now       func() time.Time
}

// NewRouter creates a router with no connections.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = http1.DefaultMaxBodySize
	}
	maxUnknown := cfg.MaxUnknownLengthContinuations
	if maxUnknown < 0 {
		maxUnknown = http1.DefaultMaxUnknownLengthContinuations
	}
	return &Router{
		conns:      make(map[connKey]*Conn),
		logger:     logger,
		maxBody:    maxBody,
		maxUnknown: maxUnknown,
		now:        time.Now,
	}
}

// OnMessage registers the callback for completed HTTP/1.x messages.
func (r *Router) OnMessage(fn func(*MessageEvent)) {
	r.onMessage = fn
}

// OnFrame registers the callback for decoded HTTP/2 frames.
func (r *Router) OnFrame(fn func(*FrameEvent)) {
	r.onFrame = fn
}

// SetLimits changes the body limits applied to connections created from now on.
func (r *Router) SetLimits(maxBodySize, maxUnknownLengthContinuations int) {
	r.mu.Lock()
	if maxBodySize > 0 {
		r.maxBody = maxBodySize
	}
	if maxUnknownLengthContinuations >= 0 {
		r.maxUnknown = maxUnknownLengthContinuations
	}
	r.mu.Unlock()
}

func (r *Router) getOrCreate(key connKey) *Conn {
	r.mu.RLock()
	c, ok := r.conns[key]
	r.mu.RUnlock()

	if ok {
		return c
	}

	r.mu.Lock()
	if c, ok = r.conns[key]; ok {
		r.mu.Unlock()
		return c
	}
	c = newConn(key, r.logger, r.maxBody, r.maxUnknown)
	r.conns[key] = c
	r.mu.Unlock()

	return c
}

// Handle feeds one capture event to its connection. A close event flushes
// and forgets the connection.
func (r *Router) Handle(ev *capture.Event) protocol.ParseState {
	if ev.Type == capture.EventClose {
		r.CloseConn(ev.TGID, ev.FD)
		return protocol.StateSuccess
	}
	if ev.Direction > capture.DirIngress {
		r.logger.Debug("unknown event direction", zap.Uint8("direction", uint8(ev.Direction)))
		return protocol.StateInvalid
	}

	c := r.getOrCreate(connKey{TGID: ev.TGID, FD: ev.FD})
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActivity = r.now()
	c.setAddr(ev.Addr[:], r.logger)

	payload := ev.Payload()
	d := c.dirs[ev.Direction]

	if c.Protocol != ProtocolHTTP2 && bytes.HasPrefix(payload, []byte(h2.ClientPreface)) {
		c.Protocol = ProtocolHTTP2
	}
	if c.Protocol == ProtocolHTTP2 {
		return r.handleFrames(c, d, ev, payload)
	}

	eng := d.engineFor(ev.SeqNum, payload)
	state := eng.ParseMessage(ev.SeqNum, payload, http1.EventAttr{
		TimestampNS: ev.TimestampNS,
		TGID:        ev.TGID,
		PID:         ev.PID,
		FD:          ev.FD,
	})
	if state == protocol.StateSuccess || state == protocol.StateNeedsMoreData {
		c.Protocol = ProtocolHTTP1
	}
	r.emit(c, ev.Direction, eng.ExtractMessages())
	return state
}

// handleFrames buffers payload until whole HTTP/2 frames are available. A gap
// in sequence numbers discards a partially buffered frame.
func (r *Router) handleFrames(c *Conn, d *direction, ev *capture.Event, payload []byte) protocol.ParseState {
	if d.h2 == nil {
		d.h2 = http2.NewDecoder(r.logger)
	}
	if len(d.h2buf) > 0 && ev.SeqNum != d.lastSeq+1 {
		r.logger.Debug("sequence gap, dropping partial frame",
			zap.Uint32("tgid", c.TGID),
			zap.Int32("fd", c.FD),
			zap.Uint64("seq", ev.SeqNum),
			zap.Uint64("last_seq", d.lastSeq),
		)
		d.h2buf = nil
	}
	d.lastSeq = ev.SeqNum
	d.h2buf = append(d.h2buf, payload...)

	frames, n, state := d.h2.Decode(d.h2buf, ev.TimestampNS)
	if r.onFrame != nil {
		info := c.info()
		for _, f := range frames {
			r.onFrame(&FrameEvent{Conn: info, PID: ev.PID, Direction: ev.Direction, Frame: f})
		}
	}

	switch {
	case state == protocol.StateInvalid:
		d.h2buf = nil
	case len(d.h2buf)-n > MaxFrameBuffer:
		r.logger.Debug("frame buffer limit exceeded",
			zap.Uint32("tgid", c.TGID),
			zap.Int32("fd", c.FD),
			zap.Int("buffered", len(d.h2buf)-n),
		)
		d.h2buf = nil
		state = protocol.StateInvalid
	case n == len(d.h2buf):
		d.h2buf = d.h2buf[:0]
	default:
		d.h2buf = append(d.h2buf[:0], d.h2buf[n:]...)
	}
	return state
}

func (r *Router) emit(c *Conn, dir capture.Direction, msgs []http1.Message) {
	if r.onMessage == nil || len(msgs) == 0 {
		return
	}
	info := c.info()
	for _, m := range msgs {
		r.onMessage(&MessageEvent{Conn: info, Direction: dir, Message: m})
	}
}

// CloseConn flushes a connection's engines and removes it. It returns the
// number of messages delivered by the flush.
func (r *Router) CloseConn(tgid uint32, fd int32) int {
	key := connKey{TGID: tgid, FD: fd}

	r.mu.Lock()
	c, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()

	if !ok {
		return 0
	}
	return r.flush(c)
}

// CloseAll flushes and removes every connection, as on shutdown. It returns
// the number of messages delivered.
func (r *Router) CloseAll() int {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for key, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, key)
	}
	r.mu.Unlock()

	n := 0
	for _, c := range conns {
		n += r.flush(c)
	}
	return n
}

func (r *Router) flush(c *Conn) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	c.closeDirections(func(c *Conn, dir capture.Direction, msgs []http1.Message) {
		n += len(msgs)
		r.emit(c, dir, msgs)
	})
	return n
}

// ConnCount returns the number of tracked connections.
func (r *Router) ConnCount() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// PendingCount returns the number of messages awaiting more data across all
// connections.
func (r *Router) PendingCount() int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range conns {
		c.mu.Lock()
		for _, d := range c.dirs {
			n += d.pending()
		}
		c.mu.Unlock()
	}
	return n
}

// CleanStale flushes and removes connections idle for longer than maxIdle.
// It returns the number of connections removed.
func (r *Router) CleanStale(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	var stale []*Conn

	r.mu.Lock()
	for key, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			delete(r.conns, key)
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		r.flush(c)
	}
	return len(stale)
}
