// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http2

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mbeema/tapline/pkg/protocol"
	"go.uber.org/zap"
	h2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	frameHeaderLen = 9
	// maxFrameSize is the largest frame length representable on the wire.
	maxFrameSize = 1<<24 - 1
)

// Decoder splits captured bytes of one connection direction into frames and
// decodes header blocks. HPACK is stateful, so one Decoder must see every
// header block of its direction, in order.
type Decoder struct {
	logger *zap.Logger
	hpack  *hpack.Decoder
	// blocks accumulates header block fragments until END_HEADERS.
	blocks map[uint32][]byte
	// headerFrames indexes the HEADERS frame awaiting CONTINUATION per stream.
	headerFrames map[uint32]*Frame
	sawPreface   bool
}

// NewDecoder creates a frame decoder with the default HPACK table size.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		logger:       logger,
		hpack:        hpack.NewDecoder(4096, nil),
		blocks:       make(map[uint32][]byte),
		headerFrames: make(map[uint32]*Frame),
	}
}

// Decode reads every complete frame at the start of buf. It returns the
// frames, the number of bytes consumed, and StateNeedsMoreData when buf ends
// inside a frame. A framing error yields StateInvalid together with the frames
// decoded before it.
//
// A HEADERS frame without END_HEADERS is held back, possibly across calls,
// and returned in place of the CONTINUATION frame that completes its block.
// Joined CONTINUATION frames are not returned themselves.
func (d *Decoder) Decode(buf []byte, timestampNS uint64) ([]*Frame, int, protocol.ParseState) {
	off := 0
	if !d.sawPreface && bytes.HasPrefix(buf, []byte(h2.ClientPreface)) {
		off = len(h2.ClientPreface)
	}
	d.sawPreface = true

	var frames []*Frame
	for {
		rest := buf[off:]
		if len(rest) == 0 {
			return frames, off, protocol.StateSuccess
		}
		if len(rest) < frameHeaderLen {
			return frames, off, protocol.StateNeedsMoreData
		}
		length := int(rest[0])<<16 | int(rest[1])<<8 | int(rest[2])
		if len(rest) < frameHeaderLen+length {
			return frames, off, protocol.StateNeedsMoreData
		}
		raw := rest[:frameHeaderLen+length]

		f, err := d.readFrame(raw, timestampNS)
		if err != nil {
			d.logger.Debug("http2 frame decode failed", zap.Int("offset", off), zap.Error(err))
			return frames, off, protocol.StateInvalid
		}
		if f != nil {
			frames = append(frames, f)
		}
		off += len(raw)
	}
}

// readFrame decodes one frame. It returns a nil frame while a header block
// is still incomplete.
func (d *Decoder) readFrame(raw []byte, timestampNS uint64) (*Frame, error) {
	fr := h2.NewFramer(nil, bytes.NewReader(raw))
	fr.SetMaxReadFrameSize(maxFrameSize)
	// Capture may start mid-connection; ordering rules are enforced by the
	// header block bookkeeping below instead.
	fr.AllowIllegalReads = true

	hf, err := fr.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	f := &Frame{
		TimestampNS:       timestampNS,
		CreatedAt:         time.Now(),
		Header:            hf.Header(),
		Payload:           append([]byte(nil), raw[frameHeaderLen:]...),
		FrameSyncState:    protocol.StateSuccess,
		HeadersParseState: protocol.StateUnknown,
	}

	switch v := hf.(type) {
	case *h2.HeadersFrame:
		streamID := v.StreamID
		d.blocks[streamID] = append([]byte(nil), v.HeaderBlockFragment()...)
		if !v.HeadersEnded() {
			f.HeadersParseState = protocol.StateNeedsMoreData
			d.headerFrames[streamID] = f
			return nil, nil
		}
		d.finishBlock(streamID, f)

	case *h2.ContinuationFrame:
		streamID := v.StreamID
		owner, ok := d.headerFrames[streamID]
		if !ok {
			// CONTINUATION whose HEADERS frame was not captured.
			f.FrameSyncState = protocol.StateUnknown
			return f, nil
		}
		d.blocks[streamID] = append(d.blocks[streamID], v.HeaderBlockFragment()...)
		if !v.HeadersEnded() {
			return nil, nil
		}
		delete(d.headerFrames, streamID)
		d.finishBlock(streamID, owner)
		return owner, nil
	}
	return f, nil
}

// finishBlock decodes the accumulated header block of a stream into f.
func (d *Decoder) finishBlock(streamID uint32, f *Frame) {
	block := d.blocks[streamID]
	delete(d.blocks, streamID)

	fields, err := d.hpack.DecodeFull(block)
	if err != nil {
		d.logger.Debug("hpack decode failed", zap.Uint32("stream", streamID), zap.Error(err))
		f.HeadersParseState = protocol.StateInvalid
		return
	}
	f.Headers = make(NVMap, len(fields))
	for _, hf := range fields {
		f.Headers.Add(hf.Name, hf.Value)
	}
	f.HeadersParseState = protocol.StateSuccess
}
