// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortEvent is returned for samples smaller than the fixed header.
var ErrShortEvent = errors.New("capture event too short")

// EventType identifies what a capture event reports.
type EventType uint8

const (
	EventData  EventType = 1
	EventClose EventType = 2
)

// Direction of the traced syscall relative to the traced process.
type Direction uint8

const (
	// DirEgress is data written by the process (write, send, sendmsg).
	DirEgress Direction = 0
	// DirIngress is data read by the process (read, recv, recvmsg).
	DirIngress Direction = 1
)

func (d Direction) String() string {
	if d == DirIngress {
		return "ingress"
	}
	return "egress"
}

// AddrSize is the space reserved for a raw sockaddr (sizeof sockaddr_in6).
const AddrSize = 28

// Attr is the fixed header of a capture event. It mirrors the C struct
// emitted by the tracer; all integers are little-endian:
//
//	off  size  field
//	0    8     timestamp_ns
//	8    4     tgid
//	12   4     pid
//	16   4     fd
//	20   1     event_type
//	21   1     direction
//	22   2     (padding)
//	24   8     seq_num
//	32   28    addr (raw struct sockaddr)
//	60   4     msg_size   bytes copied into msg
//	64   4     msg_bytes  bytes moved by the syscall
//	68   ...   msg
type Attr struct {
	TimestampNS uint64
	TGID        uint32
	PID         uint32
	FD          int32
	Type        EventType
	Direction   Direction
	// SeqNum increases by one per data event on a connection direction.
	SeqNum   uint64
	Addr     [AddrSize]byte
	MsgSize  uint32
	MsgBytes uint32
}

// HeaderSize is the encoded size of Attr.
const HeaderSize = 68

// Event is one capture record.
type Event struct {
	Attr
	Msg []byte
}

// Payload returns the valid part of Msg. The tracer may copy fewer bytes
// than the syscall moved, and never more than its buffer holds.
func (e *Event) Payload() []byte {
	n := e.MsgBytes
	if e.MsgSize < n {
		n = e.MsgSize
	}
	if int(n) > len(e.Msg) {
		n = uint32(len(e.Msg))
	}
	return e.Msg[:n]
}

// DecodeEvent parses a raw sample. The payload is copied so the sample
// buffer may be reused by the reader.
func DecodeEvent(raw []byte) (*Event, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortEvent, len(raw))
	}
	ev := &Event{}
	ev.TimestampNS = binary.LittleEndian.Uint64(raw[0:8])
	ev.TGID = binary.LittleEndian.Uint32(raw[8:12])
	ev.PID = binary.LittleEndian.Uint32(raw[12:16])
	ev.FD = int32(binary.LittleEndian.Uint32(raw[16:20]))
	ev.Type = EventType(raw[20])
	ev.Direction = Direction(raw[21])
	ev.SeqNum = binary.LittleEndian.Uint64(raw[24:32])
	copy(ev.Addr[:], raw[32:60])
	ev.MsgSize = binary.LittleEndian.Uint32(raw[60:64])
	ev.MsgBytes = binary.LittleEndian.Uint32(raw[64:68])

	msg := raw[HeaderSize:]
	if int(ev.MsgSize) < len(msg) {
		msg = msg[:ev.MsgSize]
	}
	ev.Msg = append([]byte(nil), msg...)
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(ev *Event) []byte {
	raw := make([]byte, HeaderSize+len(ev.Msg))
	binary.LittleEndian.PutUint64(raw[0:8], ev.TimestampNS)
	binary.LittleEndian.PutUint32(raw[8:12], ev.TGID)
	binary.LittleEndian.PutUint32(raw[12:16], ev.PID)
	binary.LittleEndian.PutUint32(raw[16:20], uint32(ev.FD))
	raw[20] = byte(ev.Type)
	raw[21] = byte(ev.Direction)
	binary.LittleEndian.PutUint64(raw[24:32], ev.SeqNum)
	copy(raw[32:60], ev.Addr[:])
	binary.LittleEndian.PutUint32(raw[60:64], ev.MsgSize)
	binary.LittleEndian.PutUint32(raw[64:68], ev.MsgBytes)
	copy(raw[HeaderSize:], ev.Msg)
	return raw
}

// NewDataEvent builds a data event whose payload was copied in full.
func NewDataEvent(tgid uint32, fd int32, dir Direction, seq uint64, msg []byte) *Event {
	return &Event{
		Attr: Attr{
			TGID:      tgid,
			PID:       tgid,
			FD:        fd,
			Type:      EventData,
			Direction: dir,
			SeqNum:    seq,
			MsgSize:   uint32(len(msg)),
			MsgBytes:  uint32(len(msg)),
		},
		Msg: msg,
	}
}
