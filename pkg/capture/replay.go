// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// maxRecordSize guards against reading a corrupt length prefix.
const maxRecordSize = 16 << 20

// Recorder writes capture events as length-prefixed raw samples, the format
// read back by ReplaySource.
type Recorder struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewRecorder creates (or truncates) a recording at path.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recorder{w: bufio.NewWriter(f), c: f}, nil
}

// NewRecorderWriter records into w.
func NewRecorderWriter(w io.Writer) *Recorder {
	return &Recorder{w: bufio.NewWriter(w)}
}

// Write appends one event.
func (r *Recorder) Write(ev *Event) error {
	raw := EncodeEvent(ev)
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(raw)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := r.w.Write(raw)
	return err
}

// Close flushes buffered events and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		return err
	}
	if r.c != nil {
		return r.c.Close()
	}
	return nil
}

// ReplaySource replays a recording. Run returns nil once the recording is
// exhausted.
type ReplaySource struct {
	baseSource
	path string
	r    io.Reader
	c    io.Closer
}

// NewReplaySource opens a recording for replay.
func NewReplaySource(path string, logger *zap.Logger) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	s := NewReplayReader(f, logger)
	s.path = path
	s.c = f
	return s, nil
}

// NewReplayReader replays a recording from r.
func NewReplayReader(r io.Reader, logger *zap.Logger) *ReplaySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplaySource{
		baseSource: baseSource{logger: logger},
		r:          bufio.NewReader(r),
	}
}

func (s *ReplaySource) Name() string { return "replay" }

func (s *ReplaySource) Run(ctx context.Context) error {
	var prefix [4]byte
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(s.r, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("replay finished", zap.String("path", s.path), zap.Int("events", count))
				return nil
			}
			return fmt.Errorf("read record length: %w", err)
		}
		size := binary.LittleEndian.Uint32(prefix[:])
		if size > maxRecordSize {
			return fmt.Errorf("record %d: length %d exceeds limit", count, size)
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(s.r, raw); err != nil {
			return fmt.Errorf("read record %d: %w", count, err)
		}
		ev, err := DecodeEvent(raw)
		if err != nil {
			s.logger.Debug("skipping undecodable record", zap.Int("record", count), zap.Error(err))
			continue
		}
		count++
		s.emit(ev)
	}
}

func (s *ReplaySource) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
