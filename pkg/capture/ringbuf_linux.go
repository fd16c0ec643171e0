// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
)

// RingbufSource reads capture events from a BPF ring buffer map pinned by
// the tracer.
type RingbufSource struct {
	baseSource
	pinPath string
	events  *ebpf.Map
	reader  *ringbuf.Reader
}

// NewRingbufSource opens the ring buffer pinned at pinPath.
func NewRingbufSource(pinPath string, logger *zap.Logger) (*RingbufSource, error) {
	if pinPath == "" {
		return nil, errors.New("ring buffer pin path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("load pinned map %s: %w", pinPath, err)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("create ring buffer reader: %w", err)
	}
	return &RingbufSource{
		baseSource: baseSource{logger: logger},
		pinPath:    pinPath,
		events:     m,
		reader:     rd,
	}, nil
}

func (s *RingbufSource) Name() string { return "ringbuf" }

// Run blocks until the reader is closed or ctx is cancelled.
func (s *RingbufSource) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.reader.Close() })
	defer stop()

	s.logger.Info("reading capture events", zap.String("map", s.pinPath))
	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return ctx.Err()
			}
			s.logger.Debug("ring buffer read error", zap.Error(err))
			continue
		}

		ev, err := DecodeEvent(record.RawSample)
		if err != nil {
			s.logger.Debug("dropping capture event", zap.Error(err))
			continue
		}
		s.emit(ev)
	}
}

func (s *RingbufSource) Close() error {
	err := s.reader.Close()
	if cerr := s.events.Close(); err == nil {
		err = cerr
	}
	return err
}
