// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Source delivers capture events produced by the kernel tracer.
type Source interface {
	// Run reads events and dispatches them to registered callbacks until ctx
	// is cancelled, the source is exhausted, or Close is called.
	Run(ctx context.Context) error
	Close() error
	OnEvent(fn func(*Event))
	Name() string
}

// Config holds capture configuration.
type Config struct {
	// Source selects the event source: "ringbuf" or "replay".
	Source string
	// RingbufPinPath is the bpffs path of the pinned ring buffer map.
	RingbufPinPath string
	// ReplayPath is a file written by a Recorder.
	ReplayPath string
	Logger     *zap.Logger
}

// baseSource provides callback fan-out shared by all sources.
type baseSource struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	callbacks []func(*Event)
}

func (s *baseSource) OnEvent(fn func(*Event)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

func (s *baseSource) emit(ev *Event) {
	s.mu.RLock()
	cbs := s.callbacks
	s.mu.RUnlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

// New creates the configured event source.
func New(cfg *Config) (Source, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch cfg.Source {
	case "replay":
		src, err := NewReplaySource(cfg.ReplayPath, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "", "ringbuf":
		src, err := NewRingbufSource(cfg.RingbufPinPath, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}
