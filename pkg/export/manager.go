// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/tapline/pkg/config"
	"go.uber.org/zap"
)

// Sink is the storage boundary: it receives batches of records.
type Sink interface {
	Name() string
	Export(ctx context.Context, records []*Record) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 512
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 10000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0

	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// sinkState pairs a sink with its own circuit breaker so one failing
// backend does not stop delivery to the others.
type sinkState struct {
	sink    Sink
	breaker *CircuitBreaker
}

// Manager batches records and delivers them to every sink with retries.
type Manager struct {
	logger *zap.Logger
	sinks  []*sinkState

	recordCh chan *Record

	exported  atomic.Int64
	dropCount atomic.Int64

	batchSize      int
	flushInterval  time.Duration
	initialBackoff time.Duration

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates an export manager with the sinks enabled in cfg.
func NewManager(cfg *config.ExportersConfig, serviceName string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sinks []Sink

	if cfg.OTLP.Enabled {
		var (
			sink Sink
			err  error
		)
		if cfg.OTLP.Protocol == "http" {
			sink, err = NewHTTPOTLPSink(&cfg.OTLP, serviceName, logger)
		} else {
			sink, err = NewOTLPSink(&cfg.OTLP, serviceName, logger)
		}
		if err != nil {
			logger.Warn("failed to create OTLP sink", zap.Error(err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	if cfg.Stdout.Enabled {
		sinks = append(sinks, NewStdoutSink(cfg.Stdout.Format, logger))
	}

	m := NewManagerWithSinks(sinks, logger)
	if cfg.BatchSize > 0 {
		m.batchSize = cfg.BatchSize
	}
	if cfg.FlushInterval > 0 {
		m.flushInterval = cfg.FlushInterval
	}
	return m, nil
}

// NewManagerWithSinks creates an export manager delivering to sinks.
func NewManagerWithSinks(sinks []Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:         logger,
		recordCh:       make(chan *Record, defaultChannelSize),
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		initialBackoff: initialBackoff,
		stopCh:         make(chan struct{}),
	}
	for _, s := range sinks {
		m.sinks = append(m.sinks, &sinkState{
			sink:    s,
			breaker: NewCircuitBreaker(s.Name(), breakerThreshold, breakerReset, logger),
		})
	}
	return m
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processRecords(ctx)

	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.sink.Name())
	}
	m.logger.Info("export manager started",
		zap.Strings("sinks", names),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)

	return nil
}

// Stop flushes queued records and shuts down the sinks.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range m.sinks {
		if err := s.sink.Shutdown(ctx); err != nil {
			m.logger.Error("sink shutdown error", zap.String("sink", s.sink.Name()), zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("records_exported", m.exported.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)

	return nil
}

// Export queues a record. It never blocks: a full queue drops the record.
func (m *Manager) Export(r *Record) {
	select {
	case m.recordCh <- r:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("record channel full, dropping record")
	}
}

func (m *Manager) processRecords(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Record, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(flushCtx context.Context) {
		for {
			select {
			case r := <-m.recordCh:
				batch = append(batch, r)
			default:
				if len(batch) > 0 {
					m.flush(flushCtx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case r := <-m.recordCh:
			batch = append(batch, r)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = make([]*Record, 0, m.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = make([]*Record, 0, m.batchSize)
			}

		case <-m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, records []*Record) {
	delivered := false
	for _, s := range m.sinks {
		if m.retryExport(ctx, s, records) {
			delivered = true
		}
	}
	if delivered {
		m.exported.Add(int64(len(records)))
	}
}

// retryExport attempts an export with exponential backoff and circuit
// breaker. It reports whether the sink accepted the batch.
func (m *Manager) retryExport(ctx context.Context, s *sinkState, records []*Record) bool {
	name := s.sink.Name()
	if !s.breaker.Admit(len(records)) {
		m.dropCount.Add(int64(len(records)))
		m.logger.Debug("circuit breaker open, dropping batch",
			zap.String("sink", name),
			zap.Int("records", len(records)),
		)
		return false
	}

	backoff := m.initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sink.Export(exportCtx, records)
		cancel()

		if err == nil {
			s.breaker.RecordSuccess()
			return true
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			m.logger.Error("export rejected, dropping batch",
				zap.String("sink", name),
				zap.Int("records", len(records)),
				zap.Error(err),
			)
			m.dropCount.Add(int64(len(records)))
			return false
		}

		s.breaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.String("sink", name),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.dropCount.Add(int64(len(records)))
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.String("sink", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Exported returns the number of records flushed to the sinks.
func (m *Manager) Exported() int64 {
	return m.exported.Load()
}

// DropCount returns the number of dropped records.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}

// OpenBreakers returns how many sinks are currently refusing batches.
func (m *Manager) OpenBreakers() int {
	n := 0
	for _, s := range m.sinks {
		if s.breaker.State() == CircuitOpen {
			n++
		}
	}
	return n
}

// QueueDepth returns the current record channel fill level.
func (m *Manager) QueueDepth() int {
	return len(m.recordCh)
}
