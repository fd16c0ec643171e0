// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/tapline/pkg/capture"
	"github.com/mbeema/tapline/pkg/config"
	"github.com/mbeema/tapline/pkg/export"
	"github.com/mbeema/tapline/pkg/health"
	"github.com/mbeema/tapline/pkg/protocol/http1"
	"github.com/mbeema/tapline/pkg/reassembly"
	"github.com/mbeema/tapline/pkg/redact"
	"go.uber.org/zap"
)

// Agent wires capture, reconstruction and export together.
// Config is stored as an atomic pointer so event callbacks never contend
// with Reload.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	policy  atomic.Pointer[policy]
	logger  *zap.Logger
	version string

	source       capture.Source
	recorder     *capture.Recorder
	router       *reassembly.Router
	exporter     *export.Manager
	healthStats  *health.Stats
	healthServer *health.Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	runErr   error
	started  bool
	stopOnce sync.Once
}

// policy holds the compiled header filters and redactor of the current
// config. Reload swaps it as a whole.
type policy struct {
	request  http1.HeaderFilter
	response http1.HeaderFilter
	redactor *redact.Redactor
}

func newPolicy(cfg *config.Config) (*policy, error) {
	redactor, err := redact.FromConfig(&cfg.Redaction)
	if err != nil {
		return nil, err
	}
	return &policy{
		request:  http1.ParseHeaderFilter(cfg.Tracing.HTTP.RequestHeaderFilters),
		response: http1.ParseHeaderFilter(cfg.Tracing.HTTP.ResponseHeaderFilters),
		redactor: redactor,
	}, nil
}

func (p *policy) apply(rec *export.Record) {
	if !p.redactor.Enabled() {
		return
	}
	rec.Path = p.redactor.Redact(rec.Path)
	p.redactor.RedactHeaders(rec.Headers)
	rec.Body = p.redactor.RedactBody(rec.Body)
}

// Option customizes an Agent.
type Option func(*options)

type options struct {
	source  capture.Source
	sinks   []export.Sink
	version string
}

// WithSource replaces the configured capture source.
func WithSource(src capture.Source) Option {
	return func(o *options) { o.source = src }
}

// WithSinks replaces the configured exporters with sinks.
func WithSinks(sinks ...export.Sink) Option {
	return func(o *options) { o.sinks = sinks }
}

// WithVersion sets the version reported by the health server.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New creates an agent from cfg.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{
		logger:      logger,
		version:     o.version,
		healthStats: health.NewStats(),
		done:        make(chan struct{}),
	}
	a.cfg.Store(cfg)
	pol, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}
	a.policy.Store(pol)

	a.router = reassembly.NewRouter(reassembly.Config{
		Logger:                        logger.Named("reassembly"),
		MaxBodySize:                   cfg.Tracing.HTTP.MaxBodySize,
		MaxUnknownLengthContinuations: cfg.Tracing.HTTP.MaxUnknownLengthContinuations,
	})
	a.router.OnMessage(a.onMessage)
	a.router.OnFrame(a.onFrame)

	if o.sinks != nil {
		a.exporter = export.NewManagerWithSinks(o.sinks, logger.Named("export"))
	} else {
		exporter, err := export.NewManager(&cfg.Exporters, cfg.ServiceName, logger.Named("export"))
		if err != nil {
			return nil, fmt.Errorf("create export manager: %w", err)
		}
		a.exporter = exporter
	}

	a.source = o.source
	if a.source == nil {
		src, err := capture.New(&capture.Config{
			Source:         cfg.Capture.Source,
			RingbufPinPath: cfg.Capture.RingbufPinPath,
			ReplayPath:     cfg.Capture.ReplayPath,
			Logger:         logger.Named("capture"),
		})
		if err != nil {
			return nil, fmt.Errorf("create capture source: %w", err)
		}
		a.source = src
	}
	a.source.OnEvent(a.handleEvent)

	if cfg.Capture.RecordPath != "" {
		rec, err := capture.NewRecorder(cfg.Capture.RecordPath)
		if err != nil {
			a.source.Close()
			return nil, err
		}
		a.recorder = rec
	}

	a.healthStats.SetGauge("connections_active", func() int64 { return int64(a.router.ConnCount()) })
	a.healthStats.SetGauge("messages_pending", func() int64 { return int64(a.router.PendingCount()) })
	a.healthStats.SetGauge("export_queue_depth", func() int64 { return int64(a.exporter.QueueDepth()) })
	a.healthStats.SetGauge("export_breakers_open", func() int64 { return int64(a.exporter.OpenBreakers()) })

	return a, nil
}

// Start launches the export pipeline, the health server and the capture
// loop. It returns once everything is running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("agent already started")
	}
	cfg := a.cfg.Load()

	// The exporter outlives ctx so Stop can flush connections closed on
	// shutdown.
	if err := a.exporter.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start exporter: %w", err)
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, a.version, a.healthStats, a.logger.Named("health"))
		a.healthServer.AddCheck("capture", a.captureHealth)
		a.healthServer.AddCheck("export", a.exportHealth)
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("failed to start health server", zap.Error(err))
			a.healthServer = nil
		}
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.started = true

	a.wg.Add(2)
	go a.captureLoop(ctx)
	go a.cleanupLoop(ctx)

	if a.healthServer != nil {
		a.healthServer.SetReady(true)
	}

	a.logger.Info("agent started",
		zap.String("source", a.source.Name()),
		zap.Bool("http", cfg.Tracing.HTTP.Enabled),
		zap.Bool("http2", cfg.Tracing.HTTP2.Enabled),
		zap.String("request_filter", a.policy.Load().request.String()),
		zap.String("response_filter", a.policy.Load().response.String()),
		zap.Bool("redaction", a.policy.Load().redactor.Enabled()),
	)
	return nil
}

func (a *Agent) captureLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.done)

	err := a.source.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("capture source failed", zap.String("source", a.source.Name()), zap.Error(err))
		a.runErr = err
	}
}

// Done is closed when the capture source stops, for example when a replay
// is exhausted.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns the capture error that closed Done, if any.
func (a *Agent) Err() error {
	<-a.done
	return a.runErr
}

func (a *Agent) captureHealth() error {
	select {
	case <-a.done:
		if a.runErr != nil {
			return a.runErr
		}
		return errors.New("capture source stopped")
	default:
		return nil
	}
}

func (a *Agent) exportHealth() error {
	if n := a.exporter.OpenBreakers(); n > 0 {
		return fmt.Errorf("%d sink(s) unavailable", n)
	}
	return nil
}

// Stats returns the agent's self-monitoring counters.
func (a *Agent) Stats() *health.Stats {
	return a.healthStats
}

func (a *Agent) handleEvent(ev *capture.Event) {
	a.healthStats.EventsReceived.Add(1)

	if a.recorder != nil {
		if err := a.recorder.Write(ev); err != nil {
			a.logger.Debug("failed to record event", zap.Error(err))
		}
	}

	switch ev.Type {
	case capture.EventData:
		a.healthStats.RecordParseState(a.router.Handle(ev))
	case capture.EventClose:
		a.router.Handle(ev)
	default:
		a.healthStats.EventsDropped.Add(1)
		a.logger.Debug("unknown event type", zap.Uint8("type", uint8(ev.Type)))
	}
}

// onMessage runs under the connection lock of the router.
func (a *Agent) onMessage(ev *reassembly.MessageEvent) {
	cfg := a.cfg.Load()
	if !cfg.Tracing.HTTP.Enabled {
		return
	}
	a.healthStats.MessagesReconstructed.Add(1)

	msg := &ev.Message
	pol := a.policy.Load()
	filter := pol.request
	if msg.Type == http1.MessageResponse {
		filter = pol.response
	}
	if !filter.Matches(msg.Header) {
		a.healthStats.MessagesFiltered.Add(1)
		return
	}

	// Chunk framing is always removed; only content-coding is optional.
	http1.DecodeTransfer(msg, a.logger)
	if cfg.Tracing.HTTP.Decompress {
		http1.DecodeContent(msg, cfg.Tracing.HTTP.MaxBodySize, a.logger)
		if string(msg.Body) == http1.DecompressionFailedBody {
			a.healthStats.DecompressionFailures.Add(1)
		}
	}

	rec := export.NewRecord(ev)
	rec.ServiceName = cfg.ServiceName
	pol.apply(rec)
	a.exporter.Export(rec)
}

func (a *Agent) onFrame(ev *reassembly.FrameEvent) {
	a.healthStats.FramesDecoded.Add(1)

	cfg := a.cfg.Load()
	if !cfg.Tracing.HTTP2.Enabled {
		return
	}
	rec := export.NewFrameRecord(ev)
	if rec == nil {
		return
	}
	rec.ServiceName = cfg.ServiceName
	a.policy.Load().apply(rec)
	a.exporter.Export(rec)
}

func (a *Agent) cleanupLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Load().Reassembly.CleanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := a.router.CleanStale(a.cfg.Load().Reassembly.MaxIdle)
			a.healthStats.ConnsEvicted.Add(int64(evicted))
			a.syncExportStats()
			if evicted > 0 {
				a.logger.Debug("evicted idle connections",
					zap.Int("evicted", evicted),
					zap.Int("active", a.router.ConnCount()),
				)
			}
		}
	}
}

func (a *Agent) syncExportStats() {
	a.healthStats.RecordsExported.Store(a.exporter.Exported())
	a.healthStats.RecordsDropped.Store(a.exporter.DropCount())
}

// Stop shuts the agent down. Connections still open are flushed, so
// messages delimited only by connection close are exported.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() { err = a.stop() })
	return err
}

func (a *Agent) stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.source.Close(); err != nil {
		a.logger.Debug("capture source close", zap.Error(err))
	}
	a.wg.Wait()

	flushed := a.router.CloseAll()

	if a.started {
		a.exporter.Stop()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.logger.Warn("failed to close recording", zap.Error(err))
		}
	}
	if a.healthServer != nil {
		a.healthServer.Stop()
	}

	a.syncExportStats()
	snap := a.healthStats.Snapshot()
	a.logger.Info("agent stopped",
		zap.Int64("events", snap.EventsReceived),
		zap.Int64("messages", snap.MessagesReconstructed),
		zap.Int64("filtered", snap.MessagesFiltered),
		zap.Int64("exported", snap.RecordsExported),
		zap.Int64("dropped", snap.RecordsDropped),
		zap.Int("flushed_on_stop", flushed),
	)
	return nil
}

// Reload applies a new configuration. Header filters and protocol toggles
// take effect immediately; body limits apply to connections opened after
// the reload. Capture and export settings require a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	pol, err := newPolicy(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Load()
	a.cfg.Store(cfg)
	a.policy.Store(pol)
	a.router.SetLimits(cfg.Tracing.HTTP.MaxBodySize, cfg.Tracing.HTTP.MaxUnknownLengthContinuations)

	if old.Capture != cfg.Capture {
		a.logger.Warn("capture settings changed; restart required to apply")
	}

	a.logger.Info("configuration reloaded",
		zap.Bool("http", cfg.Tracing.HTTP.Enabled),
		zap.Bool("http2", cfg.Tracing.HTTP2.Enabled),
		zap.String("request_filter", cfg.Tracing.HTTP.RequestHeaderFilters),
		zap.String("response_filter", cfg.Tracing.HTTP.ResponseHeaderFilters),
		zap.Bool("redaction", pol.redactor.Enabled()),
	)
	return nil
}
