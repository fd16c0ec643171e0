// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/mbeema/tapline/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/status"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	scopeName    = "tapline"
	scopeVersion = "0.1.0"
)

// OTLPSink sends records as OTLP log records over gRPC, one log record per
// message, with automatic reconnection.
type OTLPSink struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	opts        []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPSink creates an OTLP gRPC sink. The connection is established
// lazily by gRPC; dial errors are configuration errors.
func NewOTLPSink(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger) (*OTLPSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	s := &OTLPSink{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		opts:        opts,
	}

	if err := s.connect(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *OTLPSink) Name() string { return "otlp-grpc" }

// connect establishes or re-establishes the gRPC connection.
func (s *OTLPSink) connect() error {
	conn, err := grpc.Dial(s.endpoint, s.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", s.endpoint, err)
	}

	s.conn = conn
	s.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (s *OTLPSink) ensureConnected() error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return s.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return s.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (s *OTLPSink) reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check under write lock
	if s.conn != nil {
		state := s.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		s.conn.Close()
	}

	s.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", s.endpoint))

	if err := s.connect(); err != nil {
		s.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	s.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// Export sends records via OTLP gRPC, grouped per observed process.
func (s *OTLPSink) Export(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := s.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	req := buildLogsRequest(records, s.serviceName)

	s.mu.RLock()
	svc := s.logSvc
	s.mu.RUnlock()

	resp, err := svc.Export(ctx, req)
	if err != nil {
		if retryableCode(status.Code(err)) {
			return err
		}
		return &PermanentError{Err: err}
	}
	logPartialSuccess(s.logger, s.Name(), resp)
	return nil
}

// retryableCode follows the OTLP/gRPC list of transient status codes.
func retryableCode(c codes.Code) bool {
	switch c {
	case codes.Canceled, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.OutOfRange, codes.Unavailable, codes.DataLoss:
		return true
	}
	return false
}

// Shutdown closes the gRPC connection.
func (s *OTLPSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// buildLogsRequest groups records by process so each one gets its own
// ResourceLogs.
func buildLogsRequest(records []*Record, defaultService string) *collogspb.ExportLogsServiceRequest {
	type procKey struct {
		service string
		tgid    uint32
	}
	grouped := make(map[procKey][]*logspb.LogRecord)
	var order []procKey
	for _, r := range records {
		key := procKey{service: r.ServiceName, tgid: r.TGID}
		if key.service == "" {
			key.service = defaultService
		}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], convertRecord(r))
	}

	scope := &commonpb.InstrumentationScope{
		Name:    scopeName,
		Version: scopeVersion,
	}

	resourceLogs := make([]*logspb.ResourceLogs, 0, len(grouped))
	for _, key := range order {
		resourceLogs = append(resourceLogs, &logspb.ResourceLogs{
			Resource: resourceFor(key.service, key.tgid),
			ScopeLogs: []*logspb.ScopeLogs{
				{
					Scope:      scope,
					LogRecords: grouped[key],
				},
			},
		})
	}

	return &collogspb.ExportLogsServiceRequest{ResourceLogs: resourceLogs}
}

// resourceFor returns OTEL resource attributes for an observed process.
func resourceFor(serviceName string, pid uint32) *resourcepb.Resource {
	hostname, _ := os.Hostname()

	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}}
}

// convertRecord converts a single Record to an OTLP log record. The body
// carries the message body; everything else becomes attributes named after
// the OTel HTTP semantic conventions.
func convertRecord(r *Record) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano:         uint64(r.ObservedTime.UnixNano()),
		ObservedTimeUnixNano: uint64(r.ObservedTime.UnixNano()),
		SeverityText:         "INFO",
		SeverityNumber:       logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(string(r.Body))},
		},
	}

	attrs := []*commonpb.KeyValue{
		strAttr("network.protocol.name", r.Protocol),
		strAttr("tapline.message.type", r.Type),
		strAttr("tapline.direction", r.Direction),
		intAttr("tapline.capture.timestamp_ns", int64(r.TimestampNS)),
		intAttr("process.pid", int64(r.PID)),
		intAttr("tapline.fd", int64(r.FD)),
		intAttr("tapline.http.body.size", int64(len(r.Body))),
	}
	if r.Protocol != "h2" {
		attrs = append(attrs, strAttr("network.protocol.version", fmt.Sprintf("1.%d", r.MinorVersion)))
	}
	if r.RemoteAddr != "" {
		attrs = append(attrs,
			strAttr("network.peer.address", r.RemoteAddr),
			intAttr("network.peer.port", int64(r.RemotePort)),
		)
	}
	if r.StreamID != 0 {
		attrs = append(attrs, intAttr("tapline.http2.stream_id", int64(r.StreamID)))
	}

	headerPrefix := "http.response.header."
	if r.IsRequest() {
		headerPrefix = "http.request.header."
		attrs = append(attrs,
			strAttr("http.request.method", r.Method),
			strAttr("url.path", r.Path),
		)
	} else {
		attrs = append(attrs, intAttr("http.response.status_code", int64(r.StatusCode)))
		if r.Reason != "" {
			attrs = append(attrs, strAttr("tapline.http.reason", r.Reason))
		}
	}
	if r.ChunkingStatus != "" {
		attrs = append(attrs, strAttr("tapline.http.chunking_status", r.ChunkingStatus))
	}
	if r.Truncated {
		attrs = append(attrs, toAttr("tapline.http.body_truncated", true))
	}

	names := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		attrs = append(attrs, strAttr(headerPrefix+k, sanitizeUTF8(r.Headers[k])))
	}

	pl.Attributes = attrs
	return pl
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func toAttr(key string, v interface{}) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: toAnyValue(v)}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. Captured payloads may be binary or cut mid-rune, and gRPC
// protobuf marshaling rejects invalid strings.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

func toAnyValue(v interface{}) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: val}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}
