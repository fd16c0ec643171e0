// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/mbeema/tapline/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

const logsPath = "/v1/logs"

// HTTPOTLPSink sends records as OTLP logs over HTTP/protobuf.
type HTTPOTLPSink struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	compression string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPOTLPSink creates an OTLP HTTP sink.
func NewHTTPOTLPSink(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger) (*HTTPOTLPSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}

	compression := cfg.Compression
	if compression == "" {
		compression = "gzip"
	}

	return &HTTPOTLPSink{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    fmt.Sprintf("%s://%s", scheme, cfg.Endpoint),
		compression: compression,
		headers:     cfg.Headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (s *HTTPOTLPSink) Name() string { return "otlp-http" }

// maxResponseSize bounds how much of a collector response is read.
const maxResponseSize = 64 << 10

// Export posts records to /v1/logs. Status codes the OTLP/HTTP protocol marks
// as retryable (429, 502, 503, 504) return a plain error; any other non-2xx
// status returns a *PermanentError.
func (s *HTTPOTLPSink) Export(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	data, err := proto.Marshal(buildLogsRequest(records, s.serviceName))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("marshal logs request: %w", err)}
	}

	body, err := s.encode(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+logsPath, body)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if s.compression == "gzip" {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", logsPath, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out collogspb.ExportLogsServiceResponse
		if len(payload) > 0 && proto.Unmarshal(payload, &out) == nil {
			logPartialSuccess(s.logger, s.Name(), &out)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	default:
		return &PermanentError{Err: fmt.Errorf("collector returned %d", resp.StatusCode)}
	}
}

func (s *HTTPOTLPSink) encode(data []byte) (io.Reader, error) {
	if s.compression != "gzip" {
		return bytes.NewReader(data), nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return &buf, nil
}

// Shutdown closes idle connections.
func (s *HTTPOTLPSink) Shutdown(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
