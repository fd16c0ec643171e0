// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mbeema/tapline/pkg/protocol"
	"go.uber.org/zap"
)

func TestHealthEndpoint(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "1.0.0-test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
}

func TestHealthChecks(t *testing.T) {
	tests := []struct {
		name       string
		exportErr  error
		wantCode   int
		wantStatus string
		wantExport string
	}{
		{"all ok", nil, http.StatusOK, "healthy", "ok"},
		{"sink down", errors.New("1 sink(s) unavailable"), http.StatusServiceUnavailable, "degraded", "1 sink(s) unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(":0", "test", NewStats(), nil)
			srv.AddCheck("capture", func() error { return nil })
			srv.AddCheck("export", func() error { return tt.exportErr })

			w := httptest.NewRecorder()
			srv.handleHealth(w, httptest.NewRequest("GET", "/health", nil))

			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var hr healthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &hr); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if hr.Status != tt.wantStatus || hr.Checks["capture"] != "ok" || hr.Checks["export"] != tt.wantExport {
				t.Errorf("response = %+v", hr)
			}
		})
	}
}

func TestReadyEndpoint_NotReady(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyEndpoint_Ready(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())
	srv.SetReady(true)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	stats := NewStats()
	stats.RecordsExported.Add(42)
	stats.RecordParseState(protocol.StateUnknown)
	stats.RecordParseState(protocol.StateUnknown)
	stats.SetGauge("connections", func() int64 { return 7 })

	srv := NewServer(":0", "test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.handleMetrics(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "tapline_records_exported_total 42") {
		t.Errorf("expected records_exported_total 42 in metrics output")
	}
	if !strings.Contains(body, `tapline_parse_results_total{state="unknown"} 2`) {
		t.Errorf("expected unknown parse results in metrics output:\n%s", body)
	}
	if !strings.Contains(body, "tapline_connections 7") {
		t.Errorf("expected connections gauge in metrics output")
	}
	if !strings.Contains(body, "tapline_agent_uptime_seconds") {
		t.Errorf("expected agent_uptime_seconds in metrics output")
	}
}

func TestServerStartStop(t *testing.T) {
	stats := NewStats()
	srv := NewServer("127.0.0.1:0", "test", stats, zap.NewNop())

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestStatsEndpoint(t *testing.T) {
	stats := NewStats()
	stats.EventsReceived.Add(10)
	stats.RecordParseState(protocol.StateSuccess)
	stats.RecordParseState(protocol.StateInvalid)
	stats.MessagesFiltered.Add(1)

	srv := NewServer(":0", "test", stats, nil)
	w := httptest.NewRecorder()
	srv.handleStats(w, httptest.NewRequest("GET", "/stats", nil))

	var sr statsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &sr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if sr.Events != 10 || sr.Filtered != 1 {
		t.Errorf("stats = %+v", sr)
	}
	if sr.Parse["success"] != 1 || sr.Parse["invalid"] != 1 || sr.Parse["unknown"] != 0 {
		t.Errorf("parse results = %v", sr.Parse)
	}
}
