// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/mbeema/tapline/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

func newTestHTTPSink(t *testing.T, compression string, handler http.HandlerFunc) (*HTTPOTLPSink, *httptest.Server) {
	ts := httptest.NewServer(handler)
	cfg := &config.OTLPConfig{
		Endpoint:    strings.TrimPrefix(ts.URL, "http://"),
		Protocol:    "http",
		Compression: compression,
		Insecure:    true,
		Headers:     map[string]string{"X-Scope-OrgID": "tenant-1"},
	}
	sink, err := NewHTTPOTLPSink(cfg, "test-service", nil)
	if err != nil {
		t.Fatalf("NewHTTPOTLPSink: %v", err)
	}
	return sink, ts
}

func TestHTTPSinkExport(t *testing.T) {
	var (
		path, contentType, encoding, tenant string
		body                                []byte
	)
	sink, ts := newTestHTTPSink(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		encoding = r.Header.Get("Content-Encoding")
		tenant = r.Header.Get("X-Scope-OrgID")

		var reader io.Reader = r.Body
		if encoding == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer gz.Close()
			reader = gz
		}
		body, _ = io.ReadAll(reader)
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	if err := sink.Export(context.Background(), testRecords()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if path != "/v1/logs" || contentType != "application/x-protobuf" || encoding != "gzip" {
		t.Errorf("path = %q content-type = %q encoding = %q", path, contentType, encoding)
	}
	if tenant != "tenant-1" {
		t.Errorf("custom header = %q", tenant)
	}

	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n := len(req.ResourceLogs[0].ScopeLogs[0].LogRecords); n != 2 {
		t.Errorf("log records = %d, want 2", n)
	}
}

func TestHTTPSinkNoCompression(t *testing.T) {
	var encoding string
	sink, ts := newTestHTTPSink(t, "none", func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
	})
	defer ts.Close()

	if err := sink.Export(context.Background(), testRecords()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if encoding != "" {
		t.Errorf("Content-Encoding = %q, want none", encoding)
	}
}

func TestHTTPSinkErrorStatus(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusServiceUnavailable, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusRequestEntityTooLarge, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			sink, ts := newTestHTTPSink(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			defer ts.Close()

			err := sink.Export(context.Background(), testRecords())
			if err == nil || !strings.Contains(err.Error(), strconv.Itoa(tt.status)) {
				t.Fatalf("err = %v, want %d error", err, tt.status)
			}
			var perm *PermanentError
			if got := errors.As(err, &perm); got != tt.permanent {
				t.Errorf("permanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestHTTPSinkPartialSuccess(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink, ts := newTestHTTPSink(t, "none", func(w http.ResponseWriter, r *http.Request) {
		out, _ := proto.Marshal(&collogspb.ExportLogsServiceResponse{
			PartialSuccess: &collogspb.ExportLogsPartialSuccess{
				RejectedLogRecords: 1,
				ErrorMessage:       "body too large",
			},
		})
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Write(out)
	})
	defer ts.Close()
	sink.logger = zap.New(core)

	if err := sink.Export(context.Background(), testRecords()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	entries := logs.FilterMessage("collector rejected records").All()
	if len(entries) != 1 || entries[0].ContextMap()["rejected"] != int64(1) {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHTTPSinkEmptyBatch(t *testing.T) {
	called := false
	sink, ts := newTestHTTPSink(t, "gzip", func(w http.ResponseWriter, r *http.Request) { called = true })
	defer ts.Close()

	if err := sink.Export(context.Background(), nil); err != nil || called {
		t.Errorf("err = %v called = %v", err, called)
	}
}
