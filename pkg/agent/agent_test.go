// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/mbeema/tapline/pkg/capture"
	"github.com/mbeema/tapline/pkg/config"
	"github.com/mbeema/tapline/pkg/export"
	"github.com/mbeema/tapline/pkg/protocol/http1"
	"go.uber.org/zap"
)

type captureSink struct {
	mu      sync.Mutex
	records []*export.Record
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Export(_ context.Context, records []*export.Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Shutdown(context.Context) error { return nil }

func (s *captureSink) all() []*export.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*export.Record(nil), s.records...)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServiceName = "checkout"
	cfg.Health.Enabled = false
	cfg.Exporters.FlushInterval = 10 * time.Millisecond
	return cfg
}

// recording encodes events into a replay stream.
func recording(t *testing.T, events ...*capture.Event) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	rec := capture.NewRecorderWriter(&buf)
	for _, ev := range events {
		if err := rec.Write(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close recording: %v", err)
	}
	return &buf
}

func closeEvent(tgid uint32, fd int32) *capture.Event {
	return &capture.Event{Attr: capture.Attr{TGID: tgid, FD: fd, Type: capture.EventClose}}
}

// runReplay drives a recording through an agent and returns what reached
// the sink once the agent has stopped.
func runReplay(t *testing.T, cfg *config.Config, buf *bytes.Buffer) (*Agent, []*export.Record) {
	t.Helper()
	sink := &captureSink{}
	a, err := New(cfg, zap.NewNop(),
		WithSource(capture.NewReplayReader(buf, zap.NewNop())),
		WithSinks(sink),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return a, sink.all()
}

func TestAgentReplayRequestResponse(t *testing.T) {
	buf := recording(t,
		capture.NewDataEvent(42, 7, capture.DirEgress, 0, []byte("GET /cart HTTP/1.1\r\nHost: shop\r\n\r\n")),
		capture.NewDataEvent(42, 7, capture.DirIngress, 0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 8\r\n\r\n{\"n\":")),
		capture.NewDataEvent(42, 7, capture.DirIngress, 1, []byte("1}\n")),
	)

	a, records := runReplay(t, testConfig(), buf)

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	req, resp := records[0], records[1]
	if !req.IsRequest() || req.Method != "GET" || req.Path != "/cart" || req.Headers["host"] != "shop" {
		t.Errorf("request record = %+v", req)
	}
	if req.ServiceName != "checkout" || req.TGID != 42 || req.FD != 7 {
		t.Errorf("request identity = %q %d %d", req.ServiceName, req.TGID, req.FD)
	}
	if resp.IsRequest() || resp.StatusCode != 200 || string(resp.Body) != "{\"n\":1}\n" {
		t.Errorf("response record = %+v body %q", resp, resp.Body)
	}

	snap := a.Stats().Snapshot()
	if snap.EventsReceived != 3 {
		t.Errorf("events = %d, want 3", snap.EventsReceived)
	}
	if snap.ParseSuccess != 2 || snap.ParseNeedsMore != 1 {
		t.Errorf("parse results = success %d needs_more %d", snap.ParseSuccess, snap.ParseNeedsMore)
	}
	if snap.MessagesReconstructed != 2 || snap.RecordsExported != 2 {
		t.Errorf("messages = %d exported = %d", snap.MessagesReconstructed, snap.RecordsExported)
	}
}

func TestAgentHeaderFilters(t *testing.T) {
	cfg := testConfig()
	cfg.Tracing.HTTP.RequestHeaderFilters = "-Authorization:"
	cfg.Tracing.HTTP.ResponseHeaderFilters = "Content-Type:json"

	buf := recording(t,
		capture.NewDataEvent(1, 3, capture.DirEgress, 0, []byte("GET /secret HTTP/1.1\r\nAuthorization: Bearer x\r\n\r\n")),
		capture.NewDataEvent(1, 3, capture.DirIngress, 0, []byte("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 0\r\n\r\n")),
		capture.NewDataEvent(1, 3, capture.DirEgress, 1, []byte("GET /public HTTP/1.1\r\n\r\n")),
		capture.NewDataEvent(1, 3, capture.DirIngress, 1, []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}")),
	)

	a, records := runReplay(t, cfg, buf)

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(records), records)
	}
	if records[0].Path != "/public" {
		t.Errorf("request path = %q, want /public", records[0].Path)
	}
	if records[1].Headers["content-type"] != "application/json" {
		t.Errorf("response headers = %v", records[1].Headers)
	}
	if got := a.Stats().MessagesFiltered.Load(); got != 2 {
		t.Errorf("filtered = %d, want 2", got)
	}
}

func TestAgentDecompressesBodies(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write([]byte("compressed payload"))
	w.Close()

	head := "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: " + strconv.Itoa(gz.Len()) + "\r\n\r\n"
	buf := recording(t,
		capture.NewDataEvent(9, 4, capture.DirIngress, 0, append([]byte(head), gz.Bytes()...)),
		capture.NewDataEvent(9, 4, capture.DirIngress, 1, []byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: 3\r\n\r\nbad")),
	)

	a, records := runReplay(t, testConfig(), buf)

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if string(records[0].Body) != "compressed payload" || records[0].ContentEncoding != "gzip" {
		t.Errorf("body = %q encoding = %q", records[0].Body, records[0].ContentEncoding)
	}
	if string(records[1].Body) != http1.DecompressionFailedBody {
		t.Errorf("body = %q, want failure placeholder", records[1].Body)
	}
	if got := a.Stats().DecompressionFailures.Load(); got != 1 {
		t.Errorf("decompression failures = %d, want 1", got)
	}
}

func TestAgentDechunksWithoutDecompression(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write([]byte("still compressed"))
	w.Close()

	cfg := testConfig()
	cfg.Tracing.HTTP.Decompress = false
	cfg.Redaction.Enabled = false
	body := strconv.FormatInt(int64(gz.Len()), 16) + "\r\n" + gz.String() + "\r\n0\r\n\r\n"
	buf := recording(t,
		capture.NewDataEvent(9, 4, capture.DirIngress, 0, []byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nTransfer-Encoding: chunked\r\n\r\n"+body)),
	)

	a, records := runReplay(t, cfg, buf)

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if !bytes.Equal(records[0].Body, gz.Bytes()) {
		t.Errorf("body = %q, want the de-chunked gzip stream", records[0].Body)
	}
	if records[0].ChunkingStatus != "complete" {
		t.Errorf("chunking = %q, want complete", records[0].ChunkingStatus)
	}
	if got := a.Stats().DecompressionFailures.Load(); got != 0 {
		t.Errorf("decompression failures = %d", got)
	}
}

func TestAgentCloseDelimitsUnknownLength(t *testing.T) {
	buf := recording(t,
		capture.NewDataEvent(5, 6, capture.DirIngress, 0, []byte("HTTP/1.0 200 OK\r\n\r\nstream")),
		capture.NewDataEvent(5, 6, capture.DirIngress, 1, []byte("ed")),
		closeEvent(5, 6),
		// Still open when the replay ends; flushed by Stop.
		capture.NewDataEvent(5, 8, capture.DirIngress, 0, []byte("HTTP/1.0 200 OK\r\n\r\ntail")),
	)

	_, records := runReplay(t, testConfig(), buf)

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if string(records[0].Body) != "streamed" || records[0].FD != 6 {
		t.Errorf("first = fd %d body %q", records[0].FD, records[0].Body)
	}
	if string(records[1].Body) != "tail" || records[1].FD != 8 {
		t.Errorf("second = fd %d body %q", records[1].FD, records[1].Body)
	}
}

func TestAgentRedactsRecords(t *testing.T) {
	cfg := testConfig()
	cfg.Redaction.Headers = []string{"X-Tenant"}

	buf := recording(t,
		capture.NewDataEvent(3, 3, capture.DirEgress, 0, []byte(
			"POST /login?token=abc HTTP/1.1\r\nCookie: sid=1\r\nX-Tenant: acme\r\nContent-Length: 23\r\n\r\nuser=bob&password=hunt2")),
	)
	_, records := runReplay(t, cfg, buf)

	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.Path != "/login?token=[REDACTED]" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Headers["cookie"] != "[REDACTED]" || r.Headers["x-tenant"] != "[REDACTED]" {
		t.Errorf("headers = %v", r.Headers)
	}
	if string(r.Body) != "user=bob&password=[REDACTED]" {
		t.Errorf("body = %q", r.Body)
	}
}

func TestAgentHTTPDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Tracing.HTTP.Enabled = false

	buf := recording(t,
		capture.NewDataEvent(1, 1, capture.DirEgress, 0, []byte("GET / HTTP/1.1\r\n\r\n")),
	)
	a, records := runReplay(t, cfg, buf)

	if len(records) != 0 {
		t.Errorf("got %d records with http disabled", len(records))
	}
	if a.Stats().ParseSuccess.Load() != 1 {
		t.Errorf("parse success = %d, want 1", a.Stats().ParseSuccess.Load())
	}
}

func TestAgentRecordsEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.RecordPath = t.TempDir() + "/events.bin"

	buf := recording(t,
		capture.NewDataEvent(1, 1, capture.DirEgress, 0, []byte("GET /a HTTP/1.1\r\n\r\n")),
		capture.NewDataEvent(1, 1, capture.DirEgress, 1, []byte("GET /b HTTP/1.1\r\n\r\n")),
	)
	runReplay(t, cfg, buf)

	src, err := capture.NewReplaySource(cfg.Capture.RecordPath, zap.NewNop())
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer src.Close()

	var seqs []uint64
	src.OnEvent(func(ev *capture.Event) { seqs = append(seqs, ev.SeqNum) })
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("replay recording: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 0 || seqs[1] != 1 {
		t.Errorf("recorded seqs = %v", seqs)
	}
}

func TestAgentUnknownEventType(t *testing.T) {
	ev := capture.NewDataEvent(1, 1, capture.DirEgress, 0, []byte("x"))
	ev.Type = 9

	a, _ := runReplay(t, testConfig(), recording(t, ev))
	if got := a.Stats().EventsDropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestAgentReload(t *testing.T) {
	a, err := New(testConfig(), zap.NewNop(),
		WithSource(capture.NewReplayReader(&bytes.Buffer{}, nil)),
		WithSinks(&captureSink{}),
	)
	if err != nil {
		t.Fatal(err)
	}

	next := testConfig()
	next.Tracing.HTTP.RequestHeaderFilters = "Host:api"
	if err := a.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := a.policy.Load().request.String(); got != "host:api" {
		t.Errorf("request filter = %q", got)
	}

	bad := testConfig()
	bad.Tracing.HTTP.MaxBodySize = 0
	if err := a.Reload(bad); err == nil {
		t.Error("expected error for invalid config")
	}
	if a.cfg.Load() != next {
		t.Error("invalid config must not replace the active one")
	}
	a.Stop()
}

func TestNewUnknownSource(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.Source = "pcap"
	if _, err := New(cfg, zap.NewNop(), WithSinks(&captureSink{})); err == nil {
		t.Fatal("expected error for unknown capture source")
	}
}
