package export

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testRecords() []*Record {
	now := time.Unix(1700000000, 0)
	return []*Record{
		{
			ObservedTime: now, TGID: 1, PID: 1, FD: 3, Protocol: "http/1.1",
			Type: "request", MinorVersion: 1, Method: "GET", Path: "/users",
			Headers: map[string]string{"host": "api"},
		},
		{
			ObservedTime: now, TGID: 1, PID: 1, FD: 3, Protocol: "http/1.1",
			Type: "response", MinorVersion: 1, StatusCode: 200, Reason: "OK",
			RemoteAddr: "10.0.0.1", RemotePort: 80,
			Headers: map[string]string{"content-type": "application/json"},
			Body:    []byte(`{"ok":true}`),
		},
	}
}

func TestStdoutSinkText(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, "", nil)
	if err := s.Export(context.Background(), testRecords()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "GET /users") || !strings.Contains(lines[0], `host="api"`) {
		t.Errorf("request line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "200 OK") || !strings.Contains(lines[1], "remote=10.0.0.1:80") {
		t.Errorf("response line = %q", lines[1])
	}
}

func TestStdoutSinkTextBinaryBody(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, "text", nil)
	s.Export(context.Background(), []*Record{{Type: "response", Body: []byte{0xff, 0xfe, 0x00}}})
	if !strings.Contains(buf.String(), "<3 binary bytes>") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestStdoutSinkJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, "json", nil)
	if err := s.Export(context.Background(), testRecords()[1:]); err != nil {
		t.Fatalf("Export: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if got["status"] != float64(200) || got["body"] != `{"ok":true}` {
		t.Errorf("json = %v", got)
	}
	if _, ok := got["method"]; ok {
		t.Error("response should not carry a method")
	}
}

func TestFormatHeadersLimit(t *testing.T) {
	h := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5", "f": "6"}
	got := formatHeaders(h)
	if !strings.HasPrefix(got, `{a="1",b="2"`) || !strings.HasSuffix(got, "...}") {
		t.Errorf("formatHeaders = %q", got)
	}
}
