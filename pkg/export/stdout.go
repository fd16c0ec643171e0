// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// maxTextBody is how much of a body the text format prints.
const maxTextBody = 200

// StdoutSink prints records for debugging and offline replay.
type StdoutSink struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu sync.Mutex
	w  io.Writer
}

// NewStdoutSink creates a sink writing to stdout.
func NewStdoutSink(format string, logger *zap.Logger) *StdoutSink {
	return NewWriterSink(os.Stdout, format, logger)
}

// NewWriterSink creates a stdout-style sink writing to w.
func NewWriterSink(w io.Writer, format string, logger *zap.Logger) *StdoutSink {
	if format == "" {
		format = "text"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdoutSink{format: format, logger: logger, w: w}
}

func (s *StdoutSink) Name() string { return "stdout" }

// Export prints one line per record.
func (s *StdoutSink) Export(ctx context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		var err error
		if s.format == "json" {
			err = s.printJSON(r)
		} else {
			err = s.printText(r)
		}
		if err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (s *StdoutSink) Shutdown(ctx context.Context) error {
	return nil
}

func (s *StdoutSink) printText(r *Record) error {
	var head string
	if r.IsRequest() {
		head = fmt.Sprintf("%s %s", r.Method, r.Path)
	} else {
		head = fmt.Sprintf("%d %s", r.StatusCode, r.Reason)
	}

	body := string(r.Body)
	if !utf8.ValidString(body) {
		body = fmt.Sprintf("<%d binary bytes>", len(r.Body))
	} else if len(body) > maxTextBody {
		body = body[:maxTextBody] + "..."
	}

	_, err := fmt.Fprintf(s.w,
		"[%s] %-8s %-40s pid=%d fd=%d remote=%s:%d %s body=%q\n",
		strings.ToUpper(r.Protocol), r.Type, head,
		r.PID, r.FD, r.RemoteAddr, r.RemotePort,
		formatHeaders(r.Headers), body,
	)
	return err
}

func (s *StdoutSink) printJSON(r *Record) error {
	data := map[string]interface{}{
		"timestamp_ns":     r.TimestampNS,
		"observed":         r.ObservedTime.Format(time.RFC3339Nano),
		"service":          r.ServiceName,
		"tgid":             r.TGID,
		"pid":              r.PID,
		"fd":               r.FD,
		"remote_addr":      r.RemoteAddr,
		"remote_port":      r.RemotePort,
		"direction":        r.Direction,
		"protocol":         r.Protocol,
		"type":             r.Type,
		"minor_version":    r.MinorVersion,
		"headers":          r.Headers,
		"body":             sanitizeUTF8(string(r.Body)),
		"body_size":        len(r.Body),
		"content_encoding": r.ContentEncoding,
		"chunking_status":  r.ChunkingStatus,
		"truncated":        r.Truncated,
	}
	if r.IsRequest() {
		data["method"] = r.Method
		data["path"] = r.Path
	} else {
		data["status"] = r.StatusCode
		data["reason"] = r.Reason
	}
	if r.StreamID != 0 {
		data["stream_id"] = r.StreamID
	}

	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "%s\n", b)
	return err
}

// formatHeaders renders headers sorted by name, at most five of them.
func formatHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if len(parts) >= 5 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%q", k, headers[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
