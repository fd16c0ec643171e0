package export

import (
	"testing"

	"github.com/mbeema/tapline/pkg/capture"
	"github.com/mbeema/tapline/pkg/protocol"
	"github.com/mbeema/tapline/pkg/protocol/http1"
	"github.com/mbeema/tapline/pkg/protocol/http2"
	"github.com/mbeema/tapline/pkg/reassembly"
	"github.com/mbeema/tapline/pkg/sockaddr"
	h2 "golang.org/x/net/http2"
)

func TestNewRecord(t *testing.T) {
	ev := &reassembly.MessageEvent{
		Conn:      reassembly.ConnInfo{TGID: 10, FD: 4, Remote: sockaddr.Addr{IP: "10.1.2.3", Port: 443}},
		Direction: capture.DirIngress,
		Message: http1.Message{
			Type:           http1.MessageResponse,
			EventAttr:      http1.EventAttr{TimestampNS: 77, TGID: 10, PID: 11, FD: 4},
			MinorVersion:   1,
			StatusCode:     200,
			Reason:         "OK",
			Header:         http1.Header{"content-encoding": {"gzip"}, "vary": {"a", "b"}},
			Body:           []byte("hi"),
			ChunkingStatus: http1.ChunkingComplete,
		},
	}

	r := NewRecord(ev)
	if r.TimestampNS != 77 || r.PID != 11 || r.TGID != 10 || r.FD != 4 {
		t.Errorf("ids = %+v", r)
	}
	if r.RemoteAddr != "10.1.2.3" || r.RemotePort != 443 {
		t.Errorf("remote = %s:%d", r.RemoteAddr, r.RemotePort)
	}
	if r.Type != "response" || r.IsRequest() || r.StatusCode != 200 {
		t.Errorf("type = %q status = %d", r.Type, r.StatusCode)
	}
	if r.Direction != "ingress" || r.Protocol != "http/1.1" {
		t.Errorf("direction = %q protocol = %q", r.Direction, r.Protocol)
	}
	if r.Headers["vary"] != "a, b" || r.ContentEncoding != "gzip" {
		t.Errorf("headers = %v", r.Headers)
	}
	if r.ChunkingStatus != "complete" {
		t.Errorf("chunking = %q", r.ChunkingStatus)
	}
}

func TestNewFrameRecord(t *testing.T) {
	headers := http2.NVMap{}
	headers.Add(":method", "POST")
	headers.Add(":path", "/pkg.Svc/Call")
	headers.Add("content-type", "application/grpc")

	ev := &reassembly.FrameEvent{
		Conn:      reassembly.ConnInfo{TGID: 3, FD: 9},
		PID:       4,
		Direction: capture.DirEgress,
		Frame: &http2.Frame{
			Header:            h2.FrameHeader{Type: h2.FrameHeaders, StreamID: 5},
			HeadersParseState: protocol.StateSuccess,
			Headers:           headers,
		},
	}

	r := NewFrameRecord(ev)
	if r == nil {
		t.Fatal("expected record for HEADERS frame")
	}
	if !r.IsRequest() || r.Method != "POST" || r.Path != "/pkg.Svc/Call" || r.StreamID != 5 {
		t.Errorf("record = %+v", r)
	}
	if r.TGID != 3 || r.PID != 4 || r.FD != 9 {
		t.Errorf("ids = tgid %d pid %d fd %d, want 3 4 9", r.TGID, r.PID, r.FD)
	}
	if r.Protocol != "h2" || r.Headers["content-type"] != "application/grpc" {
		t.Errorf("protocol = %q headers = %v", r.Protocol, r.Headers)
	}

	resp := http2.NVMap{}
	resp.Add(":status", "404")
	ev.Frame.Headers = resp
	if r := NewFrameRecord(ev); r == nil || r.IsRequest() || r.StatusCode != 404 {
		t.Errorf("response record = %+v", r)
	}

	ev.Frame.Header.Type = h2.FrameData
	if NewFrameRecord(ev) != nil {
		t.Error("DATA frame should not yield a record")
	}
}
