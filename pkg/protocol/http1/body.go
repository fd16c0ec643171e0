// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// DecompressionFailedBody replaces a body that could not be decompressed.
const DecompressionFailedBody = "<failed to decompress body>"

// DefaultMaxBodySize bounds reconstructed and decompressed bodies.
const DefaultMaxBodySize = 1 << 20

// ErrMalformedChunk is returned for a chunk header or delimiter that does not
// follow the chunked transfer-coding grammar.
var ErrMalformedChunk = errors.New("malformed chunk")

// DecodeChunked decodes a chunked transfer-coded body. It returns the data
// decoded so far and whether the terminal chunk (and trailer section) was
// reached. A truncated but well-formed body yields the decoded prefix with
// complete=false. On a grammar error the decoded prefix is returned along
// with ErrMalformedChunk.
func DecodeChunked(buf []byte) (decoded []byte, complete bool, err error) {
	decoded = make([]byte, 0, len(buf))
	off := 0
	for {
		size, next, ok, err := chunkHeader(buf, off)
		if err != nil {
			return decoded, false, err
		}
		if !ok {
			return decoded, false, nil
		}
		off = next

		if size == 0 {
			_, done := skipTrailers(buf, off)
			return decoded, done, nil
		}

		avail := uint64(len(buf) - off)
		if size > avail {
			decoded = append(decoded, buf[off:]...)
			return decoded, false, nil
		}
		end := off + int(size)
		decoded = append(decoded, buf[off:end]...)

		next, ok, err = chunkDelimiter(buf, end)
		if err != nil {
			return decoded, false, err
		}
		if !ok {
			return decoded, false, nil
		}
		off = next
	}
}

// chunkHeader parses "<hex-size>[;ext]\r\n" at off.
func chunkHeader(buf []byte, off int) (size uint64, next int, ok bool, err error) {
	line, next, ok := nextLine(buf, off)
	if !ok {
		return 0, 0, false, nil
	}
	s := string(line)
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false, fmt.Errorf("%w: empty size line", ErrMalformedChunk)
	}
	size, err = strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: size %q", ErrMalformedChunk, s)
	}
	return size, next, true, nil
}

// chunkDelimiter checks for the CRLF (or LF) that ends chunk data at off.
func chunkDelimiter(buf []byte, off int) (int, bool, error) {
	rest := buf[off:]
	switch {
	case len(rest) == 0:
		return 0, false, nil
	case rest[0] == '\n':
		return off + 1, true, nil
	case rest[0] != '\r':
		return 0, false, fmt.Errorf("%w: missing delimiter after chunk data", ErrMalformedChunk)
	case len(rest) == 1:
		return 0, false, nil
	case rest[1] != '\n':
		return 0, false, fmt.Errorf("%w: missing delimiter after chunk data", ErrMalformedChunk)
	}
	return off + 2, true, nil
}

// skipTrailers consumes trailer fields up to and including the blank line.
func skipTrailers(buf []byte, off int) (int, bool) {
	for {
		line, next, ok := nextLine(buf, off)
		if !ok {
			return off, false
		}
		off = next
		if len(line) == 0 {
			return off, true
		}
	}
}

// PostProcess decodes a completed message body in place: chunked
// transfer-coding first, then content-coding. Failures never drop the
// message; they are reflected in ChunkingStatus or a placeholder body.
func PostProcess(msg *Message, maxBodySize int, logger *zap.Logger) {
	DecodeTransfer(msg, logger)
	DecodeContent(msg, maxBodySize, logger)
}

// DecodeTransfer removes chunked transfer-coding from the body and sets
// ChunkingStatus. Messages that are not chunked are left alone.
func DecodeTransfer(msg *Message, logger *zap.Logger) {
	if !msg.Chunked {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	decodeChunkedBody(msg, logger)
}

// DecodeContent reverses the Content-Encoding of an already de-chunked body,
// bounded by maxBodySize. A body that fails to decode is replaced by
// DecompressionFailedBody.
func DecodeContent(msg *Message, maxBodySize int, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}

	encoding := msg.Header.Get("content-encoding")
	if encoding == "" || len(msg.Body) == 0 {
		return
	}
	body, truncated, err := decodeContent(encoding, msg.Body, maxBodySize)
	if err != nil {
		logger.Warn("failed to decompress body",
			zap.String("encoding", encoding),
			zap.Uint32("pid", msg.PID),
			zap.Int32("fd", msg.FD),
			zap.Error(err),
		)
		msg.Body = []byte(DecompressionFailedBody)
		return
	}
	msg.Body = body
	msg.Truncated = msg.Truncated || truncated
}

func decodeChunkedBody(msg *Message, logger *zap.Logger) {
	if len(msg.Body) == 0 {
		msg.ChunkingStatus = ChunkingChunked
		return
	}
	decoded, complete, err := DecodeChunked(msg.Body)
	if err != nil {
		logger.Debug("chunked decode failed", zap.Uint32("pid", msg.PID), zap.Error(err))
		msg.ChunkingStatus = ChunkingChunked
		return
	}
	msg.Body = decoded
	if complete {
		msg.ChunkingStatus = ChunkingComplete
	} else {
		msg.ChunkingStatus = ChunkingChunked
	}
}

// decodeContent reverses a single content-coding. Unrecognized codings
// (identity, compress, ...) are passed through untouched.
func decodeContent(encoding string, body []byte, limit int) ([]byte, bool, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("zlib reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, false, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return body, false, nil
	}

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, false, err
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}
