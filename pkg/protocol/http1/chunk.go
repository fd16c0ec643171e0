// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// maxChunkLine bounds a buffered chunk-size or trailer line.
const maxChunkLine = 4096

type chunkPhase int

const (
	phaseSize      chunkPhase = iota // reading "<hex-size>[;ext]" line
	phaseData                        // inside chunk data
	phaseDataEnd                     // expecting the line break after chunk data
	phaseTrailer                     // reading trailer fields up to the blank line
	phaseDone
)

// chunkTracker follows chunked framing across capture events without
// looking at the stored body, so framing survives body truncation.
type chunkTracker struct {
	phase     chunkPhase
	remaining uint64
	line      []byte
}

// feed consumes framing from buf. It returns how many bytes belong to the
// message (bytes after the terminal chunk are not consumed) and whether the
// terminal chunk and trailers have been seen.
func (t *chunkTracker) feed(buf []byte) (int, bool, error) {
	off := 0
	for off < len(buf) && t.phase != phaseDone {
		if t.phase == phaseData {
			n := uint64(len(buf) - off)
			if n > t.remaining {
				n = t.remaining
			}
			off += int(n)
			t.remaining -= n
			if t.remaining == 0 {
				t.phase = phaseDataEnd
			}
			continue
		}

		line, n, ok, err := t.readLine(buf[off:])
		off += n
		if err != nil {
			return off, false, err
		}
		if !ok {
			break
		}
		if err := t.endLine(line); err != nil {
			return off, false, err
		}
	}
	return off, t.phase == phaseDone, nil
}

// readLine accumulates bytes up to and including '\n'. It returns the line
// without its terminator once complete.
func (t *chunkTracker) readLine(buf []byte) ([]byte, int, bool, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(t.line)+len(buf) > maxChunkLine {
			return nil, len(buf), false, fmt.Errorf("%w: line too long", ErrMalformedChunk)
		}
		t.line = append(t.line, buf...)
		return nil, len(buf), false, nil
	}
	line := append(t.line, buf[:idx]...)
	t.line = nil
	return bytes.TrimSuffix(line, []byte("\r")), idx + 1, true, nil
}

func (t *chunkTracker) endLine(line []byte) error {
	switch t.phase {
	case phaseSize:
		s := string(line)
		if i := strings.IndexByte(s, ';'); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
		size, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return fmt.Errorf("%w: size %q", ErrMalformedChunk, s)
		}
		if size == 0 {
			t.phase = phaseTrailer
			return nil
		}
		t.remaining = size
		t.phase = phaseData
	case phaseDataEnd:
		if len(line) != 0 {
			return fmt.Errorf("%w: missing delimiter after chunk data", ErrMalformedChunk)
		}
		t.phase = phaseSize
	case phaseTrailer:
		if len(line) == 0 {
			t.phase = phaseDone
		}
	}
	return nil
}
