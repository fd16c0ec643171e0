// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

// ParseState is the outcome of feeding one capture event to a reconstruction engine.
type ParseState int

const (
	// StateInvalid means the data is malformed or cannot be reconstructed.
	StateInvalid ParseState = iota
	// StateNeedsMoreData means a valid partial message is pending further events.
	StateNeedsMoreData
	// StateSuccess means a message was completed.
	StateSuccess
	// StateUnknown means no prior context matched the event; an event was likely
	// lost and the connection is desynchronized until the next preamble.
	StateUnknown
)

func (s ParseState) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateNeedsMoreData:
		return "needs_more_data"
	case StateSuccess:
		return "success"
	case StateUnknown:
		return "unknown"
	default:
		return "unrecognized"
	}
}
