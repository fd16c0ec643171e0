// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"go.uber.org/zap"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

// PermanentError marks an export failure that a retry cannot fix, such as a
// collector rejecting the payload. The manager drops the batch at once and
// does not count it against the sink's circuit breaker.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// logPartialSuccess reports records a collector accepted the request for but
// refused to store.
func logPartialSuccess(logger *zap.Logger, sink string, resp *collogspb.ExportLogsServiceResponse) {
	ps := resp.GetPartialSuccess()
	if ps == nil || ps.GetRejectedLogRecords() == 0 {
		return
	}
	logger.Warn("collector rejected records",
		zap.String("sink", sink),
		zap.Int64("rejected", ps.GetRejectedLogRecords()),
		zap.String("reason", ps.GetErrorMessage()),
	)
}
