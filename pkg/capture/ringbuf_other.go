// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package capture

import (
	"errors"

	"go.uber.org/zap"
)

// NewRingbufSource is only available on Linux.
func NewRingbufSource(pinPath string, logger *zap.Logger) (Source, error) {
	return nil, errors.New("ring buffer capture requires linux")
}
