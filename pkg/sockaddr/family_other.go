// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package sockaddr

// Capture events always originate from a Linux kernel, so replayed events
// decoded elsewhere still carry Linux family values.
const (
	familyInet  = 2
	familyInet6 = 10
)
