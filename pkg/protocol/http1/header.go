// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

import "strings"

// Header is a multimap of header fields. Keys are lowercased at ingestion:
// HTTP field names are case-insensitive, and HTTP/2 requires lowercase names
// on the wire, so every consumer (filters, exporters) can rely on it.
type Header map[string][]string

// Add appends value under the lowercased name.
func (h Header) Add(name, value string) {
	key := strings.ToLower(name)
	h[key] = append(h[key], value)
}

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	v := h[strings.ToLower(name)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns all values for name.
func (h Header) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// Flatten returns a single-valued view, joining repeated fields with ", ".
func (h Header) Flatten() map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
