// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http1

import "strings"

// HeaderMatch selects messages whose header Name has a value containing Substr.
// An empty Substr matches any message carrying the header.
type HeaderMatch struct {
	Name   string
	Substr string
}

// HeaderFilter admits or rejects messages by header content.
type HeaderFilter struct {
	Inclusions []HeaderMatch
	Exclusions []HeaderMatch
}

// ParseHeaderFilter compiles a comma-separated list of "name:substring"
// tokens. A leading "-" on the name turns the token into an exclusion, e.g.
// "Content-Type:json,-Authorization:". Names are lowercased to match Header
// keys; substrings are kept verbatim.
func ParseHeaderFilter(spec string) HeaderFilter {
	var f HeaderFilter
	for _, token := range strings.Split(spec, ",") {
		if token == "" {
			continue
		}
		name, substr, _ := strings.Cut(token, ":")
		exclude := strings.HasPrefix(name, "-")
		if exclude {
			name = name[1:]
		}
		m := HeaderMatch{
			Name:   strings.ToLower(strings.TrimSpace(name)),
			Substr: substr,
		}
		if exclude {
			f.Exclusions = append(f.Exclusions, m)
		} else {
			f.Inclusions = append(f.Inclusions, m)
		}
	}
	return f
}

// Empty reports whether the filter admits everything.
func (f HeaderFilter) Empty() bool {
	return len(f.Inclusions) == 0 && len(f.Exclusions) == 0
}

// Matches reports whether a message with headers h passes the filter: at
// least one inclusion must hit (when any are configured) and no exclusion
// may hit.
func (f HeaderFilter) Matches(h Header) bool {
	if len(f.Inclusions) > 0 && !anyMatch(f.Inclusions, h) {
		return false
	}
	if len(f.Exclusions) > 0 && anyMatch(f.Exclusions, h) {
		return false
	}
	return true
}

func anyMatch(matches []HeaderMatch, h Header) bool {
	for _, m := range matches {
		for _, v := range h[m.Name] {
			if strings.Contains(v, m.Substr) {
				return true
			}
		}
	}
	return false
}

// String renders the filter back into its textual form.
func (f HeaderFilter) String() string {
	parts := make([]string, 0, len(f.Inclusions)+len(f.Exclusions))
	for _, m := range f.Inclusions {
		parts = append(parts, m.Name+":"+m.Substr)
	}
	for _, m := range f.Exclusions {
		parts = append(parts, "-"+m.Name+":"+m.Substr)
	}
	return strings.Join(parts, ",")
}
