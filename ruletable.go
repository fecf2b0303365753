// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import "strings"

// Disposition is the rule-engine decision for a hostname.
type Disposition int

const (
	// IGNORE means the entry contributes nothing; a name absent from the
	// table also maps to IGNORE.
	IGNORE Disposition = iota
	// ALLOW forwards the query upstream and logs it as allowed.
	ALLOW
	// DENY synthesizes a negative response locally.
	DENY
)

// String implements [fmt.Stringer].
func (d Disposition) String() string {
	switch d {
	case ALLOW:
		return "ALLOW"
	case DENY:
		return "DENY"
	default:
		return "IGNORE"
	}
}

// rank orders dispositions for last-write-wins-within-priority merging:
// DENY dominates ALLOW, ALLOW dominates IGNORE.
func (d Disposition) rank() int {
	switch d {
	case DENY:
		return 2
	case ALLOW:
		return 1
	default:
		return 0
	}
}

// HostSource is one (source, parsed lines) input to [NewRuleTable].
//
// Lines is the sequence of raw host-file lines contributed by this
// source; Default is the disposition implied by the source's own
// setting (e.g., a blocklist source implies DENY for every hostname it
// contributes).
type HostSource struct {
	Name    string
	Lines   []string
	Default Disposition
}

// RuleOverride is a single user-supplied override entry, applied after
// every [HostSource] so it always wins ties at the same rank.
type RuleOverride struct {
	Name        string
	Disposition Disposition
}

// RuleTable is an immutable hostname-to-disposition lookup built once at
// engine start. It is shared read-only by the [Engine] and any
// diagnostic consumer for the lifetime of one run; a configuration
// change requires a restart with a freshly built table.
type RuleTable struct {
	entries map[string]Disposition
}

// NewRuleTable builds a [*RuleTable] from host-file sources plus a
// user override list.
//
// Sources whose Default is [IGNORE] contribute no entries (per-source
// disposition gates participation, not just priority). Within a single
// priority level, later entries win: later sources override earlier
// ones, and overrides are applied last so they always take precedence
// at their own rank.
func NewRuleTable(sources []HostSource, overrides []RuleOverride) *RuleTable {
	t := &RuleTable{entries: make(map[string]Disposition)}
	for _, src := range sources {
		if src.Default == IGNORE {
			continue
		}
		for _, line := range src.Lines {
			name, ok := canonicalHostname(line)
			if !ok {
				continue
			}
			t.merge(name, src.Default)
		}
	}
	for _, ov := range overrides {
		t.merge(normalizeName(ov.Name), ov.Disposition)
	}
	return t
}

func (t *RuleTable) merge(name string, d Disposition) {
	if name == "" {
		return
	}
	if existing, ok := t.entries[name]; !ok || d.rank() >= existing.rank() {
		t.entries[name] = d
	}
}

// Lookup returns the disposition for name, performed on the exact
// queried name lowercased with a single trailing dot removed. There is
// no suffix or wildcard matching. A name absent from the table maps to
// [IGNORE].
func (t *RuleTable) Lookup(name string) Disposition {
	if d, ok := t.entries[normalizeName(name)]; ok {
		return d
	}
	return IGNORE
}

// normalizeName lowercases name and strips a single trailing dot.
func normalizeName(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ".")
}

// canonicalHostname extracts the canonical hostname from a raw
// host-file line: the last whitespace-separated token. Lines beginning
// with '#' or consisting only of "localhost"/"0.0.0.0"/"127.0.0.1"
// tokens without an accompanying hostname are skipped.
func canonicalHostname(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	last := fields[len(fields)-1]
	switch last {
	case "localhost", "0.0.0.0", "127.0.0.1":
		return "", false
	}
	return normalizeName(last), true
}
