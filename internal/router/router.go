package router

import (
	"fmt"
	"sort"
	"strings"
)

// RateLimitClass names the limiter policy applied to a route.
type RateLimitClass string

const (
	RateLimitNone     RateLimitClass = "none"
	RateLimitStandard RateLimitClass = "standard"
	RateLimitStrict   RateLimitClass = "strict"
	RateLimitAuth     RateLimitClass = "auth"
)

// ParseRateLimitClass maps a configured class name; "" means none.
func ParseRateLimitClass(s string) (RateLimitClass, error) {
	switch RateLimitClass(s) {
	case "", RateLimitNone:
		return RateLimitNone, nil
	case RateLimitStandard, RateLimitStrict, RateLimitAuth:
		return RateLimitClass(s), nil
	}
	return "", fmt.Errorf("unknown rate limit class %q", s)
}

// Entry maps a path prefix to an upstream service and its policy.
type Entry struct {
	Name           string
	Prefix         string
	Target         Target
	AuthRequired   bool
	RateLimitClass RateLimitClass
	WebSocket      bool
}

// Table is an immutable prefix routing table.
type Table struct {
	entries []*Entry // longest prefix first
	byName  map[string]*Entry
}

// NewTable validates entries and builds a table. Entries are copied.
func NewTable(entries []Entry) (*Table, error) {
	t := &Table{
		entries: make([]*Entry, 0, len(entries)),
		byName:  make(map[string]*Entry, len(entries)),
	}
	seen := make(map[string]bool, len(entries))

	for i := range entries {
		e := entries[i]
		if e.Prefix == "" || !strings.HasPrefix(e.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix %q must start with /", e.Name, e.Prefix)
		}
		if e.Prefix == "/" || strings.HasSuffix(e.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix %q must not end with /", e.Name, e.Prefix)
		}
		if seen[e.Prefix] {
			return nil, fmt.Errorf("duplicate prefix %q", e.Prefix)
		}
		seen[e.Prefix] = true
		if e.Target.Host == "" || e.Target.Port <= 0 {
			return nil, fmt.Errorf("route %q: target host and port are required", e.Name)
		}
		if e.RateLimitClass == "" {
			e.RateLimitClass = RateLimitNone
		}

		t.entries = append(t.entries, &e)
		if e.Name != "" {
			t.byName[e.Name] = &e
		}
	}

	// Longer prefixes first so the most specific route wins
	sort.SliceStable(t.entries, func(i, j int) bool {
		return len(t.entries[i].Prefix) > len(t.entries[j].Prefix)
	})

	return t, nil
}

// Resolve returns the entry with the longest prefix matching path on a
// segment boundary.
func (t *Table) Resolve(path string) (*Entry, bool) {
	for _, e := range t.entries {
		if hasSegmentPrefix(path, e.Prefix) {
			return e, true
		}
	}
	return nil, false
}

// Lookup returns an entry by service name.
func (t *Table) Lookup(name string) (*Entry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

// Rewrite strips the entry's prefix from path. The result always starts
// with "/".
func (t *Table) Rewrite(path string, e *Entry) string {
	return Rewrite(path, e.Prefix)
}

// Entries returns a copy of the entries, longest prefix first.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Rewrite removes prefix from the front of path.
func Rewrite(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		return "/" + rest
	}
	return rest
}

func hasSegmentPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
