package mock

import "strings"

// HeaderEntry is a single header field as it appears on the wire.
type HeaderEntry struct {
	Name  string
	Value string
}

// Headers is an ordered multimap of HTTP header fields. Name lookup is
// case-insensitive; insertion order and duplicate fields are preserved
// and never silently deduplicated. The zero value is an empty set.
type Headers struct {
	entries []HeaderEntry
}

// NewHeaders builds a Headers from alternating name/value pairs.
// An odd trailing name is ignored.
func NewHeaders(pairs ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, HeaderEntry{Name: name, Value: value})
}

// Set removes every field named name and appends a single replacement.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every field named name.
func (h *Headers) Del(name string) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.Name, name) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Get returns the first value of the named field, or "" if absent.
func (h Headers) Get(name string) string {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value
		}
	}
	return ""
}

// Has reports whether at least one field with the name exists.
func (h Headers) Has(name string) bool {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of the named field in insertion order.
func (h Headers) Values(name string) []string {
	var vals []string
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			vals = append(vals, e.Value)
		}
	}
	return vals
}

// Names returns the distinct field names in first-appearance order.
func (h Headers) Names() []string {
	var names []string
	seen := make(map[string]bool, len(h.entries))
	for _, e := range h.entries {
		key := strings.ToLower(e.Name)
		if !seen[key] {
			seen[key] = true
			names = append(names, e.Name)
		}
	}
	return names
}

// Entries returns a copy of every field in insertion order.
func (h Headers) Entries() []HeaderEntry {
	out := make([]HeaderEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len reports the number of fields, counting duplicates.
func (h Headers) Len() int {
	return len(h.entries)
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	return Headers{entries: h.Entries()}
}

// String renders the fields as wire-format lines without the
// terminating blank line.
func (h Headers) String() string {
	var sb strings.Builder
	for _, e := range h.entries {
		sb.WriteString(e.Name)
		sb.WriteString(": ")
		sb.WriteString(e.Value)
		sb.WriteString("\r\n")
	}
	return sb.String()
}
