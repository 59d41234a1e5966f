// Package record holds the output records produced by a crawl.
//
// A Record is an ordered mapping: keys keep their first insertion position,
// re-setting a key overwrites its value in place, and JSON encoding follows
// that order.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// DebugKey is the single top-level key of a debug record.
const DebugKey = "#debug"

// Record is an ordered set of fields. The zero value is ready to use.
type Record struct {
	keys   []string
	values map[string]any
}

// New returns a record with the given fields set in order. pairs alternates
// key, value; a trailing key without a value is ignored.
func New(pairs ...any) *Record {
	r := &Record{}
	for i := 0; i+1 < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			continue
		}
		r.Set(k, pairs[i+1])
	}
	return r
}

// Set stores v under k. An existing key keeps its position.
func (r *Record) Set(k string, v any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.values[k] = v
}

// Get returns the value stored under k.
func (r *Record) Get(k string) (any, bool) {
	v, ok := r.values[k]
	return v, ok
}

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int { return len(r.keys) }

// Merge sets every field of extra on r. Keys of extra are applied in sorted
// order so the result is deterministic; on collision extra wins.
func (r *Record) Merge(extra map[string]any) {
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		r.Set(k, extra[k])
	}
}

// MarshalJSON encodes the record as a JSON object in insertion order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("record: field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping its key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("record: decode: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: decode: expected object")
	}
	*r = Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("record: decode: %w", err)
		}
		k, _ := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("record: decode %q: %w", k, err)
		}
		r.Set(k, v)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("record: decode: %w", err)
	}
	return nil
}

// Debug describes a visit that exhausted its retries.
type Debug struct {
	URL           string   `json:"url"`
	Label         string   `json:"label"`
	Term          string   `json:"term,omitempty"`
	RetryCount    int      `json:"retryCount"`
	ErrorMessages []string `json:"errorMessages"`
}

// Record wraps d under DebugKey.
func (d Debug) Record() *Record {
	if d.ErrorMessages == nil {
		d.ErrorMessages = []string{}
	}
	return New(DebugKey, d)
}
