// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package record defines the generic row shape exchanged between the local
// replica, the operation queue and the remote store.
package record

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reserved field names carried by every synchronized record.
const (
	FieldID           = "id"
	FieldLastModified = "last_modified"
	FieldDeleted      = "_deleted"
)

// ErrMissingID is returned when a record has no usable id.
var ErrMissingID = errors.New("record has no id")

// Record is a schemaless row keyed by field name.
type Record map[string]any

// ID returns the record id as a string, or "" when absent.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	return asString(r[FieldID])
}

// String returns the named field formatted as a string, or "" when absent.
func (r Record) String(field string) string {
	if r == nil {
		return ""
	}
	return asString(r[field])
}

// Has reports whether the field is present and non-empty.
func (r Record) Has(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// HasLastModified reports whether last_modified parses to a timestamp.
func (r Record) HasLastModified() bool {
	_, ok := ParseTimestamp(r[FieldLastModified])
	return ok
}

// LastModified returns the parsed last_modified value. Missing or
// unparseable timestamps yield the zero time, which sorts as epoch 0.
func (r Record) LastModified() time.Time {
	t, ok := ParseTimestamp(r[FieldLastModified])
	if !ok {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// IsDeleted reports whether the record is a tombstone.
func (r Record) IsDeleted() bool {
	switch v := r[FieldDeleted].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Overlay returns a shallow merge of r and then other, other's fields winning.
func (r Record) Overlay(other Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Touch stamps last_modified with t.
func (r Record) Touch(t time.Time) Record {
	r[FieldLastModified] = Timestamp(t)
	return r
}

// Tombstone builds a deletion marker for id.
func Tombstone(id string) Record {
	return Record{FieldID: id, FieldDeleted: true}
}

// Validate checks the fields every record must carry.
func (r Record) Validate() error {
	if r.ID() == "" {
		return ErrMissingID
	}
	return nil
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return string(x)
	case interface{ String() string }:
		return x.String()
	default:
		return ""
	}
}
