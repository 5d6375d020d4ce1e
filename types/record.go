package types

import "strconv"

// Record is the canonical shape of one domain object after gateway
// normalization. Downstream mutators and consumers rely on the canonical
// field names ("id", "role", "read") regardless of which of the server's
// payload variants produced them.
type Record map[string]interface{}

// ID returns the record identifier as a string, or "" when absent.
// Servers emit ids as either strings or JSON numbers.
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Merge returns a new record with fields from other shallow-merged over
// r. Neither input is modified.
func (r Record) Merge(other Record) Record {
	merged := make(Record, len(r)+len(other))
	for k, v := range r {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
