package conflict

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Record is a decoded JSON object. Numbers are kept as json.Number so that
// merged output preserves the original representation.
type Record map[string]interface{}

// ParseRecord decodes a JSON object.
func ParseRecord(data []byte) (Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPayload
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if rec == nil {
		return nil, ErrInvalidPayload
	}
	return rec, nil
}

// String returns the field as text; missing and null yield "".
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Bool reports a truthy field. Missing fields are false.
func (r Record) Bool(field string) bool {
	switch v := r[field].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	}
	return false
}

// Number returns a numeric field. Missing or non-numeric fields yield 0.
func (r Record) Number(field string) float64 {
	switch v := r[field].(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return 0
}

// Timestamp parses an RFC 3339 field, accepting fractional seconds.
func (r Record) Timestamp(field string) (time.Time, bool) {
	s, ok := r[field].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, TimestampLayout, "2006-01-02 15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
