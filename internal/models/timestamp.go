package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a point in time that tolerates the several shapes older
// records were written with: RFC3339 strings, "2006-01-02 15:04:05",
// bare dates, numeric strings, and epoch numbers in seconds or milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NewTimestamp wraps t
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// ParseTimestamp parses s with every accepted layout. The zero time and
// false are returned when nothing matches.
func ParseTimestamp(s string) (Timestamp, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), true
	}
	return Timestamp{}, false
}

// epoch values below this are seconds, above it milliseconds
const epochMillisThreshold = 1e11

func fromEpoch(v float64) Timestamp {
	if v < epochMillisThreshold {
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		return Timestamp{Time: time.Unix(sec, nsec).UTC()}
	}
	return Timestamp{Time: time.UnixMilli(int64(v)).UTC()}
}

// MarshalJSON encodes as RFC3339Nano, or null for the zero time
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON never fails on a malformed value; it leaves the zero time
// so one bad field does not discard the whole record.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*t = Timestamp{}
			return nil
		}
		parsed, _ := ParseTimestamp(s)
		*t = parsed
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*t = Timestamp{}
		return nil
	}
	*t = fromEpoch(f)
	return nil
}
