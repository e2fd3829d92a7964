// Package tsdb writes telemetry points to an InfluxDB-compatible
// time-series database over the v2 HTTP write API. Points are encoded
// as line protocol and shipped in batches; the BatchWriter owns
// batching, retry, and dead-letter accounting.
package tsdb

import (
	"errors"
	"sort"
	"strconv"
	"time"
)

// Point is a single telemetry measurement destined for the store.
type Point struct {
	// Measurement names the series family, typically the entity domain
	// ("sensor", "light") or an enrichment kind ("weather").
	Measurement string
	// Tags are indexed dimensions. Keys are written in sorted order.
	Tags map[string]string
	// Fields hold the measured values. Supported types: float64, int64,
	// int, bool, string. At least one field is required.
	Fields map[string]any
	// Time is the point timestamp, written at nanosecond precision.
	Time time.Time
}

// ErrNoFields reports a point with no usable field values. Such points
// are unrepresentable in line protocol and are dropped before batching.
var ErrNoFields = errors.New("tsdb: point has no fields")

// AppendLine encodes p as one line of InfluxDB line protocol and
// appends it to buf, including the trailing newline.
func AppendLine(buf []byte, p Point) ([]byte, error) {
	if len(p.Fields) == 0 {
		return buf, ErrNoFields
	}

	buf = appendEscaped(buf, p.Measurement, escapeMeasurement)

	if len(p.Tags) > 0 {
		keys := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			if k != "" && p.Tags[k] != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = append(buf, ',')
			buf = appendEscaped(buf, k, escapeTag)
			buf = append(buf, '=')
			buf = appendEscaped(buf, p.Tags[k], escapeTag)
		}
	}

	buf = append(buf, ' ')

	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)

	wrote := false
	for _, k := range fieldKeys {
		enc, ok := appendFieldValue(nil, p.Fields[k])
		if !ok {
			continue
		}
		if wrote {
			buf = append(buf, ',')
		}
		buf = appendEscaped(buf, k, escapeTag)
		buf = append(buf, '=')
		buf = append(buf, enc...)
		wrote = true
	}
	if !wrote {
		return buf, ErrNoFields
	}

	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, p.Time.UnixNano(), 10)
	buf = append(buf, '\n')
	return buf, nil
}

type escapeClass int

const (
	// Measurements escape commas and spaces.
	escapeMeasurement escapeClass = iota
	// Tag keys, tag values, and field keys also escape equals signs.
	escapeTag
)

func appendEscaped(buf []byte, s string, class escapeClass) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ',' || c == ' ':
			buf = append(buf, '\\', c)
		case c == '=' && class == escapeTag:
			buf = append(buf, '\\', c)
		default:
			buf = append(buf, c)
		}
	}
	return buf
}

// appendFieldValue encodes a field value. Unsupported types report
// ok=false and are skipped rather than corrupting the line.
func appendFieldValue(buf []byte, v any) ([]byte, bool) {
	switch x := v.(type) {
	case float64:
		return strconv.AppendFloat(buf, x, 'g', -1, 64), true
	case float32:
		return strconv.AppendFloat(buf, float64(x), 'g', -1, 32), true
	case int64:
		buf = strconv.AppendInt(buf, x, 10)
		return append(buf, 'i'), true
	case int:
		buf = strconv.AppendInt(buf, int64(x), 10)
		return append(buf, 'i'), true
	case bool:
		return strconv.AppendBool(buf, x), true
	case string:
		buf = append(buf, '"')
		for i := 0; i < len(x); i++ {
			c := x[i]
			if c == '"' || c == '\\' {
				buf = append(buf, '\\')
			}
			buf = append(buf, c)
		}
		return append(buf, '"'), true
	default:
		return buf, false
	}
}
