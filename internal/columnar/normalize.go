package columnar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// CreatedDateField drives both partitioning and the checkpoint.
const CreatedDateField = "created_date"

// DateFields are parsed into timestamps; anything unparseable becomes null.
var DateFields = []string{CreatedDateField, "closed_date", "due_date", "resolution_action_updated_date"}

// NumericFields are parsed into float64; anything unparseable becomes null.
var NumericFields = []string{"latitude", "longitude", "x_coordinate_state_plane", "y_coordinate_state_plane"}

// dateLayouts are tried in order. Layouts without a zone are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type columnKind int

const (
	kindString columnKind = iota
	kindTimestamp
	kindFloat
)

type column struct {
	name string
	kind columnKind
}

// table is the normalized, flat form of a batch. Each row is aligned with
// columns; cells are nil, string, float64 or time.Time.
type table struct {
	columns []column
	rows    [][]any
	created []time.Time
	dropped int
}

type field struct {
	name  string
	value json.RawMessage
}

// normalize flattens raw records into a uniform table. Records whose
// created_date is missing or unparseable are counted in dropped and left out.
func normalize(records []json.RawMessage) table {
	kinds := make(map[string]columnKind, len(DateFields)+len(NumericFields))
	for _, f := range DateFields {
		kinds[f] = kindTimestamp
	}
	for _, f := range NumericFields {
		kinds[f] = kindFloat
	}

	var t table
	index := make(map[string]int)
	parsed := make([][]field, 0, len(records))

	for _, raw := range records {
		fields, err := decodeObject(raw)
		if err != nil {
			t.dropped++
			parsed = append(parsed, nil)
			continue
		}
		parsed = append(parsed, fields)
		for _, f := range fields {
			if _, seen := index[f.name]; seen {
				continue
			}
			index[f.name] = len(t.columns)
			t.columns = append(t.columns, column{name: f.name, kind: kinds[f.name]})
		}
	}

	for _, fields := range parsed {
		if fields == nil {
			continue
		}
		row := make([]any, len(t.columns))
		for _, f := range fields {
			i := index[f.name]
			row[i] = cellValue(t.columns[i].kind, f.value)
		}

		ci, ok := index[CreatedDateField]
		if !ok {
			t.dropped++
			continue
		}
		created, ok := row[ci].(time.Time)
		if !ok {
			t.dropped++
			continue
		}
		t.rows = append(t.rows, row)
		t.created = append(t.created, created)
	}
	return t
}

// decodeObject reads a JSON object keeping the key order of the source.
func decodeObject(raw json.RawMessage) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("record is not a JSON object")
	}

	var fields []field
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		fields = append(fields, field{name: name, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after record")
	}
	return fields, nil
}

func cellValue(kind columnKind, raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch kind {
	case kindTimestamp:
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil
		}
		if t, ok := ParseTimestamp(s); ok {
			return t
		}
		return nil
	case kindFloat:
		if f, ok := parseFloat(trimmed); ok {
			return f
		}
		return nil
	default:
		return flatten(trimmed)
	}
}

// ParseTimestamp parses the provider's floating timestamps and a few common
// variants. The result is in UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseFloat(raw []byte) (float64, bool) {
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false
		}
	} else {
		text = string(raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// flatten renders a JSON value as a single string cell. Strings are unquoted;
// numbers, booleans, objects and arrays keep their compact JSON text.
func flatten(raw []byte) any {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
