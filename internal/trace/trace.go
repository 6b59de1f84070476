// Package trace implements a newline-delimited, sorted-key JSON trace
// record format: re-parsing and re-emitting a trace must be a fixed point.
// Go's encoding/json marshals map keys in sorted order by construction,
// which is what gives this package its round-trip guarantee without any
// custom key-ordering logic.
package trace

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tag is the closed set of trace record categories the core itself emits.
// Embedders may add further tags for their own instrumentation.
type Tag string

const (
	TagMonitor    Tag = "monitor"
	TagEstop      Tag = "estop"
	TagProposals  Tag = "proposals"
	TagController Tag = "controller"
	TagActuators  Tag = "actuators"
)

// Record is one trace entry: a timestamp, a tag, and an arbitrary
// JSON-serializable payload.
type Record struct {
	T       float64
	Tag     Tag
	Payload map[string]any
}

// asMap renders a Record as the map that gets marshaled; encoding/json
// sorts map[string]any keys alphabetically, which is the "keys sorted"
// contract at every nesting level the payload may contain.
func (r Record) asMap() map[string]any {
	return map[string]any{
		"t":       r.T,
		"tag":     string(r.Tag),
		"payload": r.Payload,
	}
}

// DumpLine serializes one record to a single sorted-key JSON line (no
// trailing newline).
func DumpLine(r Record) (string, error) {
	b, err := json.Marshal(r.asMap())
	if err != nil {
		return "", fmt.Errorf("trace: marshal record: %w", err)
	}
	return string(b), nil
}

// LoadLine parses one JSON line into a Record.
func LoadLine(line string) (Record, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Record{}, fmt.Errorf("trace: unmarshal record: %w", err)
	}
	t, _ := raw["t"].(float64)
	tag, _ := raw["tag"].(string)
	payload, _ := raw["payload"].(map[string]any)
	return Record{T: t, Tag: Tag(tag), Payload: payload}, nil
}

// DumpsJSONL serializes records as newline-delimited JSON: one sorted-key
// object per line, joined by "\n", with a trailing newline iff records is
// non-empty.
func DumpsJSONL(records []Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	lines := make([]string, len(records))
	for i, r := range records {
		line, err := DumpLine(r)
		if err != nil {
			return "", err
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// LoadsJSONL parses a newline-delimited trace, skipping blank lines.
func LoadsJSONL(text string) ([]Record, error) {
	var out []Record
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := LoadLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
