package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 << 20

// MarshalEnvelope encodes env as one JSON line. HTML escaping is disabled so
// the payload bytes, and therefore the payload hash, survive persistence.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("audit: encode %s: %w", env.EventID, err)
	}
	return buf.Bytes(), nil
}

// WriteJSONL writes envelopes one per line.
func WriteJSONL(w io.Writer, envs []Envelope) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, env := range envs {
		if err := enc.Encode(env); err != nil {
			return fmt.Errorf("audit: encode %s: %w", env.EventID, err)
		}
	}
	return nil
}

// ReadJSONL decodes a JSONL stream written by WriteJSONL. Blank lines are
// skipped.
func ReadJSONL(r io.Reader) ([]Envelope, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []Envelope
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("audit: line %d: %w", line, err)
		}
		out = append(out, env)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read jsonl: %w", err)
	}
	return out, nil
}
