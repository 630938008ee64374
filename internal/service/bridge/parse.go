package bridge

import (
	"bytes"
	"encoding/json"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
)

// parseLine decodes one stdout line. Only JSON objects are events; the "type"
// field selects the event type and the remaining fields become the payload.
// A lone "payload" field is used as the payload directly. Unknown or missing
// types are relayed as log events with the original tag in "sourceType".
func parseLine(line []byte, r *redactor) (stream.Event, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return stream.Event{}, false
	}

	var rawType string
	if t, ok := fields["type"]; ok {
		if err := json.Unmarshal(t, &rawType); err != nil {
			rawType = ""
		}
		delete(fields, "type")
	}

	evType, known := stream.ParseEventType(rawType)
	if !known {
		evType = stream.EventLog
		if rawType != "" {
			fields["sourceType"], _ = json.Marshal(rawType)
		}
	}

	var payload json.RawMessage
	if inner, ok := fields["payload"]; ok && len(fields) == 1 {
		payload = inner
	} else if len(fields) > 0 {
		data, err := json.Marshal(fields)
		if err != nil {
			return stream.Event{}, false
		}
		payload = data
	}

	return stream.NewEvent(evType, r.apply(payload)), true
}

// redactor strips configured keys at any depth of a payload.
type redactor struct {
	keys map[string]struct{}
}

func newRedactor(keys []string) *redactor {
	if len(keys) == 0 {
		return nil
	}
	r := &redactor{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k != "" {
			r.keys[k] = struct{}{}
		}
	}
	return r
}

func (r *redactor) apply(raw json.RawMessage) json.RawMessage {
	if r == nil || len(raw) == 0 {
		return raw
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if !r.strip(v) {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func (r *redactor) strip(v any) bool {
	changed := false
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if _, ok := r.keys[k]; ok {
				delete(node, k)
				changed = true
				continue
			}
			if r.strip(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range node {
			if r.strip(child) {
				changed = true
			}
		}
	}
	return changed
}
