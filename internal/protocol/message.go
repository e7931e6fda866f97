package protocol

import "encoding/json"

// Message is a parsed protocol frame. Kind-specific fields are kept as raw
// JSON so the codec stays agnostic to payload shape — field values are
// opaque per the data model, and the dispatcher/coordinator decode only the
// fields they need.
type Message struct {
	Kind      Kind
	ID        string
	Timestamp int64
	Fields    map[string]json.RawMessage
}

// New builds an outbound message with the given kind-specific fields.
// Values are marshaled individually; a marshal failure for one field is
// folded into the returned error.
func New(kind Kind, id string, timestampMs int64, fields map[string]any) (*Message, error) {
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw[k] = b
	}
	return &Message{Kind: kind, ID: id, Timestamp: timestampMs, Fields: raw}, nil
}

// Field unmarshals a named field into out. Returns false if the field is
// absent; an unmarshal error for a present field is returned.
func (m *Message) Field(name string, out any) (bool, error) {
	raw, ok := m.Fields[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// String returns a string field, or "" if absent or not a string.
func (m *Message) String(name string) string {
	var s string
	if _, err := m.Field(name, &s); err != nil {
		return ""
	}
	return s
}

// SetField overwrites or adds a kind-specific field.
func (m *Message) SetField(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if m.Fields == nil {
		m.Fields = make(map[string]json.RawMessage)
	}
	m.Fields[name] = b
	return nil
}

// VectorClock extracts the sender's vector clock, tolerating the legacy
// "clock" property name alongside "vectorClock" per the compatibility rule:
// both are accepted on input, only "vectorClock" is ever emitted.
func (m *Message) VectorClock() (map[string]int64, error) {
	var vc map[string]int64
	if present, err := m.Field("vectorClock", &vc); err != nil {
		return nil, err
	} else if present {
		return vc, nil
	}
	if present, err := m.Field("clock", &vc); err != nil {
		return nil, err
	} else if present {
		return vc, nil
	}
	return nil, nil
}

// SetVectorClock stores the clock under the canonical "vectorClock" name
// and never under the legacy "clock" alias.
func (m *Message) SetVectorClock(vc map[string]int64) error {
	delete(m.Fields, "clock")
	return m.SetField("vectorClock", vc)
}

// IsNullJSON reports whether a raw JSON value is empty or an explicit
// null, used as the "leaving" / tombstone sentinel by awareness and
// document deltas alike.
func IsNullJSON(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	return string(trimmed) == "null"
}
