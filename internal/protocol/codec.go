package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
)

// Format identifies which wire encoding a connection has negotiated.
// The first frame on a connection fixes the format for its lifetime.
type Format int

const (
	// FormatUnknown means no frame has been seen yet.
	FormatUnknown Format = iota
	FormatText
	FormatBinary
)

const binaryHeaderLen = 1 + 8 + 4

// DetectFormat inspects the first frame's raw bytes and reports which
// format it uses. Textual frames start with '{' (after leading
// whitespace); anything else is treated as binary.
func DetectFormat(raw []byte) Format {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatText
	}
	return FormatBinary
}

// textFrame is the on-the-wire shape of the textual format: "type" plus
// "id"/"timestamp" alongside arbitrary camelCase kind-specific fields in
// the same flat object.
type textFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Decode parses raw bytes in the given format into a Message. maxBytes is
// the configured per-frame payload cap (0 disables the check); frames
// exceeding it fail with ErrFrameTooLarge without attempting to decode.
func Decode(format Format, raw []byte, maxBytes int64) (*Message, error) {
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	switch format {
	case FormatText:
		return decodeText(raw)
	case FormatBinary:
		return decodeBinary(raw, maxBytes)
	default:
		return nil, ErrMalformedFrame
	}
}

func decodeText(raw []byte) (*Message, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, ErrMalformedFrame
	}
	var head textFrame
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, ErrMalformedFrame
	}
	if head.Type == "" {
		return nil, ErrMalformedFrame
	}
	kind := Kind(head.Type)
	if _, known := kindToCode[kind]; !known {
		return nil, ErrUnknownKind
	}
	delete(all, "type")
	delete(all, "id")
	delete(all, "timestamp")
	return &Message{Kind: kind, ID: head.ID, Timestamp: head.Timestamp, Fields: all}, nil
}

func decodeBinary(raw []byte, maxBytes int64) (*Message, error) {
	if len(raw) < binaryHeaderLen {
		return nil, ErrMalformedFrame
	}
	c := code(raw[0])
	kind, known := codeToKind[c]
	timestamp := int64(binary.BigEndian.Uint64(raw[1:9]))
	payloadLen := binary.BigEndian.Uint32(raw[9:13])
	if int64(payloadLen) > int64(len(raw)-binaryHeaderLen) {
		return nil, ErrMalformedFrame
	}
	if maxBytes > 0 && int64(payloadLen) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	payload := raw[binaryHeaderLen : binaryHeaderLen+int(payloadLen)]
	var fields map[string]json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, ErrMalformedFrame
		}
	} else {
		fields = map[string]json.RawMessage{}
	}
	if !known {
		return nil, ErrUnknownKind
	}
	var id string
	if raw, ok := fields["id"]; ok {
		_ = json.Unmarshal(raw, &id)
		delete(fields, "id")
	}
	return &Message{Kind: kind, ID: id, Timestamp: timestamp, Fields: fields}, nil
}

// Encode serializes a Message in the given format.
func Encode(format Format, m *Message) ([]byte, error) {
	switch format {
	case FormatText:
		return encodeText(m)
	case FormatBinary:
		return encodeBinary(m)
	default:
		return nil, ErrMalformedFrame
	}
}

func encodeText(m *Message) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	typeJSON, err := json.Marshal(string(m.Kind))
	if err != nil {
		return nil, err
	}
	idJSON, err := json.Marshal(m.ID)
	if err != nil {
		return nil, err
	}
	tsJSON, err := json.Marshal(m.Timestamp)
	if err != nil {
		return nil, err
	}
	out["type"] = typeJSON
	out["id"] = idJSON
	out["timestamp"] = tsJSON
	return json.Marshal(out)
}

func encodeBinary(m *Message) ([]byte, error) {
	c, known := kindToCode[m.Kind]
	if !known {
		return nil, ErrUnknownKind
	}
	payloadFields := make(map[string]json.RawMessage, len(m.Fields)+1)
	for k, v := range m.Fields {
		payloadFields[k] = v
	}
	idJSON, err := json.Marshal(m.ID)
	if err != nil {
		return nil, err
	}
	payloadFields["id"] = idJSON
	payload, err := json.Marshal(payloadFields)
	if err != nil {
		return nil, err
	}
	if len(payload) > int(^uint32(0)) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, binaryHeaderLen+len(payload))
	buf[0] = byte(c)
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.Timestamp))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[binaryHeaderLen:], payload)
	return buf, nil
}
