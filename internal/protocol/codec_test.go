package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleMessage(t *testing.T) *Message {
	t.Helper()
	m, err := New(KindDelta, "msg-1", 1700000000000, map[string]any{
		"docId": "doc-42",
		"delta": map[string]any{"title": "hello"},
	})
	require.NoError(t, err)
	require.NoError(t, m.SetVectorClock(map[string]int64{"alice": 3, "bob": 1}))
	return m
}

func TestCodecRoundTripText(t *testing.T) {
	m := sampleMessage(t)
	raw, err := Encode(FormatText, m)
	require.NoError(t, err)
	require.Equal(t, FormatText, DetectFormat(raw))

	decoded, err := Decode(FormatText, raw, 0)
	require.NoError(t, err)
	require.Equal(t, m.Kind, decoded.Kind)
	require.Equal(t, m.ID, decoded.ID)
	require.Equal(t, m.Timestamp, decoded.Timestamp)
	require.Equal(t, m.String("docId"), decoded.String("docId"))

	vc, err := decoded.VectorClock()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"alice": 3, "bob": 1}, vc)
}

func TestCodecRoundTripBinary(t *testing.T) {
	m := sampleMessage(t)
	raw, err := Encode(FormatBinary, m)
	require.NoError(t, err)
	require.Equal(t, FormatBinary, DetectFormat(raw))

	decoded, err := Decode(FormatBinary, raw, 0)
	require.NoError(t, err)
	require.Equal(t, m.Kind, decoded.Kind)
	require.Equal(t, m.ID, decoded.ID)
	require.Equal(t, m.Timestamp, decoded.Timestamp)
	require.Equal(t, m.String("docId"), decoded.String("docId"))
}

func TestCodecToleratesLegacyClockField(t *testing.T) {
	m, err := New(KindDelta, "msg-2", 1, map[string]any{"clock": map[string]int64{"c1": 5}})
	require.NoError(t, err)
	raw, err := Encode(FormatText, m)
	require.NoError(t, err)

	decoded, err := Decode(FormatText, raw, 0)
	require.NoError(t, err)
	vc, err := decoded.VectorClock()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"c1": 5}, vc)

	require.NoError(t, decoded.SetVectorClock(vc))
	out, err := Encode(FormatText, decoded)
	require.NoError(t, err)
	require.Contains(t, string(out), "vectorClock")
	require.NotContains(t, string(out), `"clock"`)
}

func TestDecodeMalformedNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("{"),
		[]byte("not json at all"),
		[]byte(`{"type":"bogus_kind","id":"x","timestamp":0}`),
		{0xFF, 0x00},
		{0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF},
	}
	for _, in := range inputs {
		format := DetectFormat(in)
		_, _ = Decode(format, in, 0)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	m := sampleMessage(t)
	raw, err := Encode(FormatText, m)
	require.NoError(t, err)
	_, err = Decode(FormatText, raw, 4)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
