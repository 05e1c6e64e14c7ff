package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"
)

func TestParseFluent_SingleEntry(t *testing.T) {
	body := []byte(`["app.access", 1620000000, {"message":"GET /"}]`)

	entries, err := parseFluent(body, "application/json")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "app.access", entries[0].Tag)
	assert.Equal(t, time.UnixMilli(1620000000000).UTC(), entries[0].Time)
	assert.Equal(t, "GET /", entries[0].Record["message"])
}

func TestParseFluent_EntryArray(t *testing.T) {
	body := []byte(`[
		["app.a", 1620000000, {"message":"one"}],
		["app.b", 1620000001, {"message":"two"}]
	]`)

	entries, err := parseFluent(body, "application/json")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "app.a", entries[0].Tag)
	assert.Equal(t, "app.b", entries[1].Tag)
}

func TestParseFluent_NestedForward(t *testing.T) {
	body := []byte(`["app.batch", [[1620000000, {"message":"one"}], [1620000001, {"message":"two"}]]]`)

	entries, err := parseFluent(body, "application/json")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "app.batch", entries[0].Tag)
	assert.Equal(t, "one", entries[0].Record["message"])
	assert.Equal(t, "two", entries[1].Record["message"])
}

func TestParseFluent_Msgpack(t *testing.T) {
	entry := []any{"app.mp", int64(1620000000), map[string]any{"message": "packed"}}
	var body []byte
	require.NoError(t, codec.NewEncoderBytes(&body, fluentHandle()).Encode(entry))

	entries, err := parseFluent(body, "application/msgpack")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.mp", entries[0].Tag)
	assert.Equal(t, "packed", entries[0].Record["message"])
}

func TestParseFluent_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"not json", "oops", "bad_json"},
		{"not an array", `{"message":"hi"}`, "bad_entry"},
		{"empty array", `[]`, "bad_entry"},
		{"record not a map", `["tag", 1620000000, "hi"]`, "bad_entry"},
		{"tag only", `["tag"]`, "bad_entry"},
		{"nested without records", `["tag", 42]`, "bad_entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFluent([]byte(tt.body), "application/json")
			require.Error(t, err)
			assert.Equal(t, tt.reason, Reason(err))
		})
	}
}

func TestParseFluent_MsgpackBad(t *testing.T) {
	_, err := parseFluent([]byte{0xc1, 0xff}, "application/msgpack")
	require.Error(t, err)
	assert.Equal(t, "bad_msgpack", Reason(err))
}

func TestIsMsgpackContentType(t *testing.T) {
	assert.True(t, isMsgpackContentType("application/msgpack"))
	assert.True(t, isMsgpackContentType("application/x-msgpack"))
	assert.False(t, isMsgpackContentType("application/json"))
}
