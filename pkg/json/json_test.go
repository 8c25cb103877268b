package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type    string     `json:"type"`
	Payload RawMessage `json:"payload,omitempty"`
}

func TestFrameRoundTripKeepsRawPayload(t *testing.T) {
	data := []byte(`{"type":"join-campaign","payload":{"campaignId":"42"}}`)

	var f frame
	require.NoError(t, Unmarshal(data, &f))
	assert.Equal(t, "join-campaign", f.Type)
	assert.JSONEq(t, `{"campaignId":"42"}`, string(f.Payload))

	out, err := Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(out))
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(frame{Type: "request-live-stats"}))

	var decoded frame
	require.NoError(t, NewDecoder(bytes.NewReader(buf.Bytes())).Decode(&decoded))
	assert.Equal(t, "request-live-stats", decoded.Type)

	err := NewDecoder(bytes.NewReader([]byte(`{"invalid`))).Decode(&decoded)
	assert.Error(t, err)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty(RawMessage("null")))
	assert.True(t, IsEmpty(RawMessage("{}")))
	assert.False(t, IsEmpty(RawMessage(`{"id":"1"}`)))
}
