package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_FailsForUnknownAction(t *testing.T) {
	_, err := Encode(Message{Action: "explode"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncode_FailsForInvalidUTF8(t *testing.T) {
	_, err := Encode(NewMessage(Close, "\xff\xfe"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncode_FailsForOversizedFrame(t *testing.T) {
	_, err := Encode(NewMessage(Close, strings.Repeat("x", maxFrameLen)))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	data, err := Encode(NewMessage(Close, strings.Repeat("x", 400)))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), maxFrameLen)
}

func TestEncode_DecodesToSameMessage(t *testing.T) {
	msg := NewMessage(Close, "7")

	data, err := Encode(msg)
	require.NoError(t, err)

	body, _, err := nextFrame(data)
	require.NoError(t, err)

	decoded, err := decodeBody(body)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeBody_RejectsSchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown action":   `{"action":"explode"}`,
		"missing action":   `{"data":"1"}`,
		"extra property":   `{"action":"close","extra":true}`,
		"non-string data":  `{"action":"close","data":1}`,
		"not an object":    `["close"]`,
		"not even json":    `close`,
		"truncated object": `{"action":"clo`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decodeBody([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestAction_Valid(t *testing.T) {
	for _, action := range Actions {
		assert.True(t, action.Valid(), action)
	}

	assert.False(t, Action("").Valid())
	assert.False(t, Action("kill").Valid())
}
