package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(EventDocumentUpdate, DocumentUpdate{
		PageID: "p1",
		Update: DocumentContent{Content: "<p>hi</p>"},
	})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventDocumentUpdate, env.Event)

	var du DocumentUpdate
	require.NoError(t, json.Unmarshal(env.Payload, &du))
	assert.Equal(t, "<p>hi</p>", du.Update.Content)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		_, err := Decode([]byte("not json"))
		assert.Error(t, err)
	})

	t.Run("missing event", func(t *testing.T) {
		_, err := Decode([]byte(`{"payload":{}}`))
		assert.Error(t, err)
	})
}

func TestWhiteboardUpdateShapes(t *testing.T) {
	t.Run("stroke variant", func(t *testing.T) {
		data, err := Encode(EventWhiteboardUpdate, WhiteboardUpdate{
			PageID: "p1",
			Stroke: &Stroke{ID: "s1", Points: []Point{{X: 1, Y: 2}}},
		})
		require.NoError(t, err)

		env, err := Decode(data)
		require.NoError(t, err)
		var wu WhiteboardUpdate
		require.NoError(t, json.Unmarshal(env.Payload, &wu))
		require.NotNil(t, wu.Stroke)
		assert.Empty(t, wu.Action)
	})

	t.Run("clear variant", func(t *testing.T) {
		data, err := Encode(EventWhiteboardUpdate, WhiteboardUpdate{PageID: "p1", Action: WhiteboardActionClear})
		require.NoError(t, err)

		env, err := Decode(data)
		require.NoError(t, err)
		var wu WhiteboardUpdate
		require.NoError(t, json.Unmarshal(env.Payload, &wu))
		assert.Nil(t, wu.Stroke)
		assert.Equal(t, WhiteboardActionClear, wu.Action)
	})
}
