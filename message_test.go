package editsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameCodec(t *testing.T) {
	unitId := NewId()
	connectionId := NewId()

	frameBytes, err := EncodeFrame(&UnitAdded{
		Index: 2,
		Unit: ContentUnit{
			Id:   unitId,
			Kind: "paragraph",
			Data: map[string]any{"text": "hi"},
		},
	})
	assert.Equal(t, err, nil)

	message, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	added, ok := message.(*UnitAdded)
	assert.Equal(t, ok, true)
	assert.Equal(t, added.Index, 2)
	assert.Equal(t, added.Unit.Id, unitId)
	assert.Equal(t, added.Unit.Kind, "paragraph")
	assert.Equal(t, structurallyEqual(added.Unit.Data, map[string]any{"text": "hi"}), true)

	frameBytes, err = EncodeFrame(&UnitLocked{
		UnitId:       unitId,
		ConnectionId: connectionId,
	})
	assert.Equal(t, err, nil)
	message, err = DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	locked, ok := message.(*UnitLocked)
	assert.Equal(t, ok, true)
	assert.Equal(t, locked.UnitId, unitId)
	assert.Equal(t, locked.ConnectionId, connectionId)
}

func TestEncodeFrameUnknownMessage(t *testing.T) {
	_, err := EncodeFrame("not a message")
	assert.NotEqual(t, err, nil)
}

func TestDecodeFrameMalformed(t *testing.T) {
	// not json
	_, err := DecodeFrame([]byte("{"))
	assert.NotEqual(t, err, nil)

	// unknown type
	_, err = DecodeFrame([]byte(`{"type":"unit-exploded","payload":{}}`))
	assert.NotEqual(t, err, nil)

	// payload of the wrong shape
	_, err = DecodeFrame([]byte(`{"type":"unit-removed","payload":{"unitId":7}}`))
	assert.NotEqual(t, err, nil)

	// structurally valid json, missing required ids
	_, err = DecodeFrame([]byte(`{"type":"unit-removed","payload":{}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame([]byte(`{"type":"unit-added","payload":{"index":0,"unit":{}}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame([]byte(`{"type":"peer-disconnected","payload":{}}`))
	assert.NotEqual(t, err, nil)
}

func TestNormalizeTableSnapshot(t *testing.T) {
	data := map[string]any{
		"withHeadings": false,
		"content": []any{
			[]any{"a", "b"},
			[]any{"", ""},
			[]any{"", ""},
		},
	}
	norm := NormalizeTableSnapshot(data).(map[string]any)
	assert.Equal(t, len(norm["content"].([]any)), 1)
	// non-trailing empty rows are kept
	data = map[string]any{
		"content": []any{
			[]any{"", ""},
			[]any{"a", "b"},
		},
	}
	norm = NormalizeTableSnapshot(data).(map[string]any)
	assert.Equal(t, len(norm["content"].([]any)), 2)

	// unexpected shapes pass through untouched
	assert.Equal(t, NormalizeTableSnapshot("scalar"), "scalar")
}
