package editsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func unitIds(surface *MemorySurface) []Id {
	ids := []Id{}
	for _, unit := range surface.Units() {
		ids = append(ids, unit.Id)
	}
	return ids
}

func TestApplyAddedClampsIndex(t *testing.T) {
	harness := newEngineHarness(NewId(), testEngineSettings())
	defer harness.engine.Close()

	unitId := NewId()
	harness.transport.inject(&UnitAdded{
		// far beyond current length
		Index: 7,
		Unit: ContentUnit{
			Id:   unitId,
			Kind: "paragraph",
			Data: "hi",
		},
	})
	harness.settle()

	index, ok := harness.surface.IndexOf(unitId)
	assert.Equal(t, ok, true)
	assert.Equal(t, index, 0)
}

func TestApplyDuplicateAddBecomesChange(t *testing.T) {
	// a duplicate or retried add must not produce a second unit
	unitId := NewId()
	harness := newEngineHarness(NewId(), testEngineSettings(), ContentUnit{
		Id:   unitId,
		Kind: "paragraph",
		Data: "hi",
	})
	defer harness.engine.Close()

	harness.transport.inject(&UnitAdded{
		Index: 0,
		Unit: ContentUnit{
			Id:   unitId,
			Kind: "paragraph",
			Data: "hello",
		},
	})
	harness.settle()

	assert.Equal(t, harness.surface.Len(), 1)
	unit, _ := harness.surface.Unit(unitId)
	assert.Equal(t, unit.Data, "hello")
}

func TestApplyRemovedIdempotent(t *testing.T) {
	// removing twice leaves the document as removing once
	unitId := NewId()
	keepId := NewId()
	harness := newEngineHarness(NewId(), testEngineSettings(),
		ContentUnit{Id: unitId, Kind: "paragraph", Data: "bye"},
		ContentUnit{Id: keepId, Kind: "paragraph", Data: "stay"},
	)
	defer harness.engine.Close()

	harness.transport.inject(&UnitRemoved{UnitId: unitId})
	harness.settle()
	assert.Equal(t, unitIds(harness.surface), []Id{keepId})

	harness.transport.inject(&UnitRemoved{UnitId: unitId})
	harness.settle()
	assert.Equal(t, unitIds(harness.surface), []Id{keepId})
}

func TestApplyChangedSelfHeals(t *testing.T) {
	// a change for an absent unit inserts it from the message, identical
	// to applying the equivalent add
	a := NewId()
	b := NewId()
	missingId := NewId()
	units := []ContentUnit{
		{Id: a, Kind: "paragraph", Data: "a"},
		{Id: b, Kind: "paragraph", Data: "b"},
	}

	healed := newEngineHarness(NewId(), testEngineSettings(), units...)
	defer healed.engine.Close()
	healed.transport.inject(&UnitChanged{
		UnitId: missingId,
		Kind:   "paragraph",
		Data:   "D",
		Index:  2,
	})
	settle(healed.engine.scheduler)

	added := newEngineHarness(NewId(), testEngineSettings(), units...)
	defer added.engine.Close()
	added.transport.inject(&UnitAdded{
		Index: 2,
		Unit: ContentUnit{
			Id:   missingId,
			Kind: "paragraph",
			Data: "D",
		},
	})
	settle(added.engine.scheduler)

	assert.Equal(t, healed.surface.Units(), added.surface.Units())
	index, ok := healed.surface.IndexOf(missingId)
	assert.Equal(t, ok, true)
	assert.Equal(t, index, 2)
	unit, _ := healed.surface.Unit(missingId)
	assert.Equal(t, unit.Data, "D")
}

func TestApplyChangedInPlace(t *testing.T) {
	unitId := NewId()
	harness := newEngineHarness(NewId(), testEngineSettings(), ContentUnit{
		Id:   unitId,
		Kind: "paragraph",
		Data: "hi",
	})
	defer harness.engine.Close()

	harness.transport.inject(&UnitChanged{
		UnitId: unitId,
		Kind:   "paragraph",
		Data:   "hi!",
		Index:  0,
	})
	harness.settle()

	assert.Equal(t, harness.surface.Len(), 1)
	unit, _ := harness.surface.Unit(unitId)
	assert.Equal(t, unit.Data, "hi!")
}

func TestApplyMovedConverges(t *testing.T) {
	// a duplicate or retried move is a no-op the second time,
	// because the unit already sits at the target index
	a := NewId()
	b := NewId()
	c := NewId()
	d := NewId()
	harness := newEngineHarness(NewId(), testEngineSettings(),
		ContentUnit{Id: a, Kind: "paragraph", Data: "a"},
		ContentUnit{Id: b, Kind: "paragraph", Data: "b"},
		ContentUnit{Id: c, Kind: "paragraph", Data: "c"},
		ContentUnit{Id: d, Kind: "paragraph", Data: "d"},
	)
	defer harness.engine.Close()

	move := &UnitMoved{
		FromUnitId: a,
		ToUnitId:   d,
		ToIndex:    3,
	}
	harness.transport.inject(move)
	harness.settle()
	assert.Equal(t, unitIds(harness.surface), []Id{b, c, d, a})

	harness.transport.inject(move)
	harness.settle()
	assert.Equal(t, unitIds(harness.surface), []Id{b, c, d, a})

	// applying a remote move never re-emits a move
	time.Sleep(100 * time.Millisecond)
	harness.settle()
	assert.Equal(t, countMessages[*UnitMoved](harness.transport.messages()), 0)
}

func TestApplyMovedMissingUnit(t *testing.T) {
	keepId := NewId()
	harness := newEngineHarness(NewId(), testEngineSettings(), ContentUnit{
		Id:   keepId,
		Kind: "paragraph",
		Data: "stay",
	})
	defer harness.engine.Close()

	harness.transport.inject(&UnitMoved{
		FromUnitId: NewId(),
		ToUnitId:   keepId,
		ToIndex:    0,
	})
	harness.settle()
	assert.Equal(t, unitIds(harness.surface), []Id{keepId})
}

func TestApplyMalformedDropped(t *testing.T) {
	unitId := NewId()
	harness := newEngineHarness(NewId(), testEngineSettings(), ContentUnit{
		Id:   unitId,
		Kind: "paragraph",
		Data: "hi",
	})
	defer harness.engine.Close()

	for _, receiveCallback := range harness.transport.receiveCallbacks.Get() {
		receiveCallback([]byte(`{"type":"unit-removed","payload":{}}`))
		receiveCallback([]byte(`not json`))
	}
	harness.settle()

	// dropped silently, document untouched, engine still live
	assert.Equal(t, harness.surface.Len(), 1)
	harness.transport.inject(&UnitChanged{
		UnitId: unitId,
		Kind:   "paragraph",
		Data:   "hi!",
		Index:  0,
	})
	harness.settle()
	unit, _ := harness.surface.Unit(unitId)
	assert.Equal(t, unit.Data, "hi!")
}

func TestPresenceProjection(t *testing.T) {
	unitId := NewId()
	otherConnectionId := NewId()
	harness := newEngineHarness(NewId(), testEngineSettings(), ContentUnit{
		Id:   unitId,
		Kind: "paragraph",
		Data: "hi",
	})
	defer harness.engine.Close()

	harness.transport.inject(&SelectionChanged{
		UnitId:       unitId,
		ConnectionId: otherConnectionId,
		Geometry:     map[string]any{"start": 0, "end": 2},
	})
	harness.settle()

	markers := harness.engine.PresenceMarkers()
	assert.Equal(t, len(markers), 1)
	assert.Equal(t, markers[0].UnitId, unitId)
	assert.Equal(t, markers[0].ConnectionId, otherConnectionId)
	assert.NotEqual(t, markers[0].Color, "")
	assert.NotEqual(t, markers[0].Class, "")

	// a selection without geometry clears the marker
	harness.transport.inject(&SelectionChanged{
		UnitId:       unitId,
		ConnectionId: otherConnectionId,
	})
	harness.settle()
	assert.Equal(t, len(harness.engine.PresenceMarkers()), 0)

	// disconnect clears everything for the connection
	harness.transport.inject(&SelectionChanged{
		UnitId:       unitId,
		ConnectionId: otherConnectionId,
		Geometry:     map[string]any{"start": 1, "end": 1},
	})
	harness.settle()
	assert.Equal(t, len(harness.engine.PresenceMarkers()), 1)
	harness.transport.inject(&PeerDisconnected{
		ConnectionId: otherConnectionId,
	})
	harness.settle()
	assert.Equal(t, len(harness.engine.PresenceMarkers()), 0)
}
