package editsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemorySurfaceMutations(t *testing.T) {
	surface := NewMemorySurface()
	mutations := []Mutation{}
	unsub := surface.AddMutationCallback(func(mutation Mutation) {
		mutations = append(mutations, mutation)
	})
	defer unsub()

	a := NewId()
	b := NewId()
	assert.Equal(t, surface.Insert(0, ContentUnit{Id: a, Kind: "paragraph", Data: "a"}), nil)
	assert.Equal(t, surface.Insert(1, ContentUnit{Id: b, Kind: "paragraph", Data: "b"}), nil)
	assert.Equal(t, surface.Move(0, 1), nil)
	assert.Equal(t, surface.Update(a, "a!"), nil)
	assert.Equal(t, surface.RemoveAt(0), nil)

	assert.Equal(t, len(mutations), 5)
	assert.Equal(t, mutations[0].Kind, MutationAdded)
	assert.Equal(t, mutations[0].UnitId, a)
	assert.Equal(t, mutations[2].Kind, MutationMoved)
	assert.Equal(t, mutations[2].FromUnitId, a)
	assert.Equal(t, mutations[2].ToUnitId, b)
	assert.Equal(t, mutations[2].ToIndex, 1)
	assert.Equal(t, mutations[3].Kind, MutationChanged)
	assert.Equal(t, mutations[3].Index, 1)
	assert.Equal(t, mutations[4].Kind, MutationRemoved)
	assert.Equal(t, mutations[4].UnitId, b)

	assert.Equal(t, unitIds(surface), []Id{a})

	// duplicate ids are rejected, one unit per id
	assert.NotEqual(t, surface.Insert(0, ContentUnit{Id: a, Kind: "paragraph"}), nil)
	// out of range
	assert.NotEqual(t, surface.Insert(5, ContentUnit{Id: NewId(), Kind: "paragraph"}), nil)
	assert.Equal(t, surface.RemoveAt(9), ErrNotFound)
	assert.Equal(t, surface.Update(NewId(), "x"), ErrNotFound)
}

func TestMemorySurfaceSaveClones(t *testing.T) {
	unitId := NewId()
	surface := NewMemorySurface(ContentUnit{
		Id:   unitId,
		Kind: "table",
		Data: map[string]any{"content": []any{[]any{"a"}}},
	})

	data, err := surface.Save(unitId)
	assert.Equal(t, err, nil)
	saved := data.(map[string]any)
	saved["content"] = []any{}

	again, err := surface.Save(unitId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(again.(map[string]any)["content"].([]any)), 1)
}
