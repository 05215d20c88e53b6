package editsync

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// in-memory implementation of the host editing surface contract.
// Used by tests and the demo; fires mutation notifications synchronously
// the way a real editor shell does.
type MemorySurface struct {
	stateLock         sync.Mutex
	units             []ContentUnit
	mutationCallbacks *CallbackList[MutationFunc]
}

func NewMemorySurface(units ...ContentUnit) *MemorySurface {
	return &MemorySurface{
		units:             slices.Clone(units),
		mutationCallbacks: NewCallbackList[MutationFunc](),
	}
}

func (self *MemorySurface) Units() []ContentUnit {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.units)
}

func (self *MemorySurface) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.units)
}

func (self *MemorySurface) Insert(index int, unit ContentUnit) error {
	self.stateLock.Lock()
	if index < 0 || len(self.units) < index {
		self.stateLock.Unlock()
		return fmt.Errorf("insert index out of range: %d", index)
	}
	if i := self.indexOf(unit.Id); 0 <= i {
		self.stateLock.Unlock()
		return fmt.Errorf("unit already present: %s", unit.Id)
	}
	self.units = slices.Insert(self.units, index, unit)
	self.stateLock.Unlock()

	self.mutate(Mutation{
		Kind:   MutationAdded,
		UnitId: unit.Id,
		Index:  index,
	})
	return nil
}

func (self *MemorySurface) Update(unitId Id, data any) error {
	self.stateLock.Lock()
	i := self.indexOf(unitId)
	if i < 0 {
		self.stateLock.Unlock()
		return ErrNotFound
	}
	self.units[i].Data = data
	self.stateLock.Unlock()

	self.mutate(Mutation{
		Kind:   MutationChanged,
		UnitId: unitId,
		Index:  i,
	})
	return nil
}

func (self *MemorySurface) RemoveAt(index int) error {
	self.stateLock.Lock()
	if index < 0 || len(self.units) <= index {
		self.stateLock.Unlock()
		return ErrNotFound
	}
	unit := self.units[index]
	self.units = slices.Delete(self.units, index, index+1)
	self.stateLock.Unlock()

	self.mutate(Mutation{
		Kind:   MutationRemoved,
		UnitId: unit.Id,
		Index:  index,
	})
	return nil
}

func (self *MemorySurface) Move(fromIndex int, toIndex int) error {
	self.stateLock.Lock()
	if fromIndex < 0 || len(self.units) <= fromIndex {
		self.stateLock.Unlock()
		return ErrNotFound
	}
	if toIndex < 0 || len(self.units) <= toIndex {
		self.stateLock.Unlock()
		return fmt.Errorf("move index out of range: %d", toIndex)
	}
	fromUnit := self.units[fromIndex]
	toUnit := self.units[toIndex]
	self.units = slices.Delete(self.units, fromIndex, fromIndex+1)
	self.units = slices.Insert(self.units, toIndex, fromUnit)
	self.stateLock.Unlock()

	self.mutate(Mutation{
		Kind:       MutationMoved,
		UnitId:     fromUnit.Id,
		FromUnitId: fromUnit.Id,
		ToUnitId:   toUnit.Id,
		FromIndex:  fromIndex,
		ToIndex:    toIndex,
		Index:      toIndex,
	})
	return nil
}

func (self *MemorySurface) IndexOf(unitId Id) (int, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := self.indexOf(unitId)
	if i < 0 {
		return 0, false
	}
	return i, true
}

func (self *MemorySurface) UnitAt(index int) (ContentUnit, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if index < 0 || len(self.units) <= index {
		return ContentUnit{}, false
	}
	return self.units[index], true
}

func (self *MemorySurface) Unit(unitId Id) (ContentUnit, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := self.indexOf(unitId)
	if i < 0 {
		return ContentUnit{}, false
	}
	return self.units[i], true
}

func (self *MemorySurface) Save(unitId Id) (any, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := self.indexOf(unitId)
	if i < 0 {
		return nil, ErrNotFound
	}
	return cloneData(self.units[i].Data), nil
}

func (self *MemorySurface) AddMutationCallback(mutationCallback MutationFunc) func() {
	callbackId := self.mutationCallbacks.Add(mutationCallback)
	return func() {
		self.mutationCallbacks.Remove(callbackId)
	}
}

// must not hold `stateLock`, callbacks may re-enter the surface
func (self *MemorySurface) mutate(mutation Mutation) {
	for _, mutationCallback := range self.mutationCallbacks.Get() {
		func() {
			defer recover()
			mutationCallback(mutation)
		}()
	}
}

func (self *MemorySurface) indexOf(unitId Id) int {
	return slices.IndexFunc(self.units, func(unit ContentUnit) bool {
		return unit.Id == unitId
	})
}
