package editsync

import (
	"encoding/json"
	"reflect"
	"sync"

	"golang.org/x/exp/slices"
)

type callbackListEntry[T any] struct {
	callbackId int
	callback   T
}

// makes a copy of the list on update, so `Get` is safe to iterate
// while callbacks add or remove themselves
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	entries        []*callbackListEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, &callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry *callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

func clampIndex(index int, length int) int {
	if index < 0 {
		return 0
	}
	if length < index {
		return length
	}
	return index
}

// full recursive structural equality of two opaque payloads.
// normalized through json so that mapping keys compare order-independent
// and concrete types do not matter
func structurallyEqual(a any, b any) bool {
	aNorm, aOk := normalizeData(a)
	bNorm, bOk := normalizeData(b)
	if !aOk || !bOk {
		return false
	}
	return reflect.DeepEqual(aNorm, bNorm)
}

func normalizeData(data any) (any, bool) {
	if data == nil {
		return nil, true
	}
	dataJson, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	var norm any
	if err := json.Unmarshal(dataJson, &norm); err != nil {
		return nil, false
	}
	return norm, true
}

// deep copy of an opaque payload so that callers cannot alias internal state
func cloneData(data any) any {
	norm, ok := normalizeData(data)
	if !ok {
		return data
	}
	return norm
}
