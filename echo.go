package editsync

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// suppresses infinite echo: applying a remote message synchronously fires
// local mutation notifications, which would otherwise be re-broadcast and
// loop forever between replicas. The reconciler marks each (unit, kind) it
// is about to trigger before invoking the surface; the local observer
// consumes the mark instead of emitting.
//
// Marks that are not consumed expire on the next tick, not synchronously:
// the surface's own propagation to dependent UI may itself be asynchronous,
// and expiring within the current frame would under-suppress. An entry must
// never outlive one tick; expiring later would wrongly suppress a legitimate
// local re-emission.
//
// Loop-affine, no locking.
type echoRegistry struct {
	scheduler *Scheduler

	pending map[Id]mapset.Set[MutationKind]
}

func newEchoRegistry(scheduler *Scheduler) *echoRegistry {
	return &echoRegistry{
		scheduler: scheduler,
		pending:   map[Id]mapset.Set[MutationKind]{},
	}
}

// marks the pair as ignorable for one local-observer pass. Two remote
// messages targeting the same unit within one tick accumulate kinds
// rather than overwrite, since consumption is per kind.
func (self *echoRegistry) Suppress(unitId Id, kind MutationKind) {
	kinds, ok := self.pending[unitId]
	if !ok {
		kinds = mapset.NewSet[MutationKind]()
		self.pending[unitId] = kinds
	}
	kinds.Add(kind)
	self.scheduler.PostTick(func() {
		self.remove(unitId, kind)
	})
}

// consumes and clears the mark after reporting it
func (self *echoRegistry) ShouldSuppress(unitId Id, kind MutationKind) bool {
	kinds, ok := self.pending[unitId]
	if !ok || !kinds.Contains(kind) {
		return false
	}
	self.remove(unitId, kind)
	return true
}

func (self *echoRegistry) remove(unitId Id, kind MutationKind) {
	kinds, ok := self.pending[unitId]
	if !ok {
		return
	}
	kinds.Remove(kind)
	if kinds.Cardinality() == 0 {
		delete(self.pending, unitId)
	}
}
