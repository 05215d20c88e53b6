package editsync

import (
	"github.com/golang/glog"
)

// normalizes a unit snapshot before it is emitted, e.g. dropping
// semantically-empty trailing table rows that a peer's UI would silently
// prune. Host-surface specific, pluggable per unit kind.
type NormalizeFunc func(data any) any

// turns local edits into outbound messages without flooding the transport.
// Content edits fire per keystroke and are coalesced with a trailing-edge
// throttle per unit: at most one message per window, always carrying the
// latest snapshot taken at emit time. Structural edits bypass the throttle
// and emit on a next-tick deferral, because two replicas disagreeing on
// ordering costs more than a rare burst.
//
// Loop-affine, no locking.
type outboundPipeline struct {
	scheduler *Scheduler
	surface   Surface
	send      func(message any)
	settings  *EngineSettings

	// unitId -> stop function of the armed window timer
	throttled map[Id]func()
}

func newOutboundPipeline(scheduler *Scheduler, surface Surface, send func(message any), settings *EngineSettings) *outboundPipeline {
	return &outboundPipeline{
		scheduler: scheduler,
		surface:   surface,
		send:      send,
		settings:  settings,
		throttled: map[Id]func(){},
	}
}

func (self *outboundPipeline) ContentChanged(unitId Id) {
	if _, ok := self.throttled[unitId]; ok {
		// window open. The trailing emit snapshots the latest state.
		return
	}
	stop := self.scheduler.After(self.settings.CoalesceWindow, func() {
		delete(self.throttled, unitId)
		// let the surface finish propagating before the snapshot is taken
		self.scheduler.PostTick(func() {
			self.emitSnapshot(unitId)
		})
	})
	self.throttled[unitId] = stop
}

func (self *outboundPipeline) StructuralChanged(mutation Mutation) {
	self.scheduler.PostTick(func() {
		self.emitStructural(mutation)
	})
}

func (self *outboundPipeline) Close() {
	for unitId, stop := range self.throttled {
		stop()
		delete(self.throttled, unitId)
	}
}

func (self *outboundPipeline) emitSnapshot(unitId Id) {
	unit, ok := self.surface.Unit(unitId)
	if !ok {
		// removed while throttled
		return
	}
	data, err := self.surface.Save(unitId)
	if err != nil {
		glog.V(1).Infof("[out]save failed %s = %s\n", unitId, err)
		return
	}
	if data == nil {
		// nothing to persist
		return
	}
	if normalize, ok := self.settings.SnapshotNormalizers[unit.Kind]; ok {
		data = normalize(data)
	}
	index, ok := self.surface.IndexOf(unitId)
	if !ok {
		return
	}
	self.send(&UnitChanged{
		UnitId: unitId,
		Kind:   unit.Kind,
		Data:   data,
		Index:  index,
	})
}

func (self *outboundPipeline) emitStructural(mutation Mutation) {
	switch mutation.Kind {
	case MutationAdded:
		unit, ok := self.surface.Unit(mutation.UnitId)
		if !ok {
			// removed before the emit tick
			return
		}
		if data, err := self.surface.Save(mutation.UnitId); err == nil {
			unit.Data = data
		}
		index, ok := self.surface.IndexOf(mutation.UnitId)
		if !ok {
			return
		}
		self.send(&UnitAdded{
			Index: index,
			Unit:  unit,
		})
	case MutationRemoved:
		self.send(&UnitRemoved{
			UnitId: mutation.UnitId,
		})
	case MutationMoved:
		self.send(&UnitMoved{
			FromUnitId: mutation.FromUnitId,
			ToUnitId:   mutation.ToUnitId,
			ToIndex:    mutation.ToIndex,
		})
	}
}
