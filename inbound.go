package editsync

import (
	"github.com/golang/glog"
)

// applies incoming messages against the local document. Core policy:
// identity (unit id) is authoritative, index is a hint. Every failure mode
// degrades to "this one update is skipped" or a self-healing fallback;
// nothing here is fatal and nothing propagates to the caller.
//
// A lease held by a connection other than the message sender does not block
// the apply: the later-arriving write wins. Full conflict ordering is
// intentionally simple; with a small number of editors the lock protocol
// makes this race rare, and a follow-up edit converges the replicas.
//
// Loop-affine, no locking.
type reconciler struct {
	surface  Surface
	echo     *echoRegistry
	locks    *lockManager
	presence *presenceProjection
	// lets the engine track noisy-kind baselines for remotely applied data
	applied func(unitId Id, kind string, data any)
}

func newReconciler(surface Surface, echo *echoRegistry, locks *lockManager, presence *presenceProjection, applied func(unitId Id, kind string, data any)) *reconciler {
	return &reconciler{
		surface:  surface,
		echo:     echo,
		locks:    locks,
		presence: presence,
		applied:  applied,
	}
}

func (self *reconciler) Apply(frameBytes []byte) {
	message, err := DecodeFrame(frameBytes)
	if err != nil {
		// malformed. Drop silently, no retry; messages are not replayed.
		glog.V(1).Infof("[in]drop = %s\n", err)
		return
	}
	switch v := message.(type) {
	case *UnitAdded:
		self.applyAdded(v)
	case *UnitRemoved:
		self.applyRemoved(v)
	case *UnitChanged:
		self.applyChanged(v)
	case *UnitMoved:
		self.applyMoved(v)
	case *UnitLocked:
		self.locks.ApplyLock(v)
	case *UnitUnlocked:
		self.locks.ApplyUnlock(v)
	case *SelectionChanged:
		self.presence.Apply(v)
	case *PeerDisconnected:
		self.locks.ReleaseConnection(v.ConnectionId)
		self.presence.ClearConnection(v.ConnectionId)
	}
}

func (self *reconciler) applyAdded(message *UnitAdded) {
	if _, ok := self.surface.Unit(message.Unit.Id); ok {
		// duplicate or retried add. Treat as a change.
		self.applyChanged(&UnitChanged{
			UnitId: message.Unit.Id,
			Kind:   message.Unit.Kind,
			Data:   message.Unit.Data,
			Index:  message.Index,
		})
		return
	}
	index := clampIndex(message.Index, len(self.surface.Units()))
	self.echo.Suppress(message.Unit.Id, MutationAdded)
	if err := self.surface.Insert(index, message.Unit); err != nil {
		glog.V(1).Infof("[in]add rejected %s = %s\n", message.Unit.Id, err)
		return
	}
	self.applied(message.Unit.Id, message.Unit.Kind, message.Unit.Data)
}

func (self *reconciler) applyRemoved(message *UnitRemoved) {
	index, ok := self.surface.IndexOf(message.UnitId)
	if !ok {
		// already converged, or racing remove
		return
	}
	self.echo.Suppress(message.UnitId, MutationRemoved)
	if err := self.surface.RemoveAt(index); err != nil {
		glog.V(1).Infof("[in]remove rejected %s = %s\n", message.UnitId, err)
	}
}

func (self *reconciler) applyChanged(message *UnitChanged) {
	if _, ok := self.surface.Unit(message.UnitId); ok {
		self.echo.Suppress(message.UnitId, MutationChanged)
		if err := self.surface.Update(message.UnitId, message.Data); err == nil {
			self.applied(message.UnitId, message.Kind, message.Data)
			return
		}
		// raced with a remove between lookup and update, fall through
	}
	// the unit is absent, raced with a remove or the add was not delivered.
	// Insert from the message instead of erroring; this self-heals missed
	// adds without redelivery.
	index := clampIndex(message.Index, len(self.surface.Units()))
	self.echo.Suppress(message.UnitId, MutationAdded)
	err := self.surface.Insert(index, ContentUnit{
		Id:   message.UnitId,
		Kind: message.Kind,
		Data: message.Data,
	})
	if err != nil {
		glog.V(1).Infof("[in]heal rejected %s = %s\n", message.UnitId, err)
		return
	}
	self.applied(message.UnitId, message.Kind, message.Data)
}

func (self *reconciler) applyMoved(message *UnitMoved) {
	fromIndex, ok := self.surface.IndexOf(message.FromUnitId)
	if !ok {
		return
	}
	length := len(self.surface.Units())
	toIndex := clampIndex(message.ToIndex, length-1)
	if fromIndex == toIndex {
		// a concurrent local move already converged this ordering. Skipping
		// here is what stops two replicas oscillating on each other's moves.
		return
	}
	self.echo.Suppress(message.FromUnitId, MutationMoved)
	if err := self.surface.Move(fromIndex, toIndex); err != nil {
		glog.V(1).Infof("[in]move rejected %s = %s\n", message.FromUnitId, err)
	}
}
