package editsync

import (
	"github.com/golang/glog"
)

type LockFunc func(unitId Id, holderConnectionId Id, locked bool)

// a lease is a soft, advisory, time-bounded exclusive-edit claim on a unit.
// It reduces the probability of cross-replica collisions; it provides no
// local mutual exclusion and does not need to, since all engine work is
// serialized on the scheduler.
type lockLease struct {
	unitId             Id
	holderConnectionId Id
	// armed for self-held leases only. Remote leases have no local timer;
	// a silently dead peer leaves them stale until cleared externally.
	stopIdleTimer func()
}

// per-unit state machine: Unlocked -> Locked(holder) -> Unlocked.
// At most one lease per unit at any time.
//
// Loop-affine, no locking.
type lockManager struct {
	scheduler    *Scheduler
	connectionId Id
	send         func(message any)
	settings     *EngineSettings

	leases        map[Id]*lockLease
	lockCallbacks *CallbackList[LockFunc]
}

func newLockManager(scheduler *Scheduler, connectionId Id, send func(message any), settings *EngineSettings) *lockManager {
	return &lockManager{
		scheduler:     scheduler,
		connectionId:  connectionId,
		send:          send,
		settings:      settings,
		leases:        map[Id]*lockLease{},
		lockCallbacks: NewCallbackList[LockFunc](),
	}
}

func (self *lockManager) Holder(unitId Id) (Id, bool) {
	lease, ok := self.leases[unitId]
	if !ok {
		return Id{}, false
	}
	return lease.holderConnectionId, true
}

func (self *lockManager) LockedByOther(unitId Id) bool {
	lease, ok := self.leases[unitId]
	return ok && lease.holderConnectionId != self.connectionId
}

// observes a local edit. The first edit to an unlocked unit acquires the
// lease and broadcasts the lock immediately, not throttled. Subsequent edits
// refresh the idle timer without re-broadcasting. Returns false if another
// connection holds the lease; the edit must not reach the outbound pipeline.
func (self *lockManager) LocalEdit(unitId Id) bool {
	lease, ok := self.leases[unitId]
	if ok {
		if lease.holderConnectionId != self.connectionId {
			return false
		}
		lease.stopIdleTimer()
		lease.stopIdleTimer = self.startIdleTimer(unitId)
		return true
	}

	self.leases[unitId] = &lockLease{
		unitId:             unitId,
		holderConnectionId: self.connectionId,
		stopIdleTimer:      self.startIdleTimer(unitId),
	}
	self.send(&UnitLocked{
		UnitId:       unitId,
		ConnectionId: self.connectionId,
	})
	self.notify(unitId, self.connectionId, true)
	return true
}

func (self *lockManager) ApplyLock(message *UnitLocked) {
	lease, ok := self.leases[message.UnitId]
	if !ok {
		self.leases[message.UnitId] = &lockLease{
			unitId:             message.UnitId,
			holderConnectionId: message.ConnectionId,
		}
		self.notify(message.UnitId, message.ConnectionId, true)
		return
	}
	if lease.holderConnectionId == self.connectionId {
		// both sides locked before either lock message arrived.
		// Lexicographic connection id ordering breaks the tie: the lower id
		// keeps the lease, the higher id yields silently. No unlock
		// broadcast is needed, the winner's lock already supersedes ours
		// on every replica applying the same rule.
		if message.ConnectionId.LessThan(self.connectionId) {
			glog.V(1).Infof("[lock]yield %s to %s\n", message.UnitId, message.ConnectionId)
			lease.stopIdleTimer()
			lease.holderConnectionId = message.ConnectionId
			lease.stopIdleTimer = nil
			self.notify(message.UnitId, message.ConnectionId, true)
		}
		return
	}
	// between two remote claimants the later applier wins,
	// same as structural writes
	lease.holderConnectionId = message.ConnectionId
	self.notify(message.UnitId, message.ConnectionId, true)
}

func (self *lockManager) ApplyUnlock(message *UnitUnlocked) {
	lease, ok := self.leases[message.UnitId]
	if !ok || lease.holderConnectionId != message.ConnectionId {
		// already released, or superseded by another holder
		return
	}
	if lease.stopIdleTimer != nil {
		lease.stopIdleTimer()
	}
	delete(self.leases, message.UnitId)
	self.notify(message.UnitId, message.ConnectionId, false)
}

// releases every lease held by a disconnected connection
func (self *lockManager) ReleaseConnection(connectionId Id) {
	for unitId, lease := range self.leases {
		if lease.holderConnectionId == connectionId {
			if lease.stopIdleTimer != nil {
				lease.stopIdleTimer()
			}
			delete(self.leases, unitId)
			self.notify(unitId, connectionId, false)
		}
	}
}

// best-effort release of self-held leases on engine close,
// so peers are not left waiting for an idle expiry that will never broadcast
func (self *lockManager) ReleaseSelf() {
	for unitId, lease := range self.leases {
		if lease.holderConnectionId == self.connectionId {
			lease.stopIdleTimer()
			delete(self.leases, unitId)
			self.send(&UnitUnlocked{
				UnitId:       unitId,
				ConnectionId: self.connectionId,
			})
			self.notify(unitId, self.connectionId, false)
		}
	}
}

func (self *lockManager) AddLockCallback(lockCallback LockFunc) func() {
	callbackId := self.lockCallbacks.Add(lockCallback)
	return func() {
		self.lockCallbacks.Remove(callbackId)
	}
}

func (self *lockManager) startIdleTimer(unitId Id) func() {
	return self.scheduler.After(self.settings.LockIdleTimeout, func() {
		self.expire(unitId)
	})
}

func (self *lockManager) expire(unitId Id) {
	lease, ok := self.leases[unitId]
	if !ok || lease.holderConnectionId != self.connectionId {
		// released or yielded while the fire was queued
		return
	}
	delete(self.leases, unitId)
	self.send(&UnitUnlocked{
		UnitId:       unitId,
		ConnectionId: self.connectionId,
	})
	self.notify(unitId, self.connectionId, false)
}

func (self *lockManager) notify(unitId Id, holderConnectionId Id, locked bool) {
	for _, lockCallback := range self.lockCallbacks.Get() {
		func() {
			defer recover()
			lockCallback(unitId, holderConnectionId, locked)
		}()
	}
}
