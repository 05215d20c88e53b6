package editsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
)

type EngineSettings struct {
	// trailing-edge coalescing window for content edits, per unit
	CoalesceWindow time.Duration
	// a self-held lease with no edit for this long is released
	LockIdleTimeout time.Duration
	// unit kinds whose edit events glitch without a real payload change.
	// Lock and emit are gated on deep structural inequality for these.
	NoisyKinds []string
	// per-kind snapshot normalization before emit
	SnapshotNormalizers map[string]NormalizeFunc
	// derived presentation identifiers, overridable by the host
	PresenceColor func(connectionId Id) string
	PresenceClass func(connectionId Id) string
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		CoalesceWindow:  300 * time.Millisecond,
		LockIdleTimeout: 1500 * time.Millisecond,
		NoisyKinds:      []string{"table"},
		SnapshotNormalizers: map[string]NormalizeFunc{
			"table": NormalizeTableSnapshot,
		},
		PresenceColor: DefaultPresenceColor,
		PresenceClass: DefaultPresenceClass,
	}
}

var presencePalette = []string{
	"#e24a4a",
	"#e2a04a",
	"#b8e24a",
	"#4ae27e",
	"#4ac3e2",
	"#4a5de2",
	"#a04ae2",
	"#e24aa7",
}

func DefaultPresenceColor(connectionId Id) string {
	return presencePalette[int(connectionId[15])%len(presencePalette)]
}

func DefaultPresenceClass(connectionId Id) string {
	return fmt.Sprintf("editsync-remote-%x", connectionId[0:4])
}

// drops semantically-empty trailing rows from tabular content so they are
// not silently lost on peers whose UI prunes them on render
func NormalizeTableSnapshot(data any) any {
	content, ok := data.(map[string]any)
	if !ok {
		return data
	}
	rows, ok := content["content"].([]any)
	if !ok {
		return data
	}
	end := len(rows)
	for 0 < end {
		cells, ok := rows[end-1].([]any)
		if !ok {
			break
		}
		empty := true
		for _, cell := range cells {
			if s, ok := cell.(string); !ok || s != "" {
				empty = false
				break
			}
		}
		if !empty {
			break
		}
		end -= 1
	}
	if end == len(rows) {
		return data
	}
	normContent := map[string]any{}
	for k, v := range content {
		normContent[k] = v
	}
	normContent["content"] = rows[0:end]
	return normContent
}

// one engine per (document, connection). All state is owned by the instance
// and torn down with it, so multiple documents can sync in one process.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId Id
	surface      Surface
	transport    Transport
	settings     *EngineSettings

	scheduler *Scheduler
	echo      *echoRegistry
	outbound  *outboundPipeline
	locks     *lockManager
	presence  *presenceProjection
	reconcile *reconciler

	noisyKinds     mapset.Set[string]
	noisyBaselines map[Id]any

	stateLock      sync.Mutex
	surfaceUnsub   func()
	transportUnsub func()
	closed         bool
}

func NewEngineWithDefaults(ctx context.Context, connectionId Id, surface Surface, transport Transport) *Engine {
	return NewEngine(ctx, connectionId, surface, transport, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, connectionId Id, surface Surface, transport Transport, settings *EngineSettings) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)

	engine := &Engine{
		ctx:            cancelCtx,
		cancel:         cancel,
		connectionId:   connectionId,
		surface:        surface,
		transport:      transport,
		settings:       settings,
		noisyKinds:     mapset.NewSet(settings.NoisyKinds...),
		noisyBaselines: map[Id]any{},
	}
	engine.scheduler = NewScheduler(cancelCtx)
	engine.echo = newEchoRegistry(engine.scheduler)
	engine.outbound = newOutboundPipeline(engine.scheduler, surface, engine.sendMessage, settings)
	engine.locks = newLockManager(engine.scheduler, connectionId, engine.sendMessage, settings)
	engine.presence = newPresenceProjection(settings)
	engine.reconcile = newReconciler(surface, engine.echo, engine.locks, engine.presence, engine.remoteApplied)
	return engine
}

func (self *Engine) ConnectionId() Id {
	return self.connectionId
}

// attaches to the surface and the transport. Until `Listen` is called the
// engine neither emits nor applies anything.
func (self *Engine) Listen() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed || self.surfaceUnsub != nil {
		return
	}
	self.surfaceUnsub = self.surface.AddMutationCallback(func(mutation Mutation) {
		self.scheduler.Post(func() {
			self.handleMutation(mutation)
		})
	})
	self.transportUnsub = self.transport.AddReceiveCallback(func(frameBytes []byte) {
		self.scheduler.Post(func() {
			self.reconcile.Apply(frameBytes)
		})
	})
	// seed noisy baselines so a glitch on a pre-existing unit is a no-op
	self.scheduler.Post(func() {
		for _, unit := range self.surface.Units() {
			if self.noisyKinds.Contains(unit.Kind) {
				if data, err := self.surface.Save(unit.Id); err == nil {
					self.noisyBaselines[unit.Id] = data
				}
			}
		}
	})
	glog.V(1).Infof("[engine]%s listen\n", self.connectionId)
}

// releases self-held leases with a best-effort unlock and disconnect notice,
// then detaches. Pending throttled snapshots and armed timers never fire.
func (self *Engine) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	surfaceUnsub := self.surfaceUnsub
	transportUnsub := self.transportUnsub
	self.surfaceUnsub = nil
	self.transportUnsub = nil
	self.stateLock.Unlock()

	self.scheduler.Call(func() {
		self.outbound.Close()
		self.locks.ReleaseSelf()
		self.sendMessage(&PeerDisconnected{
			ConnectionId: self.connectionId,
		})
	})
	if surfaceUnsub != nil {
		surfaceUnsub()
	}
	if transportUnsub != nil {
		transportUnsub()
	}
	self.scheduler.Close()
	self.cancel()
	glog.V(1).Infof("[engine]%s close\n", self.connectionId)
}

// authoritative local content edit. Fails with `ErrLocked` when another
// connection holds the unit's lease; the caller's UI may still render a
// speculative edit, but it will not be applied or emitted.
func (self *Engine) TryEdit(unitId Id, data any) error {
	var retErr error
	self.scheduler.Call(func() {
		if self.locks.LockedByOther(unitId) {
			retErr = ErrLocked
			return
		}
		retErr = self.surface.Update(unitId, data)
	})
	return retErr
}

// broadcasts the local cursor/selection for a unit
func (self *Engine) UpdateSelection(unitId Id, geometry any) {
	self.scheduler.Post(func() {
		self.sendMessage(&SelectionChanged{
			UnitId:       unitId,
			ConnectionId: self.connectionId,
			Geometry:     geometry,
			Color:        self.settings.PresenceColor(self.connectionId),
		})
	})
}

func (self *Engine) ClearSelection(unitId Id) {
	self.scheduler.Post(func() {
		self.sendMessage(&SelectionChanged{
			UnitId:       unitId,
			ConnectionId: self.connectionId,
		})
	})
}

func (self *Engine) LockHolder(unitId Id) (Id, bool) {
	var holder Id
	var ok bool
	self.scheduler.Call(func() {
		holder, ok = self.locks.Holder(unitId)
	})
	return holder, ok
}

func (self *Engine) PresenceMarkers() []PresenceMarker {
	var markers []PresenceMarker
	self.scheduler.Call(func() {
		markers = self.presence.Markers()
	})
	return markers
}

func (self *Engine) AddLockCallback(lockCallback LockFunc) func() {
	return self.locks.AddLockCallback(lockCallback)
}

func (self *Engine) AddPresenceCallback(presenceCallback PresenceFunc) func() {
	return self.presence.AddPresenceCallback(presenceCallback)
}

// runs on the scheduler loop
func (self *Engine) handleMutation(mutation Mutation) {
	if self.echo.ShouldSuppress(mutation.UnitId, mutation.Kind) {
		// locally applied remote change, already known to peers
		return
	}
	switch mutation.Kind {
	case MutationChanged:
		unit, ok := self.surface.Unit(mutation.UnitId)
		if !ok {
			return
		}
		if self.noisyKinds.Contains(unit.Kind) && !self.noisyChanged(mutation.UnitId) {
			// a no-op glitch, neither locks nor emits
			glog.V(2).Infof("[engine]%s noisy noop %s\n", self.connectionId, mutation.UnitId)
			return
		}
		if !self.locks.LocalEdit(mutation.UnitId) {
			glog.V(2).Infof("[engine]%s reject locked %s\n", self.connectionId, mutation.UnitId)
			return
		}
		self.outbound.ContentChanged(mutation.UnitId)
	case MutationAdded:
		self.locks.LocalEdit(mutation.UnitId)
		if unit, ok := self.surface.Unit(mutation.UnitId); ok && self.noisyKinds.Contains(unit.Kind) {
			if data, err := self.surface.Save(mutation.UnitId); err == nil {
				self.noisyBaselines[mutation.UnitId] = data
			}
		}
		self.outbound.StructuralChanged(mutation)
	case MutationRemoved:
		if self.locks.LockedByOther(mutation.UnitId) {
			glog.V(2).Infof("[engine]%s reject locked %s\n", self.connectionId, mutation.UnitId)
			return
		}
		delete(self.noisyBaselines, mutation.UnitId)
		self.outbound.StructuralChanged(mutation)
	case MutationMoved:
		if self.locks.LockedByOther(mutation.FromUnitId) {
			glog.V(2).Infof("[engine]%s reject locked %s\n", self.connectionId, mutation.FromUnitId)
			return
		}
		self.outbound.StructuralChanged(mutation)
	}
}

// deep structural comparison of the unit's payload against the last known
// baseline. Order-independent for mapping keys. True means a real change.
func (self *Engine) noisyChanged(unitId Id) bool {
	data, err := self.surface.Save(unitId)
	if err != nil {
		return false
	}
	if baseline, ok := self.noisyBaselines[unitId]; ok && structurallyEqual(baseline, data) {
		return false
	}
	self.noisyBaselines[unitId] = data
	return true
}

// reconciler callback after a remote payload lands locally
func (self *Engine) remoteApplied(unitId Id, kind string, data any) {
	if self.noisyKinds.Contains(kind) {
		self.noisyBaselines[unitId] = data
	}
}

func (self *Engine) sendMessage(message any) {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		glog.Errorf("[engine]%s encode = %s\n", self.connectionId, err)
		return
	}
	if err := self.transport.Send(frameBytes); err != nil {
		// degraded transport. The protocol self-heals on the next message.
		glog.V(1).Infof("[engine]%s send = %s\n", self.connectionId, err)
	}
}
