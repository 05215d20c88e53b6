package editsync

// pure projection of remote cursors and selections onto transient local
// state. Not consistency-critical: a marker exists iff the most recent
// message for its (unit, connection) key indicates presence.

type presenceKey struct {
	unitId       Id
	connectionId Id
}

type PresenceMarker struct {
	UnitId       Id
	ConnectionId Id
	Geometry     any
	Color        string
	Class        string
}

type PresenceFunc func(marker PresenceMarker, active bool)

// loop-affine, no locking
type presenceProjection struct {
	settings *EngineSettings

	markers           map[presenceKey]PresenceMarker
	presenceCallbacks *CallbackList[PresenceFunc]
}

func newPresenceProjection(settings *EngineSettings) *presenceProjection {
	return &presenceProjection{
		settings:          settings,
		markers:           map[presenceKey]PresenceMarker{},
		presenceCallbacks: NewCallbackList[PresenceFunc](),
	}
}

func (self *presenceProjection) Apply(message *SelectionChanged) {
	key := presenceKey{
		unitId:       message.UnitId,
		connectionId: message.ConnectionId,
	}
	if message.Geometry == nil {
		self.clear(key)
		return
	}
	color := message.Color
	if color == "" {
		color = self.settings.PresenceColor(message.ConnectionId)
	}
	marker := PresenceMarker{
		UnitId:       message.UnitId,
		ConnectionId: message.ConnectionId,
		Geometry:     message.Geometry,
		Color:        color,
		Class:        self.settings.PresenceClass(message.ConnectionId),
	}
	self.markers[key] = marker
	self.notify(marker, true)
}

// clears every marker associated with a disconnected connection
func (self *presenceProjection) ClearConnection(connectionId Id) {
	for key := range self.markers {
		if key.connectionId == connectionId {
			self.clear(key)
		}
	}
}

func (self *presenceProjection) Markers() []PresenceMarker {
	markers := make([]PresenceMarker, 0, len(self.markers))
	for _, marker := range self.markers {
		markers = append(markers, marker)
	}
	return markers
}

func (self *presenceProjection) AddPresenceCallback(presenceCallback PresenceFunc) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

func (self *presenceProjection) clear(key presenceKey) {
	marker, ok := self.markers[key]
	if !ok {
		return
	}
	delete(self.markers, key)
	self.notify(marker, false)
}

func (self *presenceProjection) notify(marker PresenceMarker, active bool) {
	for _, presenceCallback := range self.presenceCallbacks.Get() {
		func() {
			defer recover()
			presenceCallback(marker, active)
		}()
	}
}
