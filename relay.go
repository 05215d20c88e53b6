package editsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// room-scoped fan-out relay. Every frame a member sends is delivered to
// every other member of the same room and never back to the sender, which
// is the delivery property the engine assumes from its transport. When a
// member's socket dies the relay broadcasts peer-disconnected on its
// behalf, so leases and presence for silent deaths self-heal for rooms
// served through a relay.
//
// Multiple relay instances can serve one room through the optional Redis
// pub/sub bridge.

type RelaySettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxFrameBytes  int64
	SendBufferSize int
	// room token validation is enabled when a secret is set
	TokenSecret []byte
	// bridge is enabled when a redis url is set
	RedisUrl           string
	RedisChannelPrefix string
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		PingInterval:       5 * time.Second,
		MaxFrameBytes:      1024 * 1024,
		SendBufferSize:     32,
		RedisChannelPrefix: "editsync",
	}
}

type relayMember struct {
	connectionId Id
	conn         *websocket.Conn
	send         chan []byte
}

type relayRoom struct {
	name    string
	members map[Id]*relayMember
	pubsub  *redis.PubSub
}

// envelope for frames bridged between relay instances. The instance id
// keeps an instance from re-broadcasting its own published frames.
type relayEnvelope struct {
	InstanceId   Id              `json:"instanceId"`
	ConnectionId Id              `json:"connectionId"`
	Frame        json.RawMessage `json:"frame"`
}

type RelayHub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *RelaySettings
	instanceId Id
	upgrader   websocket.Upgrader

	redisClient *redis.Client

	stateLock sync.Mutex
	rooms     map[string]*relayRoom
}

func NewRelayHubWithDefaults(ctx context.Context) (*RelayHub, error) {
	return NewRelayHub(ctx, DefaultRelaySettings())
}

func NewRelayHub(ctx context.Context, settings *RelaySettings) (*RelayHub, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &RelayHub{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		instanceId: NewId(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*relayRoom{},
	}
	if settings.RedisUrl != "" {
		options, err := redis.ParseURL(settings.RedisUrl)
		if err != nil {
			cancel()
			return nil, err
		}
		hub.redisClient = redis.NewClient(options)
	}
	return hub, nil
}

func (self *RelayHub) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.handleWs)
	return router
}

func (self *RelayHub) Close() {
	self.cancel()

	self.stateLock.Lock()
	for _, room := range self.rooms {
		for _, member := range room.members {
			member.conn.Close()
		}
		if room.pubsub != nil {
			room.pubsub.Close()
		}
	}
	self.rooms = map[string]*relayRoom{}
	self.stateLock.Unlock()

	if self.redisClient != nil {
		self.redisClient.Close()
	}
}

func (self *RelayHub) handleWs(w http.ResponseWriter, r *http.Request) {
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		roomName = "default"
	}

	var connectionId Id
	if 0 < len(self.settings.TokenSecret) {
		tokenConnectionId, err := VerifyRoomToken(
			self.settings.TokenSecret,
			r.URL.Query().Get("token"),
			roomName,
		)
		if err != nil {
			glog.V(1).Infof("[relay]token rejected = %s\n", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		connectionId = tokenConnectionId
	} else if connectionIdStr := r.URL.Query().Get("connection_id"); connectionIdStr != "" {
		parsedId, err := ParseId(connectionIdStr)
		if err != nil {
			http.Error(w, "invalid connection_id", http.StatusBadRequest)
			return
		}
		connectionId = parsedId
	} else {
		connectionId = NewId()
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[relay]upgrade = %s\n", err)
		return
	}

	member := &relayMember{
		connectionId: connectionId,
		conn:         conn,
		send:         make(chan []byte, self.settings.SendBufferSize),
	}
	self.join(roomName, member)
	glog.V(1).Infof("[relay]join %s %s\n", roomName, connectionId)

	go self.writePump(member)
	self.readPump(roomName, member)

	self.leave(roomName, member)
	glog.V(1).Infof("[relay]leave %s %s\n", roomName, connectionId)
}

func (self *RelayHub) join(roomName string, member *relayMember) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room, ok := self.rooms[roomName]
	if !ok {
		room = &relayRoom{
			name:    roomName,
			members: map[Id]*relayMember{},
		}
		self.rooms[roomName] = room
		if self.redisClient != nil {
			room.pubsub = self.redisClient.Subscribe(self.ctx, self.roomChannel(roomName))
			go self.bridge(roomName, room.pubsub)
		}
	}
	room.members[member.connectionId] = member
}

func (self *RelayHub) leave(roomName string, member *relayMember) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomName]
	if !ok || room.members[member.connectionId] != member {
		self.stateLock.Unlock()
		return
	}
	delete(room.members, member.connectionId)
	close(member.send)
	empty := len(room.members) == 0
	if empty {
		if room.pubsub != nil {
			room.pubsub.Close()
		}
		delete(self.rooms, roomName)
	}
	self.stateLock.Unlock()

	// announce the death on behalf of the peer so the remaining members
	// clear its leases and presence
	frameBytes := RequireEncodeFrame(&PeerDisconnected{
		ConnectionId: member.connectionId,
	})
	self.broadcast(roomName, member.connectionId, frameBytes)
	self.publish(roomName, member.connectionId, frameBytes)
}

func (self *RelayHub) readPump(roomName string, member *relayMember) {
	conn := member.conn
	conn.SetReadLimit(self.settings.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		messageType, frameBytes, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			self.broadcast(roomName, member.connectionId, frameBytes)
			self.publish(roomName, member.connectionId, frameBytes)
		}
	}
}

func (self *RelayHub) writePump(member *relayMember) {
	conn := member.conn
	ticker := time.NewTicker(self.settings.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes, ok := <-member.send:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// fan out to every member of the room except the sender
func (self *RelayHub) broadcast(roomName string, senderConnectionId Id, frameBytes []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room, ok := self.rooms[roomName]
	if !ok {
		return
	}
	for connectionId, member := range room.members {
		if connectionId == senderConnectionId {
			continue
		}
		select {
		case member.send <- frameBytes:
		default:
			// backpressure. Drop for this member; the protocol self-heals.
			glog.Infof("[relay]drop %s %s<-\n", roomName, connectionId)
		}
	}
}

func (self *RelayHub) publish(roomName string, senderConnectionId Id, frameBytes []byte) {
	if self.redisClient == nil {
		return
	}
	envelope := &relayEnvelope{
		InstanceId:   self.instanceId,
		ConnectionId: senderConnectionId,
		Frame:        frameBytes,
	}
	envelopeJson, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := self.redisClient.Publish(self.ctx, self.roomChannel(roomName), envelopeJson).Err(); err != nil {
		glog.V(1).Infof("[relay]publish %s = %s\n", roomName, err)
	}
}

// forwards frames published by other relay instances into the local room
func (self *RelayHub) bridge(roomName string, pubsub *redis.PubSub) {
	for message := range pubsub.Channel() {
		envelope := &relayEnvelope{}
		if err := json.Unmarshal([]byte(message.Payload), envelope); err != nil {
			glog.V(1).Infof("[relay]bridge drop %s = %s\n", roomName, err)
			continue
		}
		if envelope.InstanceId == self.instanceId {
			continue
		}
		self.broadcast(roomName, envelope.ConnectionId, envelope.Frame)
	}
}

func (self *RelayHub) roomChannel(roomName string) string {
	return fmt.Sprintf("%s:room:%s", self.settings.RedisChannelPrefix, roomName)
}

func MintRoomToken(secret []byte, room string, connectionId Id, ttl time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"room":          room,
		"connection_id": connectionId.String(),
		"iat":           gojwt.NewNumericDate(now),
		"exp":           gojwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(secret)
}

func VerifyRoomToken(secret []byte, byJwt string, room string) (Id, error) {
	token, err := gojwt.Parse(
		byJwt,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return Id{}, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, fmt.Errorf("unexpected claims type")
	}
	if tokenRoom, ok := claims["room"].(string); !ok || tokenRoom != room {
		return Id{}, fmt.Errorf("token not valid for room %s", room)
	}
	connectionIdStr, ok := claims["connection_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("token missing connection_id")
	}
	return ParseId(connectionIdStr)
}
