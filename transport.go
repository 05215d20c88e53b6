package editsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ReceiveFunc func(frameBytes []byte)

// bidirectional channel supplied by the host. The engine treats it as
// unordered across senders, reliable enough that one sender's successive
// sends arrive in send order, and assumes it never redelivers a sender's
// own messages back to itself.
type Transport interface {
	Send(frameBytes []byte) error
	AddReceiveCallback(receiveCallback ReceiveFunc) func()
	Close()
}

// in-memory transport pair for tests and demos. Each side's sends are
// delivered to the other side's callbacks only, never echoed back.
type LoopbackTransport struct {
	stateLock        sync.Mutex
	peer             *LoopbackTransport
	receiveCallbacks *CallbackList[ReceiveFunc]
	closed           bool
}

func LoopbackPair() (*LoopbackTransport, *LoopbackTransport) {
	a := &LoopbackTransport{
		receiveCallbacks: NewCallbackList[ReceiveFunc](),
	}
	b := &LoopbackTransport{
		receiveCallbacks: NewCallbackList[ReceiveFunc](),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (self *LoopbackTransport) Send(frameBytes []byte) error {
	self.stateLock.Lock()
	closed := self.closed
	peer := self.peer
	self.stateLock.Unlock()

	if closed {
		return ErrClosed
	}
	peer.receive(frameBytes)
	return nil
}

func (self *LoopbackTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *LoopbackTransport) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()
}

func (self *LoopbackTransport) receive(frameBytes []byte) {
	self.stateLock.Lock()
	closed := self.closed
	self.stateLock.Unlock()

	if closed {
		return
	}
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		func() {
			defer recover()
			receiveCallback(frameBytes)
		}()
	}
}

type WsTransportSettings struct {
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	PingInterval         time.Duration
	ReconnectMaxInterval time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout:     2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		PingInterval:         5 * time.Second,
		ReconnectMaxInterval: 15 * time.Second,
	}
}

// builds the websocket url a relay expects for a room join
func RelayUrl(connectUrl string, room string, connectionId Id, byJwt string) string {
	wsUrl := connectUrl
	if strings.HasPrefix(wsUrl, "http://") {
		wsUrl = "ws://" + wsUrl[len("http://"):]
	} else if strings.HasPrefix(wsUrl, "https://") {
		wsUrl = "wss://" + wsUrl[len("https://"):]
	}
	values := url.Values{}
	values.Set("room", room)
	values.Set("connection_id", connectionId.String())
	if byJwt != "" {
		values.Set("token", byJwt)
	}
	return fmt.Sprintf("%s/ws?%s", strings.TrimSuffix(wsUrl, "/"), values.Encode())
}

// websocket client transport speaking raw frames to a relay.
// Reconnects with exponential backoff until the context is done.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl    string
	settings *WsTransportSettings

	stateLock        sync.Mutex
	conn             *websocket.Conn
	receiveCallbacks *CallbackList[ReceiveFunc]
}

func NewWsTransportWithDefaults(ctx context.Context, wsUrl string) *WsTransport {
	return NewWsTransport(ctx, wsUrl, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, wsUrl string, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		wsUrl:            wsUrl,
		settings:         settings,
		receiveCallbacks: NewCallbackList[ReceiveFunc](),
	}
	go transport.run()
	return transport
}

func (self *WsTransport) Send(frameBytes []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.conn == nil {
		return ErrNotConnected
	}
	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.conn.WriteMessage(websocket.TextMessage, frameBytes)
}

func (self *WsTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *WsTransport) Close() {
	self.cancel()
	self.stateLock.Lock()
	if self.conn != nil {
		self.conn.Close()
		self.conn = nil
	}
	self.stateLock.Unlock()
}

func (self *WsTransport) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn, err := self.connect()
		if err != nil {
			// context done
			return
		}
		glog.V(1).Infof("[ws]connected %s\n", self.wsUrl)

		self.stateLock.Lock()
		self.conn = conn
		self.stateLock.Unlock()

		pingDone := make(chan struct{})
		go self.ping(conn, pingDone)
		self.read(conn)
		close(pingDone)

		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		self.stateLock.Unlock()
		conn.Close()
	}
}

// retries with exponential backoff until the dial succeeds
func (self *WsTransport) connect() (*websocket.Conn, error) {
	var conn *websocket.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = self.settings.ReconnectMaxInterval
	// retry until the context ends
	b.MaxElapsedTime = 0
	err := backoff.Retry(
		func() error {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.HandshakeTimeout,
			}
			c, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
			if err != nil {
				glog.V(1).Infof("[ws]dial %s = %s\n", self.wsUrl, err)
				return err
			}
			conn = c
			return nil
		},
		backoff.WithContext(b, self.ctx),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (self *WsTransport) read(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		messageType, frameBytes, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]read = %s\n", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				func() {
					defer recover()
					receiveCallback(frameBytes)
				}()
			}
		}
	}
}

func (self *WsTransport) ping(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			self.stateLock.Lock()
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			self.stateLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}
