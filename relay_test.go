package editsync

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitForWsConnected(t *testing.T, transport *WsTransport) {
	for i := 0; i < 500; i += 1 {
		transport.stateLock.Lock()
		connected := transport.conn != nil
		transport.stateLock.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ws transport did not connect")
}

func receiveMessage(t *testing.T, frames chan []byte) any {
	select {
	case frameBytes := <-frames:
		message, err := DecodeFrame(frameBytes)
		assert.Equal(t, err, nil)
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestRelayFanOut(t *testing.T) {
	ctx := context.Background()
	hub, err := NewRelayHubWithDefaults(ctx)
	assert.Equal(t, err, nil)
	defer hub.Close()

	server := httptest.NewServer(hub.Router())
	defer server.Close()

	connectionIdA := NewId()
	connectionIdB := NewId()
	connectionIdC := NewId()

	transportA := NewWsTransportWithDefaults(ctx, RelayUrl(server.URL, "r1", connectionIdA, ""))
	transportB := NewWsTransportWithDefaults(ctx, RelayUrl(server.URL, "r1", connectionIdB, ""))
	transportC := NewWsTransportWithDefaults(ctx, RelayUrl(server.URL, "r1", connectionIdC, ""))
	defer transportB.Close()
	defer transportC.Close()

	waitForWsConnected(t, transportA)
	waitForWsConnected(t, transportB)
	waitForWsConnected(t, transportC)

	framesA := make(chan []byte, 8)
	framesB := make(chan []byte, 8)
	framesC := make(chan []byte, 8)
	transportA.AddReceiveCallback(func(frameBytes []byte) {
		framesA <- frameBytes
	})
	transportB.AddReceiveCallback(func(frameBytes []byte) {
		framesB <- frameBytes
	})
	transportC.AddReceiveCallback(func(frameBytes []byte) {
		framesC <- frameBytes
	})

	unitId := NewId()
	err = transportA.Send(RequireEncodeFrame(&UnitLocked{
		UnitId:       unitId,
		ConnectionId: connectionIdA,
	}))
	assert.Equal(t, err, nil)

	// every other member receives the frame
	lockedB, ok := receiveMessage(t, framesB).(*UnitLocked)
	assert.Equal(t, ok, true)
	assert.Equal(t, lockedB.UnitId, unitId)
	lockedC, ok := receiveMessage(t, framesC).(*UnitLocked)
	assert.Equal(t, ok, true)
	assert.Equal(t, lockedC.UnitId, unitId)

	// the sender never receives its own frame back
	select {
	case <-framesA:
		t.Fatal("frame echoed to sender")
	case <-time.After(200 * time.Millisecond):
	}

	// a dead socket is announced on behalf of the peer
	transportA.Close()
	disconnected, ok := receiveMessage(t, framesB).(*PeerDisconnected)
	assert.Equal(t, ok, true)
	assert.Equal(t, disconnected.ConnectionId, connectionIdA)
}

func TestRoomToken(t *testing.T) {
	secret := []byte("test-secret")
	connectionId := NewId()

	byJwt, err := MintRoomToken(secret, "r1", connectionId, time.Minute)
	assert.Equal(t, err, nil)

	tokenConnectionId, err := VerifyRoomToken(secret, byJwt, "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, tokenConnectionId, connectionId)

	// wrong room
	_, err = VerifyRoomToken(secret, byJwt, "r2")
	assert.NotEqual(t, err, nil)

	// wrong secret
	_, err = VerifyRoomToken([]byte("other-secret"), byJwt, "r1")
	assert.NotEqual(t, err, nil)

	// expired
	expiredJwt, err := MintRoomToken(secret, "r1", connectionId, -time.Minute)
	assert.Equal(t, err, nil)
	_, err = VerifyRoomToken(secret, expiredJwt, "r1")
	assert.NotEqual(t, err, nil)
}
