package editsync

import (
	"encoding/json"
	"fmt"
)

// closed set of wire messages. Every message is self-contained and safe to
// re-apply; there are no global sequence numbers. Ordering is only assumed
// per sender, per the transport contract.

type MessageType string

const (
	MessageTypeUnitAdded        MessageType = "unit-added"
	MessageTypeUnitRemoved      MessageType = "unit-removed"
	MessageTypeUnitChanged      MessageType = "unit-changed"
	MessageTypeUnitMoved        MessageType = "unit-moved"
	MessageTypeUnitLocked       MessageType = "unit-locked"
	MessageTypeUnitUnlocked     MessageType = "unit-unlocked"
	MessageTypeSelectionChanged MessageType = "selection-changed"
	MessageTypePeerDisconnected MessageType = "peer-disconnected"
)

// a structural element of the document. `Id` is assigned once at creation
// and never reused. The position of a unit is derivable from document order
// and is carried in messages as a hint, never as identity.
type ContentUnit struct {
	Id   Id     `json:"id"`
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`
}

type UnitAdded struct {
	Index int         `json:"index"`
	Unit  ContentUnit `json:"unit"`
}

type UnitRemoved struct {
	UnitId Id `json:"unitId"`
}

type UnitChanged struct {
	UnitId Id     `json:"unitId"`
	Kind   string `json:"kind,omitempty"`
	Data   any    `json:"data,omitempty"`
	Index  int    `json:"index"`
}

type UnitMoved struct {
	FromUnitId Id  `json:"fromUnitId"`
	ToUnitId   Id  `json:"toUnitId"`
	ToIndex    int `json:"toIndex"`
}

type UnitLocked struct {
	UnitId       Id `json:"unitId"`
	ConnectionId Id `json:"connectionId"`
}

type UnitUnlocked struct {
	UnitId       Id `json:"unitId"`
	ConnectionId Id `json:"connectionId"`
}

type SelectionChanged struct {
	UnitId       Id     `json:"unitId"`
	ConnectionId Id     `json:"connectionId"`
	Geometry     any    `json:"geometry,omitempty"`
	Color        string `json:"color,omitempty"`
}

type PeerDisconnected struct {
	ConnectionId Id `json:"connectionId"`
}

type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func EncodeFrame(message any) ([]byte, error) {
	var messageType MessageType
	switch message.(type) {
	case *UnitAdded:
		messageType = MessageTypeUnitAdded
	case *UnitRemoved:
		messageType = MessageTypeUnitRemoved
	case *UnitChanged:
		messageType = MessageTypeUnitChanged
	case *UnitMoved:
		messageType = MessageTypeUnitMoved
	case *UnitLocked:
		messageType = MessageTypeUnitLocked
	case *UnitUnlocked:
		messageType = MessageTypeUnitUnlocked
	case *SelectionChanged:
		messageType = MessageTypeSelectionChanged
	case *PeerDisconnected:
		messageType = MessageTypePeerDisconnected
	default:
		return nil, fmt.Errorf("unknown message type: %T", message)
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{
		Type:    messageType,
		Payload: payload,
	})
}

func RequireEncodeFrame(message any) []byte {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return frameBytes
}

// decodes and validates one frame at the transport boundary.
// Unknown types and structurally invalid payloads are errors;
// the caller drops them without applying anything.
func DecodeFrame(frameBytes []byte) (any, error) {
	frame := &Frame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, err
	}
	var message any
	switch frame.Type {
	case MessageTypeUnitAdded:
		message = &UnitAdded{}
	case MessageTypeUnitRemoved:
		message = &UnitRemoved{}
	case MessageTypeUnitChanged:
		message = &UnitChanged{}
	case MessageTypeUnitMoved:
		message = &UnitMoved{}
	case MessageTypeUnitLocked:
		message = &UnitLocked{}
	case MessageTypeUnitUnlocked:
		message = &UnitUnlocked{}
	case MessageTypeSelectionChanged:
		message = &SelectionChanged{}
	case MessageTypePeerDisconnected:
		message = &PeerDisconnected{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, message); err != nil {
		return nil, err
	}
	if err := validateMessage(message); err != nil {
		return nil, err
	}
	return message, nil
}

func validateMessage(message any) error {
	switch v := message.(type) {
	case *UnitAdded:
		if v.Unit.Id == (Id{}) {
			return fmt.Errorf("unit-added missing unit id")
		}
		if v.Unit.Kind == "" {
			return fmt.Errorf("unit-added missing unit kind")
		}
	case *UnitRemoved:
		if v.UnitId == (Id{}) {
			return fmt.Errorf("unit-removed missing unit id")
		}
	case *UnitChanged:
		if v.UnitId == (Id{}) {
			return fmt.Errorf("unit-changed missing unit id")
		}
	case *UnitMoved:
		if v.FromUnitId == (Id{}) || v.ToUnitId == (Id{}) {
			return fmt.Errorf("unit-moved missing unit ids")
		}
	case *UnitLocked:
		if v.UnitId == (Id{}) || v.ConnectionId == (Id{}) {
			return fmt.Errorf("unit-locked missing ids")
		}
	case *UnitUnlocked:
		if v.UnitId == (Id{}) || v.ConnectionId == (Id{}) {
			return fmt.Errorf("unit-unlocked missing ids")
		}
	case *SelectionChanged:
		if v.UnitId == (Id{}) || v.ConnectionId == (Id{}) {
			return fmt.Errorf("selection-changed missing ids")
		}
	case *PeerDisconnected:
		if v.ConnectionId == (Id{}) {
			return fmt.Errorf("peer-disconnected missing connection id")
		}
	}
	return nil
}
