package models

import (
	"encoding/json"
	"time"
)

// WSMessageType defines remote event message types.
type WSMessageType string

const (
	// Client to server
	WSTypeSubscribe WSMessageType = "subscribe"
	WSTypeHeartbeat WSMessageType = "heartbeat"

	// Server to client
	WSTypeObjChanged WSMessageType = "obj-changed"
	WSTypeObjRemoved WSMessageType = "obj-removed"
	WSTypePong       WSMessageType = "pong"
	WSTypeError      WSMessageType = "error"
)

// WSMessage is the envelope of every events channel frame.
type WSMessage struct {
	Type      WSMessageType   `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SubscribeMessage opens the events stream.
type SubscribeMessage struct {
	Token  string `json:"token,omitempty"`
	Device string `json:"device,omitempty"`
}

// ObjChangedMessage announces a new current version on the remote store.
type ObjChangedMessage struct {
	ObjID      ObjectID `json:"objId"`
	NewVersion Version  `json:"newVersion"`
}

// ObjRemovedMessage announces removal of an object's current version.
type ObjRemovedMessage struct {
	ObjID ObjectID `json:"objId"`
}

// ErrorMessage reports a server-side events error.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
