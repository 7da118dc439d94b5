package models

import (
	"encoding/json"
	"fmt"
)

// ParseWSMessage parses a raw events frame.
func ParseWSMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse ws message: %w", err)
	}
	return &msg, nil
}

// ParseMessageData parses the data field based on message type.
func ParseMessageData(msg *WSMessage) (interface{}, error) {
	switch msg.Type {
	case WSTypeObjChanged:
		var data ObjChangedMessage
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse obj-changed message: %w", err)
		}
		if data.NewVersion == 0 {
			return nil, fmt.Errorf("parse obj-changed message: missing version")
		}
		return &data, nil

	case WSTypeObjRemoved:
		var data ObjRemovedMessage
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse obj-removed message: %w", err)
		}
		return &data, nil

	case WSTypeError:
		var data ErrorMessage
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse error message: %w", err)
		}
		return &data, nil

	case WSTypePong:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}
