// Package syncchannel relays draft schedule snapshots and status text to remote
// displays and carries their action requests back. It holds no session state.
package syncchannel

import (
	"encoding/json"
	"errors"
	"fmt"

	"habitcal/internal/models"
)

// Topic names.
const (
	TopicSchedule = "schedule"
	TopicStatus   = "status"
)

// ActionConfirm asks the backend to confirm the current draft.
const ActionConfirm = "confirm"

// ErrProtocol marks malformed inbound messages. They are dropped, never fatal.
var ErrProtocol = errors.New("protocol error")

// Frame multiplexes both topics over one connection.
type Frame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// StatusMessage is the payload of the status topic.
type StatusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ActionRequest is the remote-to-backend payload of the schedule topic.
type ActionRequest struct {
	Action string `json:"action"`
}

// EncodeStatus encodes a status topic payload.
func EncodeStatus(message string) ([]byte, error) {
	return json.Marshal(StatusMessage{Type: "status", Message: message})
}

// EncodeSchedule encodes a full DraftSchedule snapshot.
func EncodeSchedule(d *models.DraftSchedule) ([]byte, error) {
	if d == nil {
		return nil, errors.New("no draft schedule to encode")
	}
	return json.Marshal(d)
}

// DecodeSchedule parses a snapshot back into a DraftSchedule.
func DecodeSchedule(payload []byte) (*models.DraftSchedule, error) {
	var d models.DraftSchedule
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &d, nil
}

// DecodeFrame parses one inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if f.Topic == "" {
		return Frame{}, fmt.Errorf("%w: frame has no topic", ErrProtocol)
	}
	return f, nil
}

// DecodeAction parses an action request. ok is false for actions this backend
// does not recognise; those are ignored rather than treated as errors.
func DecodeAction(payload []byte) (req ActionRequest, ok bool, err error) {
	if err := json.Unmarshal(payload, &req); err != nil {
		return ActionRequest{}, false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch req.Action {
	case ActionConfirm:
		return req, true, nil
	}
	return req, false, nil
}
