package channel

import (
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf8"
)

// Action is the tag of a control message.
type Action string

const (
	// SoftKill asks the worker's task to stop gracefully.
	SoftKill Action = "soft_kill"

	// HardKill makes the worker process exit without calling its task.
	HardKill Action = "hard_kill"

	// Reload asks the worker's task to reload its resources.
	Reload Action = "reload"

	// Close asks the worker's task to clean up. Sent by a worker,
	// it announces that the worker is about to exit.
	Close Action = "close"
)

// Actions lists every known action.
var Actions = []Action{SoftKill, HardKill, Reload, Close}

func (a Action) Valid() bool {
	return slices.Contains(Actions, a)
}

// Message is the payload exchanged over a channel.
type Message struct {
	// Action is the requested action
	Action Action `json:"action"`

	// Data is an optional opaque payload. It must be valid UTF-8.
	Data string `json:"data,omitempty"`
}

func NewMessage(action Action, data string) Message {
	return Message{Action: action, Data: data}
}

// Encode serializes the message and wraps it in a frame.
func Encode(msg Message) ([]byte, error) {
	if !msg.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, msg.Action)
	}

	if !utf8.ValidString(msg.Data) {
		return nil, fmt.Errorf("%w: data is not valid utf-8", ErrInvalidMessage)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	data := frame(body)
	if len(data) > maxFrameLen {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidMessage, maxFrameLen)
	}

	return data, nil
}

// decodeBody validates a frame body against the message schema
// and unmarshals it.
func decodeBody(body []byte) (Message, error) {
	var msg Message

	if err := validateBody(body); err != nil {
		return msg, err
	}

	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	return msg, nil
}
