package realtime

import "encoding/json"

// Message is the JSON envelope delivered on a channel
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// State represents the connection state of a Handle
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
