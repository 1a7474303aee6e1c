// Package relay speaks the host side of the guest wire protocol: a
// multiplexer handshake followed by JSON-lines framed messages over a Unix
// stream, reusing the original implementation's tagged-message shape
// (vsock.rs / models.rs VsockMessage) instead of a binary codec.
package relay

import "encoding/json"

// VsockMessage is the tagged envelope exchanged with the guest, matching
// original_source/services/vm-api/src/models.rs's VsockMessage enum.
type VsockMessage struct {
	Type    string          `json:"type"`
	APIKey  string          `json:"api_key,omitempty"`
	Prompt  string          `json:"prompt,omitempty"`
	Files   []TaskFile      `json:"files,omitempty"`
	Data    string          `json:"data,omitempty"`
	Code    *int            `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

type TaskFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

const (
	TypeInit      = "init"
	TypeOutput    = "output"
	TypeInput     = "input"
	TypeExit      = "exit"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
)

// OutputEvent, ExitEvent and ErrorEvent describe guest events without any
// wire-framing concerns, unlike VsockMessage. The reader loop does not use
// them: it passes the same values to the Sink as plain arguments.
type OutputEvent struct {
	Data string
}

type ExitEvent struct {
	Code int
}

type ErrorEvent struct {
	Message string
}
