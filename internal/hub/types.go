// Package hub implements the per-task fan-out and replay buffer that
// subscribers (WebSocket clients) attach to: a bounded ring buffer with
// gapless snapshot-then-subscribe semantics.
package hub

import "time"

// Kind tags an Event the way the wire protocol's WsMessage variants do.
type Kind string

const (
	KindOutput   Kind = "output"
	KindStatus   Kind = "status"
	KindProgress Kind = "progress"
	KindError    Kind = "error"
)

// Event is one fan-out message. Only the fields relevant to Kind are set.
type Event struct {
	Seq         uint64    `json:"-"`
	Kind        Kind      `json:"type"`
	Data        string    `json:"data,omitempty"`
	TimestampMs int64     `json:"timestamp_ms,omitempty"`
	Status      string    `json:"status,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"-"`
}

func outputEvent(data string) Event {
	return Event{Kind: KindOutput, Data: data, TimestampMs: time.Now().UnixMilli()}
}

func statusEvent(status string, exitCode *int) Event {
	return Event{Kind: KindStatus, Status: status, ExitCode: exitCode}
}

func progressEvent(stage, message string) Event {
	return Event{Kind: KindProgress, Stage: stage, Message: message}
}

func errorEvent(message string) Event {
	return Event{Kind: KindError, Message: message}
}
