// Package stream turns pipeline progress into an ordered, cancellable
// sequence of server-sent events.
package stream

import "github.com/martinemde/vizagent/pipeline"

// Type is the event name on the wire.
type Type string

const (
	TypeAgentStart Type = Type(pipeline.EventStageStart)
	TypeToolResult Type = Type(pipeline.EventStageResult)
	TypeValidation Type = Type(pipeline.EventValidation)
	TypeToken      Type = Type(pipeline.EventToken)
	TypeComplete   Type = Type(pipeline.EventComplete)
	TypeError      Type = Type(pipeline.EventError)
	TypeDone       Type = "done"
	TypeHeartbeat  Type = "heartbeat"
)

// Terminal reports whether t ends the ordered part of a stream.
func (t Type) Terminal() bool { return t == TypeComplete || t == TypeError }

// Event is one record of the stream. Seq is strictly increasing from 1
// within a stream; heartbeats carry Seq 0 and are outside the ordering.
type Event struct {
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload"`
	Seq     uint64         `json:"seq"`
}
