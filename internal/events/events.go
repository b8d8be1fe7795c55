// Package events implements the tagged-union lifecycle events exchanged
// between the matchmaking workers, the dispatcher, and the control-plane
// server, and the synchronous bus that routes them.
package events

// Event is implemented by every event that can flow through the Bus.
// The unexported method seals the set of variants to this package.
type Event interface {
	event()
}

// QueueEvent is emitted by the control-plane server when a client submits
// a valid "queue" command. It flows server -> dispatcher.
type QueueEvent struct {
	RequesterID       int64
	TargetConnectCode string
	TimeoutMs         int
}

func (QueueEvent) event() {}

// SearchingEvent is emitted once a worker has been assigned to a job and
// has begun the matchmaking handshake.
type SearchingEvent struct {
	RequesterID       int64
	BotConnectCode    string
	TargetConnectCode string
}

func (SearchingEvent) event() {}

// AuthenticatedEvent is emitted when the target connect-code was found on
// the upstream matchmaking server and its network identity resolved.
type AuthenticatedEvent struct {
	RequesterID       int64
	TargetConnectCode string
	UserName          string
	UserIP            string
}

func (AuthenticatedEvent) event() {}

// TimeoutEvent is emitted when a job's wall-clock deadline elapses before
// reaching a success or error state.
type TimeoutEvent struct {
	RequesterID       int64
	TargetConnectCode string
}

func (TimeoutEvent) event() {}

// SlippiErrorEvent is emitted on any unrecoverable transport or protocol
// failure encountered while running a job.
type SlippiErrorEvent struct {
	RequesterID       int64
	TargetConnectCode string
}

func (SlippiErrorEvent) event() {}

// NoReadyClientEvent is emitted by the dispatcher when a QueueEvent arrives
// and no worker is idle.
type NoReadyClientEvent struct {
	RequesterID       int64
	TargetConnectCode string
}

func (NoReadyClientEvent) event() {}
