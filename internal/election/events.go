package election

import (
	"time"

	"raft-election/internal/pubsub"
)

// Event types published on Config.Events.
const (
	// RoleChanged is sent on every role transition. The payload is a RoleChangedPayload.
	RoleChanged pubsub.EventType = iota + 1
	// ElectionStarted is sent when a follower becomes a candidate. The payload is an ElectionPayload.
	ElectionStarted
	// ElectionWon is sent when a candidate collected a majority for its term. The payload is an ElectionPayload.
	ElectionWon
	// ElectionLost is sent when a round closes without a majority. The payload is an ElectionPayload.
	ElectionLost
	// LeaderStalled is sent when a leader holds its heartbeats. The payload is a StallPayload.
	LeaderStalled
)

// RoleChangedPayload travels with RoleChanged events.
type RoleChangedPayload struct {
	Node string
	// Term is the node's term after the transition
	Term uint64
	From Role
	To   Role
	// Round is the candidacy the transition entered or left, empty otherwise
	Round string
}

// ElectionPayload travels with ElectionStarted, ElectionWon and ElectionLost events.
type ElectionPayload struct {
	Node  string
	Term  uint64
	Round string
	// Votes counts the ballots collected, the self vote included. Zero for ElectionStarted.
	Votes    int
	Duration time.Duration
}

// StallPayload travels with LeaderStalled events.
type StallPayload struct {
	Node     string
	Term     uint64
	Duration time.Duration
}
