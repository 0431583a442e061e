package election

import (
	"fmt"
	"time"
)

// Role is the position of a node in the election protocol. Every node starts as a Follower.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the role by name in JSON status documents.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func parseRole(s string) (Role, error) {
	switch s {
	case "FOLLOWER":
		return Follower, nil
	case "CANDIDATE":
		return Candidate, nil
	case "LEADER":
		return Leader, nil
	default:
		return Follower, fmt.Errorf("unknown role %q", s)
	}
}

// Status is a point-in-time view of a node's election state.
type Status struct {
	Name string `json:"name"`
	Term uint64 `json:"term"`
	Role Role   `json:"role"`
	// VotedFor is the candidate this node granted its ballot to in VotedTerm, itself included.
	VotedFor  string `json:"voted_for,omitempty"`
	VotedTerm uint64 `json:"voted_term,omitempty"`
	// Leader is the node last heard from as leader of Term.
	Leader        string    `json:"leader,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
