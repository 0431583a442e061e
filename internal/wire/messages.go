package wire

import "fmt"

// Channel identifies one of the two logical inboxes every node exposes.
type Channel uint8

const (
	// Protocol carries Heartbeat and RequestVote messages.
	Protocol Channel = iota
	// Ballots carries Ballot replies to an in-progress election round.
	Ballots
)

func (c Channel) String() string {
	switch c {
	case Protocol:
		return "Protocol"
	case Ballots:
		return "Ballots"
	default:
		return "Unknown"
	}
}

// Kind discriminates the Message variants on the wire.
type Kind uint8

const (
	KindHeartbeat Kind = iota + 1
	KindRequestVote
	KindBallot
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "Heartbeat"
	case KindRequestVote:
		return "RequestVote"
	case KindBallot:
		return "Ballot"
	default:
		return "Unknown"
	}
}

// Message is the closed set of election messages. Only the types in this package implement it, so a type switch
// over Heartbeat, RequestVote and Ballot is exhaustive.
type Message interface {
	Kind() Kind
	// MessageTerm is the term the message was sent in. For a Ballot it is the echoed term.
	MessageTerm() uint64
	isMessage()
}

// Heartbeat is sent periodically by a leader to every follower.
type Heartbeat struct {
	Term uint64
}

func (*Heartbeat) Kind() Kind            { return KindHeartbeat }
func (h *Heartbeat) MessageTerm() uint64 { return h.Term }
func (*Heartbeat) isMessage()            {}

// RequestVote is broadcast once per election by a candidate.
type RequestVote struct {
	Term          uint64
	CandidateName string
}

func (*RequestVote) Kind() Kind            { return KindRequestVote }
func (r *RequestVote) MessageTerm() uint64 { return r.Term }
func (*RequestVote) isMessage()            {}

// Ballot is a voter's reply to a RequestVote, delivered on the candidate's Ballots channel.
type Ballot struct {
	Granted  bool
	TermEcho uint64
}

func (*Ballot) Kind() Kind            { return KindBallot }
func (b *Ballot) MessageTerm() uint64 { return b.TermEcho }
func (*Ballot) isMessage()            {}

// Envelope is the unit a Transport moves between nodes.
type Envelope struct {
	// From is the sender's node name
	From    string
	Channel Channel
	Msg     Message
}

func (e *Envelope) String() string {
	if e.Msg == nil {
		return fmt.Sprintf("%s->%s(<nil>)", e.From, e.Channel)
	}
	return fmt.Sprintf("%s->%s(%s term=%d)", e.From, e.Channel, e.Msg.Kind(), e.Msg.MessageTerm())
}
