package election

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"raft-election/internal/pubsub"
)

// Role machine events.
const (
	// eventTimeout starts a candidacy after the election timer fired.
	eventTimeout = "election_timeout"
	// eventElected promotes a candidate that collected a majority.
	eventElected = "majority"
	// eventConcede ends a candidacy without leadership: the round failed or a rival at the same term was seen.
	eventConcede = "concede"
	// eventDemote returns a candidate or leader to follower after a higher term was observed.
	eventDemote = "higher_term"
)

func newRoleMachine() *fsm.FSM {
	return fsm.NewFSM(
		Follower.String(),
		fsm.Events{
			{Name: eventTimeout, Src: []string{Follower.String()}, Dst: Candidate.String()},
			{Name: eventElected, Src: []string{Candidate.String()}, Dst: Leader.String()},
			{Name: eventConcede, Src: []string{Candidate.String()}, Dst: Follower.String()},
			{Name: eventDemote, Src: []string{Candidate.String(), Leader.String()}, Dst: Follower.String()},
		},
		fsm.Callbacks{},
	)
}

// round is one candidacy. Its context is cancelled as soon as the node leaves CANDIDATE for that term.
type round struct {
	id      string
	term    uint64
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// electionState is the term, role and vote record of one node. Every read and write happens under mu, so a
// higher term seen by the dispatcher and a majority reported by the vote coordinator are applied in some
// total order, and the majority is only honored if the term did not move.
type electionState struct {
	name   string
	events *pubsub.PubSubClient

	mu   sync.Mutex
	term uint64
	role *fsm.FSM

	votedFor  string
	votedTerm uint64

	leader        string
	lastHeartbeat time.Time

	// leaderCh is closed while the node is leader and replaced by a fresh channel on demotion.
	leaderCh chan struct{}
	round    *round

	// pending holds events to publish once mu is released.
	pending []func()
}

func newElectionState(name string, events *pubsub.PubSubClient) *electionState {
	return &electionState{
		name:     name,
		events:   events,
		role:     newRoleMachine(),
		leaderCh: make(chan struct{}),
	}
}

func (s *electionState) lock() { s.mu.Lock() }

// unlock releases mu and then publishes the events queued while it was held.
func (s *electionState) unlock() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, publish := range pending {
		publish()
	}
}

func queue[T any](s *electionState, eventType pubsub.EventType, payload T) {
	if s.events == nil {
		return
	}
	s.pending = append(s.pending, func() {
		pubsub.Publish(s.events, pubsub.NewEvent(eventType, payload))
	})
}

func (s *electionState) roleLocked() Role {
	r, err := parseRole(s.role.Current())
	if err != nil {
		// The machine only knows the three role names.
		panic(err)
	}
	return r
}

// fireLocked applies a role machine event and its side effects. It reports false when the event is not
// allowed from the current role.
func (s *electionState) fireLocked(event string) bool {
	from := s.roleLocked()
	if !s.role.Can(event) {
		return false
	}

	if err := s.role.Event(context.Background(), event); err != nil {
		return false
	}
	to := s.roleLocked()

	roundID := ""
	if s.round != nil {
		roundID = s.round.id
	}

	if from == Leader {
		s.leaderCh = make(chan struct{})
	}
	if to == Leader {
		close(s.leaderCh)
	}
	if from == Candidate && s.round != nil {
		s.round.cancel()
		s.round = nil
	}

	queue(s, RoleChanged, RoleChangedPayload{Node: s.name, Term: s.term, From: from, To: to, Round: roundID})
	return true
}

// adoptLocked moves to a strictly higher term. A candidate or leader reverts to follower. It reports whether
// the role changed.
func (s *electionState) adoptLocked(term uint64) bool {
	s.term = term
	s.leader = ""
	if s.roleLocked() == Follower {
		return false
	}
	return s.fireLocked(eventDemote)
}

// heartbeatVerdict is the dispatcher's reading of one Heartbeat.
type heartbeatVerdict struct {
	stale      bool
	anomaly    bool
	resetTimer bool
	stepDown   bool
	term       uint64
}

func (s *electionState) onHeartbeat(from string, term uint64, now time.Time) heartbeatVerdict {
	s.lock()
	defer s.unlock()

	if term < s.term {
		return heartbeatVerdict{stale: true, term: s.term}
	}

	v := heartbeatVerdict{term: term}
	switch {
	case term > s.term:
		v.stepDown = s.adoptLocked(term)
	case s.roleLocked() == Leader:
		// Another leader at this term cannot exist while votes are exclusive.
		return heartbeatVerdict{anomaly: true, term: s.term}
	case s.roleLocked() == Candidate:
		v.stepDown = s.fireLocked(eventConcede)
	}

	s.leader = from
	s.lastHeartbeat = now
	v.resetTimer = true
	return v
}

// voteVerdict is the dispatcher's reading of one RequestVote.
type voteVerdict struct {
	stale      bool
	grant      bool
	resetTimer bool
	stepDown   bool
	term       uint64
}

func (s *electionState) onRequestVote(candidate string, term uint64) voteVerdict {
	s.lock()
	defer s.unlock()

	switch {
	case term < s.term:
		return voteVerdict{stale: true, term: s.term}
	case term == s.term:
		v := voteVerdict{term: s.term}
		// A candidate seeing a rival at its own term steps down without granting.
		if s.roleLocked() == Candidate {
			v.stepDown = s.fireLocked(eventConcede)
		}
		return v
	}

	v := voteVerdict{term: term, resetTimer: true}
	v.stepDown = s.adoptLocked(term)
	if s.votedTerm < term {
		s.votedTerm = term
		s.votedFor = candidate
		v.grant = true
	}
	return v
}

// beginCandidacy turns a follower into a candidate for the next term and opens its round under parent. It
// reports false when the node is not a follower.
func (s *electionState) beginCandidacy(parent context.Context, now time.Time) (*round, bool) {
	s.lock()
	defer s.unlock()

	if !s.role.Can(eventTimeout) {
		return nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	r := &round{id: uuid.NewString(), term: s.term + 1, started: now, ctx: ctx, cancel: cancel}

	s.term = r.term
	s.votedTerm = r.term
	s.votedFor = s.name
	s.leader = ""
	s.round = r
	s.fireLocked(eventTimeout)

	queue(s, ElectionStarted, ElectionPayload{Node: s.name, Term: r.term, Round: r.id})
	return r, true
}

// winElection promotes the candidate of r. It reports false when the node already left that candidacy.
func (s *electionState) winElection(r *round, votes int, now time.Time) bool {
	s.lock()
	defer s.unlock()

	if s.round != r || s.term != r.term || s.roleLocked() != Candidate {
		return false
	}
	if !s.fireLocked(eventElected) {
		return false
	}
	s.leader = s.name

	queue(s, ElectionWon, ElectionPayload{
		Node: s.name, Term: r.term, Round: r.id, Votes: votes, Duration: now.Sub(r.started),
	})
	return true
}

// concede closes the round r without leadership. The role only changes if r is still the active candidacy.
func (s *electionState) concede(r *round, votes int, now time.Time) {
	s.lock()
	defer s.unlock()

	if s.round == r && s.term == r.term && s.roleLocked() == Candidate {
		s.fireLocked(eventConcede)
	}
	r.cancel()

	queue(s, ElectionLost, ElectionPayload{
		Node: s.name, Term: r.term, Round: r.id, Votes: votes, Duration: now.Sub(r.started),
	})
}

// leadership returns the current term, whether the node leads it, and the channel that is closed while it
// does. Waiting on the channel of a non-leader wakes on the next promotion.
func (s *electionState) leadership() (uint64, bool, <-chan struct{}) {
	s.lock()
	defer s.unlock()
	return s.term, s.roleLocked() == Leader, s.leaderCh
}

// stalled records a simulated leader stall.
func (s *electionState) stalled(d time.Duration) {
	s.lock()
	defer s.unlock()
	queue(s, LeaderStalled, StallPayload{Node: s.name, Term: s.term, Duration: d})
}

func (s *electionState) snapshot() Status {
	s.lock()
	defer s.unlock()
	return Status{
		Name:          s.name,
		Term:          s.term,
		Role:          s.roleLocked(),
		VotedFor:      s.votedFor,
		VotedTerm:     s.votedTerm,
		Leader:        s.leader,
		LastHeartbeat: s.lastHeartbeat,
	}
}
