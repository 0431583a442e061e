package election

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"raft-election/internal/wire"
)

// dispatch serves the protocol inbox until ctx is done. The election timer is re-armed with a fresh random
// timeout on every expiry and on every message that proves a live leader or a newer term; its expiry while
// following begins a candidacy whose coordinator runs in rounds.
func (n *Node) dispatch(ctx context.Context, rounds *errgroup.Group) {
	timer := time.NewTimer(n.clock.electionTimeout())
	defer timer.Stop()

	inbox := n.transport.Inbox(wire.Protocol)
	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-inbox:
			if !ok {
				return
			}
			if n.handle(ctx, env) {
				timer.Reset(n.clock.electionTimeout())
			}

		case <-timer.C:
			n.onElectionTimeout(ctx, rounds)
			timer.Reset(n.clock.electionTimeout())
		}
	}
}

// handle applies one inbound message and reports whether the election timer must be reset.
func (n *Node) handle(ctx context.Context, env *wire.Envelope) bool {
	switch msg := env.Msg.(type) {
	case *wire.Heartbeat:
		return n.handleHeartbeat(env.From, msg)
	case *wire.RequestVote:
		return n.handleRequestVote(ctx, env.From, msg)
	default:
		n.logger.Debugf("[DISPATCH] discarding %s: not a protocol message", env)
		return false
	}
}

func (n *Node) handleHeartbeat(from string, hb *wire.Heartbeat) bool {
	v := n.state.onHeartbeat(from, hb.Term, time.Now())
	log := n.logFor(v.term)

	switch {
	case v.stale:
		n.metrics.RecordStaleMessage()
		log.Debugf("[DISPATCH] ignoring stale heartbeat from %s at term %d", from, hb.Term)
		return false
	case v.anomaly:
		log.Warnf("[DISPATCH] ignoring heartbeat from %s: this node leads term %d", from, hb.Term)
		return false
	}

	n.metrics.RecordHeartbeatReceived()
	if v.stepDown {
		log.Infof("[DISPATCH] stepping down: %s leads term %d", from, hb.Term)
	} else {
		log.Debugf("[DISPATCH] heartbeat from %s", from)
	}
	return v.resetTimer
}

func (n *Node) handleRequestVote(ctx context.Context, from string, req *wire.RequestVote) bool {
	candidate := req.CandidateName
	if candidate == "" {
		candidate = from
	}

	v := n.state.onRequestVote(candidate, req.Term)
	log := n.logFor(v.term)

	if v.stale {
		n.metrics.RecordStaleMessage()
		log.Debugf("[DISPATCH] ignoring stale vote request from %s at term %d", candidate, req.Term)
		return false
	}
	if v.stepDown {
		log.Infof("[DISPATCH] stepping down: %s is a candidate for term %d", candidate, req.Term)
	}
	if !v.grant {
		log.Debugf("[DISPATCH] not granting %s: already settled term %d", candidate, req.Term)
		return v.resetTimer
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()

	ballot := &wire.Ballot{Granted: true, TermEcho: req.Term}
	if err := n.transport.Send(sendCtx, candidate, wire.Ballots, ballot); err != nil {
		log.Debugf("[DISPATCH] failed to deliver ballot to %s: %v", candidate, err)
	} else {
		n.metrics.RecordBallotGranted()
		log.Infof("[DISPATCH] granted ballot to %s", candidate)
	}
	return v.resetTimer
}

func (n *Node) onElectionTimeout(ctx context.Context, rounds *errgroup.Group) {
	r, ok := n.state.beginCandidacy(ctx, time.Now())
	if !ok {
		term, leader, _ := n.state.leadership()
		if !leader {
			n.logFor(term).Debugf("[DISPATCH] election timeout ignored while a round is open")
		}
		return
	}

	n.metrics.RecordElectionStarted()
	n.logFor(r.term).WithField("round", r.id).Infof("[DISPATCH] election timeout, starting election")

	rounds.Go(func() error {
		n.runElection(r)
		return nil
	})
}
