package election

import (
	"time"

	"raft-election/internal/wire"
)

// outcome is the result of one election round.
type outcome int

const (
	notElected outcome = iota
	elected
)

func (o outcome) String() string {
	if o == elected {
		return "ELECTED"
	}
	return "NOT_ELECTED"
}

// quorum is the number of votes that must be exceeded: a strict majority of totalNodes.
func quorum(totalNodes int) int {
	return totalNodes / 2
}

// runElection owns the round r: it counts the self vote, solicits every peer and collects ballots for r's term
// until a strict majority is reached, the collection window closes, or the node leaves the candidacy.
func (n *Node) runElection(r *round) outcome {
	log := n.logFor(r.term).WithField("round", r.id)
	threshold := quorum(n.cfg.TotalNodes)

	votes := 1
	if votes > threshold {
		return n.closeRound(r, votes)
	}

	n.ballotMu.Lock()
	defer n.ballotMu.Unlock()

	// The round may have been superseded while waiting for a previous collector.
	if r.ctx.Err() != nil {
		return n.closeRound(r, votes)
	}

	ctx := withRound(r.ctx, r.id)
	req := &wire.RequestVote{Term: r.term, CandidateName: n.name}
	for range n.broadcast(ctx, wire.Protocol, req) {
		n.metrics.RecordRequestVoteSent()
	}
	log.Debugf("[VOTE] requested votes from %d peers, need more than %d votes", len(n.peers), threshold)

	window := time.NewTimer(n.clock.electionTimeout())
	defer window.Stop()

	voters := map[string]struct{}{n.name: {}}
	ballots := n.transport.Inbox(wire.Ballots)
	for votes <= threshold {
		select {
		case <-r.ctx.Done():
			log.Debugf("[VOTE] round cancelled with %d votes", votes)
			return n.closeRound(r, votes)

		case <-window.C:
			log.Debugf("[VOTE] collection window closed with %d/%d votes", votes, n.cfg.TotalNodes)
			return n.closeRound(r, votes)

		case env := <-ballots:
			ballot, ok := env.Msg.(*wire.Ballot)
			if !ok {
				log.Debugf("[VOTE] discarding %s: not a ballot", env)
				continue
			}
			n.metrics.RecordBallotReceived()

			if !ballot.Granted || ballot.TermEcho != r.term {
				log.Debugf("[VOTE] discarding ballot from %s for term %d", env.From, ballot.TermEcho)
				continue
			}
			if _, dup := voters[env.From]; dup {
				continue
			}
			voters[env.From] = struct{}{}
			votes++
			log.Debugf("[VOTE] ballot from %s, %d/%d votes", env.From, votes, n.cfg.TotalNodes)
		}
	}

	return n.closeRound(r, votes)
}

// closeRound settles r: with a majority it promotes the node if the candidacy is still current, otherwise it
// concedes.
func (n *Node) closeRound(r *round, votes int) outcome {
	now := time.Now()
	log := n.logFor(r.term).WithField("round", r.id)

	if votes > quorum(n.cfg.TotalNodes) {
		if n.state.winElection(r, votes, now) {
			n.metrics.RecordElectionWon(now.Sub(r.started))
			log.Infof("[VOTE] won election with %d/%d votes, now %s", votes, n.cfg.TotalNodes, Leader)
			return elected
		}
		log.Infof("[VOTE] majority reached after leaving the candidacy, discarding")
	}

	n.state.concede(r, votes, now)
	n.metrics.RecordElectionLost(now.Sub(r.started))
	log.Infof("[VOTE] election not won with %d/%d votes", votes, n.cfg.TotalNodes)
	return notElected
}
