package election

import (
	"context"
	"time"

	"raft-election/internal/wire"
)

// driveHeartbeats runs for the node's lifetime but only transmits while it leads. It re-checks the role after
// every wake-up, since a demotion may land between the signal and the broadcast.
func (n *Node) driveHeartbeats(ctx context.Context) {
	for {
		term, leader, signal := n.state.leadership()
		if !leader {
			select {
			case <-ctx.Done():
				return
			case <-signal:
			}
			continue
		}

		if d, ok := n.nextStall(); ok {
			n.metrics.RecordStall()
			n.state.stalled(d)
			n.logFor(term).Warnf("[HEARTBEAT] simulating a leader stall for %v", d)
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		sent := n.broadcast(ctx, wire.Protocol, &wire.Heartbeat{Term: term})
		for range sent {
			n.metrics.RecordHeartbeatSent()
		}
		n.logFor(term).Debugf("[HEARTBEAT] sent to %d/%d peers", sent, len(n.peers))

		if !sleep(ctx, n.cfg.HeartbeatInterval) {
			return
		}
	}
}

// nextStall returns the stall due on this tick: an injected one first, then the random 1-in-N fault.
func (n *Node) nextStall() (time.Duration, bool) {
	select {
	case d := <-n.stallCh:
		return d, true
	default:
	}
	if n.cfg.StallOneIn > 0 && n.clock.oneIn(n.cfg.StallOneIn) {
		return n.cfg.StallDuration, true
	}
	return 0, false
}
