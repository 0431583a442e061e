package election

import "time"

// MetricsCollector receives election counters. *metrics.Metrics implements it.
type MetricsCollector interface {
	RecordElectionStarted()
	RecordElectionWon(d time.Duration)
	RecordElectionLost(d time.Duration)
	RecordHeartbeatSent()
	RecordHeartbeatReceived()
	RecordRequestVoteSent()
	RecordBallotGranted()
	RecordBallotReceived()
	RecordStaleMessage()
	RecordStall()
}

type noopMetrics struct{}

func (noopMetrics) RecordElectionStarted()          {}
func (noopMetrics) RecordElectionWon(time.Duration)  {}
func (noopMetrics) RecordElectionLost(time.Duration) {}
func (noopMetrics) RecordHeartbeatSent()            {}
func (noopMetrics) RecordHeartbeatReceived()        {}
func (noopMetrics) RecordRequestVoteSent()          {}
func (noopMetrics) RecordBallotGranted()            {}
func (noopMetrics) RecordBallotReceived()           {}
func (noopMetrics) RecordStaleMessage()             {}
func (noopMetrics) RecordStall()                    {}
