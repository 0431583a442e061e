package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and election round durations for one node, or for a whole in-process cluster when
// shared between nodes. All methods are safe for concurrent use.
type Metrics struct {
	// Election rounds
	electionsStarted atomic.Uint64
	electionsWon     atomic.Uint64
	electionsLost    atomic.Uint64

	// Messages
	heartbeatsSent     atomic.Uint64
	heartbeatsReceived atomic.Uint64
	voteRequestsSent   atomic.Uint64
	ballotsGranted     atomic.Uint64
	ballotsReceived    atomic.Uint64
	staleDropped       atomic.Uint64

	// Simulated leader stalls
	stalls atomic.Uint64

	// electionDurations is a ring of the most recent MaxDurationSamples round durations. durationNext is the
	// slot the next sample overwrites once the ring is full.
	electionMu        sync.Mutex
	electionDurations []time.Duration
	durationNext      int

	startMu   sync.RWMutex
	startTime time.Time
}

// MaxDurationSamples bounds how many election round durations are kept for statistics. Older samples are
// overwritten; the won/lost counters keep counting every round.
const MaxDurationSamples = 1024

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		electionDurations: make([]time.Duration, 0, 100),
		startTime:         time.Now(),
	}
}

// RecordElectionStarted counts a new candidacy.
func (m *Metrics) RecordElectionStarted() { m.electionsStarted.Add(1) }

// RecordElectionWon counts a won round and how long it took from candidacy to majority.
func (m *Metrics) RecordElectionWon(d time.Duration) {
	m.electionsWon.Add(1)
	m.recordDuration(d)
}

// RecordElectionLost counts a round that ended without a majority.
func (m *Metrics) RecordElectionLost(d time.Duration) {
	m.electionsLost.Add(1)
	m.recordDuration(d)
}

func (m *Metrics) recordDuration(d time.Duration) {
	m.electionMu.Lock()
	defer m.electionMu.Unlock()

	if len(m.electionDurations) < MaxDurationSamples {
		m.electionDurations = append(m.electionDurations, d)
		return
	}
	m.electionDurations[m.durationNext] = d
	m.durationNext = (m.durationNext + 1) % MaxDurationSamples
}

func (m *Metrics) RecordHeartbeatSent()     { m.heartbeatsSent.Add(1) }
func (m *Metrics) RecordHeartbeatReceived() { m.heartbeatsReceived.Add(1) }
func (m *Metrics) RecordRequestVoteSent()   { m.voteRequestsSent.Add(1) }
func (m *Metrics) RecordBallotGranted()     { m.ballotsGranted.Add(1) }
func (m *Metrics) RecordBallotReceived()    { m.ballotsReceived.Add(1) }
func (m *Metrics) RecordStaleMessage()      { m.staleDropped.Add(1) }
func (m *Metrics) RecordStall()             { m.stalls.Add(1) }

// LatencyStats contains percentile statistics for durations
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetElectionStats computes statistics over the durations of the most recent MaxDurationSamples rounds.
func (m *Metrics) GetElectionStats() LatencyStats {
	m.electionMu.Lock()
	durations := make([]time.Duration, len(m.electionDurations))
	copy(durations, m.electionDurations)
	m.electionMu.Unlock()

	return computeStats(durations)
}

func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	ms := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}

	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a point-in-time snapshot of all collected metrics
type Report struct {
	ClusterSize int       `json:"cluster_size"`
	Uptime      float64   `json:"uptime_seconds"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`

	ElectionsStarted uint64       `json:"elections_started"`
	ElectionsWon     uint64       `json:"elections_won"`
	ElectionsLost    uint64       `json:"elections_lost"`
	ElectionStats    LatencyStats `json:"election_stats"`

	HeartbeatsSent     uint64 `json:"heartbeats_sent"`
	HeartbeatsReceived uint64 `json:"heartbeats_received"`
	VoteRequestsSent   uint64 `json:"vote_requests_sent"`
	BallotsGranted     uint64 `json:"ballots_granted"`
	BallotsReceived    uint64 `json:"ballots_received"`
	StaleDropped       uint64 `json:"stale_dropped"`

	Stalls uint64 `json:"stalls"`
}

// GetReport generates a snapshot report
func (m *Metrics) GetReport(clusterSize int) Report {
	m.startMu.RLock()
	start := m.startTime
	m.startMu.RUnlock()
	end := time.Now()

	return Report{
		ClusterSize:        clusterSize,
		Uptime:             end.Sub(start).Seconds(),
		StartTime:          start,
		EndTime:            end,
		ElectionsStarted:   m.electionsStarted.Load(),
		ElectionsWon:       m.electionsWon.Load(),
		ElectionsLost:      m.electionsLost.Load(),
		ElectionStats:      m.GetElectionStats(),
		HeartbeatsSent:     m.heartbeatsSent.Load(),
		HeartbeatsReceived: m.heartbeatsReceived.Load(),
		VoteRequestsSent:   m.voteRequestsSent.Load(),
		BallotsGranted:     m.ballotsGranted.Load(),
		BallotsReceived:    m.ballotsReceived.Load(),
		StaleDropped:       m.staleDropped.Load(),
		Stalls:             m.stalls.Load(),
	}
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "LEADER ELECTION REPORT")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "\nCluster Size: %d nodes\n", r.ClusterSize)
	fmt.Fprintf(w, "Uptime: %.2f seconds\n", r.Uptime)

	fmt.Fprintf(w, "\nElections:\n")
	fmt.Fprintf(w, "  Started: %d\n", r.ElectionsStarted)
	fmt.Fprintf(w, "  Won: %d\n", r.ElectionsWon)
	fmt.Fprintf(w, "  Lost: %d\n", r.ElectionsLost)
	if r.ElectionStats.Count > 0 {
		fmt.Fprintf(w, "  Avg Round Duration: %.3f ms\n", r.ElectionStats.Mean)
		fmt.Fprintf(w, "  P50 Round Duration: %.3f ms\n", r.ElectionStats.P50)
		fmt.Fprintf(w, "  P95 Round Duration: %.3f ms\n", r.ElectionStats.P95)
	}

	fmt.Fprintf(w, "\nMessages:\n")
	fmt.Fprintf(w, "  Heartbeats Sent: %d\n", r.HeartbeatsSent)
	fmt.Fprintf(w, "  Heartbeats Received: %d\n", r.HeartbeatsReceived)
	fmt.Fprintf(w, "  Vote Requests Sent: %d\n", r.VoteRequestsSent)
	fmt.Fprintf(w, "  Ballots Granted: %d\n", r.BallotsGranted)
	fmt.Fprintf(w, "  Ballots Received: %d\n", r.BallotsReceived)
	fmt.Fprintf(w, "  Stale Dropped: %d\n", r.StaleDropped)

	fmt.Fprintf(w, "\nSimulated Stalls: %d\n", r.Stalls)
	fmt.Fprintln(w, rule)
}

// SaveJSON writes the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.electionMu.Lock()
	m.electionDurations = make([]time.Duration, 0, 100)
	m.durationNext = 0
	m.electionMu.Unlock()

	for _, c := range []*atomic.Uint64{
		&m.electionsStarted, &m.electionsWon, &m.electionsLost,
		&m.heartbeatsSent, &m.heartbeatsReceived, &m.voteRequestsSent,
		&m.ballotsGranted, &m.ballotsReceived, &m.staleDropped, &m.stalls,
	} {
		c.Store(0)
	}

	m.startMu.Lock()
	m.startTime = time.Now()
	m.startMu.Unlock()
}
