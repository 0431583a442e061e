package election

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"raft-election/internal/pubsub"
)

// Config holds the parameters of one election node. Durations are expressed relative to a time unit: the
// defaults are 3-6 units of election timeout, a 1 unit heartbeat and a 10 unit simulated stall.
type Config struct {
	// TotalNodes is the cluster size, self included.
	TotalNodes int
	// SelfIndex is this node's position in [0, TotalNodes). Its name is transport.NodeName(SelfIndex).
	SelfIndex int

	// ElectionTimeoutMin and ElectionTimeoutMax bound the uniformly sampled election timeout. A fresh sample is
	// drawn every time the election timer is armed and for every ballot collection window.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is the leader's broadcast period. It must be below ElectionTimeoutMin.
	HeartbeatInterval time.Duration

	// StallDuration is how long a leader holds its heartbeats when a simulated stall fires.
	StallDuration time.Duration
	// StallOneIn fires a stall on average once every StallOneIn heartbeat ticks. Zero disables stalls.
	StallOneIn int

	// SendTimeout bounds every single Send on the transport.
	SendTimeout time.Duration

	// Seed makes timeouts and stalls reproducible. Zero seeds from the clock.
	Seed int64

	Logger  logrus.FieldLogger
	Metrics MetricsCollector
	// Events receives role changes and election outcomes. Optional.
	Events *pubsub.PubSubClient
}

// DefaultConfig returns the defaults with a one second time unit.
func DefaultConfig() *Config {
	return DefaultConfigWithUnit(time.Second)
}

// DefaultConfigWithUnit returns the defaults scaled to unit. Tests use millisecond units.
func DefaultConfigWithUnit(unit time.Duration) *Config {
	return &Config{
		TotalNodes:         1,
		ElectionTimeoutMin: 3 * unit,
		ElectionTimeoutMax: 6 * unit,
		HeartbeatInterval:  1 * unit,
		StallDuration:      10 * unit,
		StallOneIn:         10,
		SendTimeout:        unit / 2,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case c.TotalNodes < 1:
		return fmt.Errorf("%w: TotalNodes must be at least 1, got %d", ErrInvalidConfig, c.TotalNodes)
	case c.SelfIndex < 0 || c.SelfIndex >= c.TotalNodes:
		return fmt.Errorf("%w: SelfIndex %d out of range [0, %d)", ErrInvalidConfig, c.SelfIndex, c.TotalNodes)
	case c.ElectionTimeoutMin <= 0:
		return fmt.Errorf("%w: ElectionTimeoutMin must be positive", ErrInvalidConfig)
	case c.ElectionTimeoutMax < c.ElectionTimeoutMin:
		return fmt.Errorf("%w: ElectionTimeoutMax %v is below ElectionTimeoutMin %v",
			ErrInvalidConfig, c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: HeartbeatInterval must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval >= c.ElectionTimeoutMin:
		return fmt.Errorf("%w: HeartbeatInterval %v must be below ElectionTimeoutMin %v",
			ErrInvalidConfig, c.HeartbeatInterval, c.ElectionTimeoutMin)
	case c.StallOneIn < 0:
		return fmt.Errorf("%w: StallOneIn must not be negative", ErrInvalidConfig)
	case c.StallOneIn > 0 && c.StallDuration <= 0:
		return fmt.Errorf("%w: StallDuration must be positive when stalls are enabled", ErrInvalidConfig)
	case c.SendTimeout <= 0:
		return fmt.Errorf("%w: SendTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}
