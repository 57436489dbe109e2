package domain

import "time"

// Policy holds the tunable product constants of the session state machine
// and the sync engine.
type Policy struct {
	CommitShort        time.Duration // commitment threshold for short tasks
	CommitLong         time.Duration // commitment threshold for long tasks
	LongTaskMinutes    int           // estimate at which CommitLong applies
	MergeWindow        time.Duration
	ProximityWindow    time.Duration
	DefaultAdHocLength time.Duration // ad-hoc length when no estimate remains
	EndGrace           time.Duration
	ResyncThrottle     time.Duration
	MissedThrottle     time.Duration
	MonitorInterval    time.Duration
	MaxRetries         int
	ConflictTolerance  time.Duration
	SyncLookBack       time.Duration
	SyncLookAhead      time.Duration
}

// DefaultPolicy returns the stock policy values.
func DefaultPolicy() Policy {
	return Policy{
		CommitShort:        5 * time.Minute,
		CommitLong:         10 * time.Minute,
		LongTaskMinutes:    120,
		MergeWindow:        15 * time.Minute,
		ProximityWindow:    30 * time.Minute,
		DefaultAdHocLength: 25 * time.Minute,
		EndGrace:           15 * time.Second,
		ResyncThrottle:     2 * time.Minute,
		MissedThrottle:     2 * time.Minute,
		MonitorInterval:    10 * time.Second,
		MaxRetries:         5,
		ConflictTolerance:  time.Minute,
		SyncLookBack:       30 * 24 * time.Hour,
		SyncLookAhead:      90 * 24 * time.Hour,
	}
}

// CommitmentThreshold returns the minimum work time for a stop to count.
func (p Policy) CommitmentThreshold(t Task) time.Duration {
	if t.EstimatedMinutes >= p.LongTaskMinutes {
		return p.CommitLong
	}
	return p.CommitShort
}
