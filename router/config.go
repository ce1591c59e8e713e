package router

import "time"

// Criteria is the tie-break comparator for slave selection.
type Criteria int

const (
	// RoundRobin prefers the backend that has been dispatched the fewest
	// statements so far.
	RoundRobin Criteria = iota
	// FewestPending prefers the backend with the fewest unanswered
	// statements.
	FewestPending
	// LowestLag prefers the backend with the lowest measured replication
	// lag; unknown lag loses to any measured lag.
	LowestLag
)

// FailureMode selects what happens to a write when the master is
// required but unavailable.
type FailureMode int

const (
	// ErrorOnWrite fails the statement with a read-only error and keeps
	// the session alive.
	ErrorOnWrite FailureMode = iota
	// FailInstantly terminates the session.
	FailInstantly
)

// Config is the per-session routing policy.
type Config struct {
	Criteria           Criteria
	MaxLag             int // default replica lag bound in seconds, -1 for unbounded
	MasterReconnection bool
	FailureMode        FailureMode
	MasterAcceptReads  bool
	MaxSescmdHistory   int // 0 disables history buffering entirely
	CausalReads        bool
	CausalTimeout      int // seconds
	Keepalive          time.Duration
	StrictMultiStmt    bool
}

// DefaultConfig returns the routing defaults.
func DefaultConfig() Config {
	return Config{
		Criteria:         RoundRobin,
		MaxLag:           -1,
		FailureMode:      ErrorOnWrite,
		MaxSescmdHistory: 50,
		CausalTimeout:    10,
		Keepalive:        300 * time.Second,
	}
}
