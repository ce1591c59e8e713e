package backend

// Status is one node's cluster facts as observed by the monitor.
type Status struct {
	Role      Role
	Lag       int // seconds, LagUnknown when not measured
	Reachable bool
}

// Snapshot is a read-only view of the cluster, keyed by server name.
// Sessions consume snapshots at statement boundaries and never mutate
// them.
type Snapshot map[string]Status
