package router

import "github.com/mevdschee/tqrouter/backend"

// masterTarget resolves a write. If a different master is available and
// policy allows, the session's master is swapped first; otherwise the
// configured failure mode decides between a recoverable read-only error
// and terminating the session.
func (s *Session) masterTarget() (int, error) {
	target := s.selectMaster()

	if s.shouldReplaceMaster(target) {
		old := "<no previous master>"
		if h := s.arena.Get(s.currentMaster); h != nil {
			old = h.Name()
		}
		s.logf("Replacing old master '%s' with new master '%s'", old, s.arena.Get(target).Name())
		s.replaceMaster(target)
	}

	if target != backend.None && target == s.currentMaster {
		return target, nil
	}

	// The original master is not available, the write can't be routed.
	if s.cfg.FailureMode == ErrorOnWrite {
		if h := s.arena.Get(s.currentMaster); h != nil && h.InUse() {
			h.Close()
		}
		return backend.None, ErrWriteToReadOnly
	}

	s.logMasterRoutingFailure(target)
	return backend.None, ErrMasterLost
}

// shouldReplaceMaster is true only when master reconnection is enabled,
// a candidate exists and differs from the current master, no transaction
// is open, and the session is not locked to a specific backend.
func (s *Session) shouldReplaceMaster(target int) bool {
	return s.cfg.MasterReconnection &&
		target != backend.None && target != s.currentMaster &&
		!s.trx.Active() &&
		!s.pinned && s.sticky == backend.None
}

// replaceMaster swaps the session's primary. Temporary tables are
// connection-local and do not survive the swap, so any derived state
// about them is invalidated.
func (s *Session) replaceMaster(target int) {
	s.currentMaster = target
	s.haveTmpTables = false
	s.tmpTables = make(map[string]struct{})
}

func (s *Session) logMasterRoutingFailure(target int) {
	old := s.arena.Get(s.currentMaster)
	curr := s.arena.Get(target)

	switch {
	case target == backend.None && old == nil:
		s.logf("Could not find a valid master connection")
	case old != nil && curr != nil && old.InUse():
		// A master was found but it's not this session's connection.
		s.logf("Master server changed from '%s' to '%s'", old.Name(), curr.Name())
	case old != nil && old.InUse():
		s.logf("The connection to master server '%s' is not available", old.Name())
	case old != nil:
		s.logf("Was supposed to route to master but the master connection is not in a suitable state")
	default:
		s.logf("Session is in read-only mode because it was created when no master was available")
	}
}
