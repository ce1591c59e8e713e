package router

import (
	"strings"

	"github.com/mevdschee/tqrouter/backend"
)

// lagOK checks whether a backend's replication lag is below the bound.
// An unspecified bound accepts any lag; a specified bound requires the
// lag to be known.
func lagOK(h *backend.Handle, maxLag int) bool {
	return maxLag < 0 || (h.Lag() != backend.LagUnknown && h.Lag() <= maxLag)
}

// better reports whether the challenger beats the candidate under the
// given criteria. Ties keep the candidate so selection is deterministic.
func better(challenger, cand *backend.Handle, c Criteria) bool {
	switch c {
	case FewestPending:
		return challenger.Inflight() < cand.Inflight()
	case LowestLag:
		if cand.Lag() == backend.LagUnknown {
			return challenger.Lag() != backend.LagUnknown
		}
		return challenger.Lag() != backend.LagUnknown && challenger.Lag() < cand.Lag()
	default: // RoundRobin
		return challenger.Routed() < cand.Routed()
	}
}

// selectSlave picks a read target: the first eligible backend becomes
// the candidate, later eligible backends replace it only if the
// candidate is a master that must not serve reads or the criteria
// comparator strictly prefers the challenger.
func (s *Session) selectSlave(maxLag int) int {
	slot := backend.None

	for i := 0; i < s.arena.Len(); i++ {
		h := s.arena.Get(i)

		if !(h.IsMaster() || h.IsSlave()) || !lagOK(h, maxLag) {
			continue
		}
		if !h.InUse() && !h.CanConnect() {
			continue
		}

		if slot == backend.None {
			// No previous candidate, accept any valid server. The master
			// only qualifies when it is this session's current master.
			if h.IsSlave() || (h.IsMaster() && i == s.currentMaster) {
				slot = i
			}
			continue
		}

		cand := s.arena.Get(slot)
		if !s.cfg.MasterAcceptReads && cand.IsMaster() && h.IsSlave() {
			// Pick slaves over masters with master_accept_reads=false
			slot = i
		} else if better(h, cand, s.cfg.Criteria) {
			slot = i
		}
	}

	return slot
}

// selectMaster picks the backend in the master role. A node that is not
// connected and not connectable, or whose role is stale, is rejected.
func (s *Session) selectMaster() int {
	for i := 0; i < s.arena.Len(); i++ {
		h := s.arena.Get(i)
		if !h.IsMaster() {
			continue
		}
		if h.InUse() || h.CanConnect() {
			return i
		}
		s.logf("Server '%s' is not in use and can't be chosen as the master", h.Name())
		return backend.None
	}
	return backend.None
}

// selectNamed looks up an in-use backend by name, case-insensitively.
// The server must be a valid slave, relay server, or master. There is
// no fallback.
func (s *Session) selectNamed(name string) int {
	for i := 0; i < s.arena.Len(); i++ {
		h := s.arena.Get(i)
		if h.InUse() && strings.EqualFold(name, h.Name()) &&
			(h.IsSlave() || h.IsRelay() || h.IsMaster()) {
			return i
		}
	}
	return backend.None
}

// targetBackend resolves a read target, honoring the sticky read-only
// transaction target before anything else.
func (s *Session) targetBackend(name string, maxLag int) int {
	if s.sticky != backend.None && s.trx.ReadOnly() {
		return s.sticky
	}
	if name != "" {
		return s.selectNamed(name)
	}
	return s.selectSlave(maxLag)
}
