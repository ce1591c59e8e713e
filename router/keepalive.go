package router

import (
	"time"

	"github.com/mevdschee/tqrouter/metrics"
)

// handleConnectionKeepalive pings every in-use backend other than the
// routing target that has been idle beyond the configured threshold and
// is not waiting for a result. The probe keeps mid-tier connection
// reclamation away and never alters routing state.
func (s *Session) handleConnectionKeepalive(target int) {
	now := time.Now()
	for i := 0; i < s.arena.Len(); i++ {
		if i == target {
			continue
		}
		h := s.arena.Get(i)
		if !h.InUse() || h.IsWaitingResult() {
			continue
		}
		if idle := now.Sub(h.IdleSince()); idle > s.cfg.Keepalive {
			s.logf("Pinging %s, idle for %d seconds", h.Name(), int(idle.Seconds()))
			if err := h.Ping(); err != nil {
				s.logf("Keepalive ping to %s failed: %v", h.Name(), err)
				continue
			}
			metrics.KeepalivePings.WithLabelValues(h.Name()).Inc()
		}
	}
}
