package router

import (
	"fmt"

	"github.com/mevdschee/tqrouter/classify"
)

// waitGTIDStmt packs the wait function and the client query into one
// multi-statement payload. This saves a round trip and, when the wait
// times out, MASTER_GTID_WAIT returns non-zero, the subselect raises an
// error and the client query is never executed against stale data.
const waitGTIDStmt = "SET @tqrouter_gtid_probe=(SELECT CASE WHEN MASTER_GTID_WAIT('%s', %d) = 0 THEN 1 ELSE (SELECT 1 FROM INFORMATION_SCHEMA.ENGINES) END); "

// causalApplies limits the rewrite to plain single-packet text queries
// going to a single target. Prepared statement execution, fan-out and
// large-query fragments are never rewritten.
func (s *Session) causalApplies(info *classify.RouteInfo) bool {
	return s.cfg.CausalReads &&
		s.gtidPos != "" &&
		info.Command == classify.ComQuery &&
		!info.Large && !s.largeQuery &&
		!info.SessionWrite
}

// prefixWaitGTID rewrites the outgoing statement to wait for the held
// GTID position before executing. The client-visible statement boundary
// is unaffected; the frontend strips the probe's result from the reply.
func (s *Session) prefixWaitGTID(sql string) string {
	timeout := s.cfg.CausalTimeout
	if timeout <= 0 {
		timeout = 10
	}
	return fmt.Sprintf(waitGTIDStmt, s.gtidPos, timeout) + sql
}
