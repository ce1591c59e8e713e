package router

import (
	"fmt"
	"log"
	"strings"

	"github.com/mevdschee/tqrouter/backend"
	"github.com/mevdschee/tqrouter/classify"
	"github.com/mevdschee/tqrouter/metrics"
	"github.com/mevdschee/tqrouter/sescmd"
)

// TrxState exposes the session's transaction state to the router. It is
// owned by the frontend, which derives it from the statement stream and
// backend status flags.
type TrxState interface {
	Active() bool
	ReadOnly() bool
	Ending() bool
}

// Result reports the outcome of routing one statement.
type Result struct {
	// Target is the slot the statement was dispatched to, or backend.None
	// for a session-command fan-out.
	Target int
	// Backend is the name of the target, "all" for fan-out.
	Backend string
	// Queued is set when the statement is waiting behind unacknowledged
	// session commands and will be dispatched from the reply path.
	Queued bool
	// SessionWrite is set for fan-out statements; Succeeded counts the
	// backends the command reached.
	SessionWrite bool
	Succeeded    int
}

// Stats are the per-session routing counters.
type Stats struct {
	ReadsToSlave   uint64
	WritesToMaster uint64
	SessionWrites  uint64
	Reconnections  uint64
	Failures       uint64
}

// Session is the per-client statement routing engine. Each session is
// confined to one goroutine: no two statements for the same session are
// ever in flight concurrently, so Session holds no locks.
type Session struct {
	id     uint32
	cfg    Config
	arena  *backend.Arena
	dialer backend.Dialer
	trx    TrxState
	hist   *sescmd.Log

	currentMaster int
	sticky        int // pinned for the duration of a read-only transaction
	continuation  int // target of the previous fragment of a large statement
	largeQuery    bool
	pinned        bool // locked to master by strict multi-statement mode

	execMap map[uint32]int // prepared statement id -> backend slot

	gtidPos string

	queue             []queuedStmt
	expectedResponses int

	haveTmpTables bool
	tmpTables     map[string]struct{}

	recvSescmd    uint64
	historyWarned bool

	stats Stats
}

// NewSession creates the routing engine for one client session. The
// handles are exclusively owned by this session for its lifetime.
func NewSession(id uint32, cfg Config, handles []*backend.Handle, dialer backend.Dialer, trx TrxState) *Session {
	return &Session{
		id:            id,
		cfg:           cfg,
		arena:         backend.NewArena(handles),
		dialer:        dialer,
		trx:           trx,
		hist:          sescmd.NewLog(cfg.MaxSescmdHistory),
		currentMaster: backend.None,
		sticky:        backend.None,
		continuation:  backend.None,
		execMap:       make(map[uint32]int),
		tmpTables:     make(map[string]struct{}),
	}
}

func (s *Session) logf(format string, args ...interface{}) {
	log.Printf("[Router] session %d: %s", s.id, fmt.Sprintf(format, args...))
}

// Arena exposes the session's backend set, mainly for the reply path and
// for tests.
func (s *Session) Arena() *backend.Arena { return s.arena }

// Stats returns the per-session routing counters.
func (s *Session) Stats() Stats { return s.stats }

// CurrentMaster returns the slot of the backend this session treats as
// primary, or backend.None.
func (s *Session) CurrentMaster() int { return s.currentMaster }

// SetCurrentMaster seeds the primary slot at session start.
func (s *Session) SetCurrentMaster(slot int) { s.currentMaster = slot }

// SetGTIDPos records the replication position of the last master write,
// consumed by the causal-read injector.
func (s *Session) SetGTIDPos(pos string) { s.gtidPos = pos }

// ApplySnapshot overwrites role, lag and reachability from the monitor's
// read-only cluster snapshot. The router never mutates cluster facts, it
// only changes which snapshot it currently believes.
func (s *Session) ApplySnapshot(snap backend.Snapshot) {
	for i := 0; i < s.arena.Len(); i++ {
		h := s.arena.Get(i)
		st, ok := snap[h.Name()]
		if !ok {
			continue
		}
		h.SetRole(st.Role)
		h.SetLag(st.Lag)
		h.SetConnectable(st.Reachable)
	}
}

// RouteQuery routes one classified statement: picks a target, prepares
// it (lazy connect with history replay), and dispatches, or fans the
// statement out to all in-use backends when it mutates session state.
func (s *Session) RouteQuery(info *classify.RouteInfo) (Result, error) {
	if s.cfg.StrictMultiStmt && !s.pinned && isMultiStmt(info) {
		// Multi-statements and stored procedures may contain writes the
		// classifier cannot see; lock the session to the master.
		s.pinned = true
		s.logf("Multi-statement or procedure call, locking session to master")
	}

	if info.SessionWrite || info.Target == classify.TargetAll {
		return s.routeSessionWrite(info)
	}
	return s.routeSingleStmt(info)
}

func isMultiStmt(info *classify.RouteInfo) bool {
	body := strings.TrimRight(info.SQL, "; \t\r\n")
	return strings.ContainsRune(body, ';') || strings.HasPrefix(strings.ToUpper(strings.TrimSpace(body)), "CALL")
}

func (s *Session) routeSingleStmt(info *classify.RouteInfo) (Result, error) {
	target := backend.None

	switch {
	case s.largeQuery:
		// A statement split across multiple packets continues on the
		// backend that received the first fragment, unconditionally.
		target = s.continuation
	case s.pinned:
		t, err := s.masterTarget()
		if err != nil {
			return s.failed(err)
		}
		target = t
	case info.Target == classify.TargetNamed || info.Target == classify.TargetLagMax:
		target = s.hintedTarget(info)
	case info.Target == classify.TargetSlave:
		target = s.slaveTarget(info)
	default:
		if s.sticky != backend.None && s.trx.ReadOnly() {
			// A read-only transaction owns every statement inside it,
			// including the commit or rollback that ends it.
			target = s.sticky
		} else {
			t, err := s.masterTarget()
			if err != nil {
				return s.failed(err)
			}
			target = t
		}
	}

	if target == backend.None {
		return s.failed(ErrNoEligibleBackend)
	}

	if err := s.prepareTarget(target, info); err != nil {
		return s.failed(err)
	}

	h := s.arena.Get(target)
	if h.HasSessionCommands() {
		// The backend must execute its queued session commands before
		// any user statement; park the statement until the queue drains.
		s.queue = append(s.queue, queuedStmt{info: info, target: target})
		s.logf("Queued statement behind %s's session commands", h.Name())
		return Result{Target: target, Backend: h.Name(), Queued: true}, nil
	}

	if err := s.dispatch(target, info); err != nil {
		return s.failed(err)
	}

	if s.cfg.Keepalive > 0 {
		s.handleConnectionKeepalive(target)
	}

	return Result{Target: target, Backend: h.Name()}, nil
}

func (s *Session) failed(err error) (Result, error) {
	s.stats.Failures++
	metrics.RoutingFailures.WithLabelValues(failureReason(err)).Inc()
	return Result{Target: backend.None}, err
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsFatal(err):
		return "master_lost"
	case err == ErrWriteToReadOnly:
		return "read_only"
	case err == ErrHistoryDisabled:
		return "history_disabled"
	case err == ErrBackendDown:
		return "dispatch"
	default:
		return "selection"
	}
}

// hintedTarget resolves a statement whose hint names a server or bounds
// replication lag. A named server is looked up directly, with no
// fallback; a lag bound narrows normal slave selection.
func (s *Session) hintedTarget(info *classify.RouteInfo) int {
	maxLag := info.MaxLag
	if maxLag < 0 {
		maxLag = s.cfg.MaxLag
	}

	target := s.targetBackend(info.Name, maxLag)
	if target == backend.None {
		if info.Name != "" {
			s.logf("Was supposed to route to named server %s but couldn't find the server in a suitable state", info.Name)
		} else {
			s.logf("Was supposed to route to server with replication lag at most %d but couldn't find such a slave", maxLag)
		}
	}
	return target
}

// slaveTarget resolves a read. COM_STMT_EXECUTE and COM_STMT_FETCH must
// run on the backend that holds the prepared statement, so the affinity
// map overrides selection for them.
func (s *Session) slaveTarget(info *classify.RouteInfo) int {
	if info.Command == classify.ComStmtExecute || info.Command == classify.ComStmtFetch {
		if slot, ok := s.execMap[info.StmtID]; ok {
			if h := s.arena.Get(slot); h != nil && h.InUse() {
				return slot
			}
		} else if info.Command == classify.ComStmtFetch {
			s.logf("Unknown statement ID %d used in COM_STMT_FETCH", info.StmtID)
		}
	}

	return s.targetBackend("", s.cfg.MaxLag)
}

// prepareTarget connects the chosen backend if it is not connected yet.
// Reconnecting requires replaying the full session command history, so
// it is refused once history buffering has been disabled.
func (s *Session) prepareTarget(target int, info *classify.RouteInfo) error {
	h := s.arena.Get(target)
	if h.InUse() {
		return nil
	}
	if !h.CanConnect() {
		return ErrBackendDown
	}

	toMaster := target == s.currentMaster || h.IsMaster()
	if toMaster && !s.cfg.MasterReconnection {
		s.logf("The connection to the master was lost and the connection could be recreated but 'master_reconnection' is not enabled")
		return ErrBackendDown
	}

	if s.hist.Disabled() && s.recvSescmd > 0 {
		s.logf("Cannot reconnect to server '%s', session command history is disabled (session has executed %d session commands)",
			h.Name(), s.recvSescmd)
		return ErrHistoryDisabled
	}

	conn, err := s.dialer.Dial(h.Name(), h.Addr())
	if err != nil {
		s.logf("Reconnection to '%s' failed: %v", h.Name(), err)
		return ErrBackendDown
	}
	if err := h.Connect(conn, s.hist.Commands()); err != nil {
		s.logf("Session command replay on '%s' failed: %v", h.Name(), err)
		return ErrBackendDown
	}

	s.stats.Reconnections++
	metrics.Reconnections.WithLabelValues(h.Name()).Inc()
	s.logf("Reconnected to '%s' and replayed %d session commands", h.Name(), s.hist.Len())
	return nil
}

// dispatch sends the statement to its target, applying the causal-read
// prefix when one is pending, and performs the post-write bookkeeping:
// response expectations, continuation pinning, prepared statement
// affinity, and the read-only transaction sticky target.
func (s *Session) dispatch(target int, info *classify.RouteInfo) error {
	h := s.arena.Get(target)

	// The session command cursor must not be active here.
	if h.HasSessionCommands() {
		return fmt.Errorf("dispatch to %s with pending session commands", h.Name())
	}

	if s.sticky == backend.None && s.trx.ReadOnly() {
		s.sticky = target
		s.logf("Setting sticky target to %s within an opened READ ONLY transaction", h.Name())
	}

	if info.Large {
		// More fragments of this statement will follow; they must all
		// reach this backend.
		if err := h.WriteFragment(info.SQL); err != nil {
			s.logf("Routing query fragment to %s failed: %v", h.Name(), err)
			h.Close()
			// The statement is aborted, later statements select freely.
			s.continuation = backend.None
			s.largeQuery = false
			return ErrBackendDown
		}
		s.continuation = target
		s.largeQuery = true
		return nil
	}

	sql := info.SQL
	if !h.IsMaster() && s.causalApplies(info) {
		sql = s.prefixWaitGTID(sql)
	}

	if err := h.Write(sql, info.ExpectReply); err != nil {
		s.logf("Routing query to %s failed: %v", h.Name(), err)
		h.Close()
		s.continuation = backend.None
		s.largeQuery = false
		return ErrBackendDown
	}

	if info.ExpectReply {
		s.expectedResponses++
	}

	// The statement is complete, the continuation pin is cleared.
	s.continuation = backend.None
	s.largeQuery = false

	if info.Command == classify.ComStmtExecute && !s.pinned {
		s.execMap[info.StmtID] = target
		s.logf("COM_STMT_EXECUTE on %s", h.Name())
	}

	if info.TempTable {
		s.haveTmpTables = true
	}

	if h.IsMaster() {
		s.stats.WritesToMaster++
		metrics.StatementsRouted.WithLabelValues(h.Name(), "master").Inc()
	} else {
		s.stats.ReadsToSlave++
		metrics.StatementsRouted.WithLabelValues(h.Name(), h.Role().String()).Inc()
	}

	if s.sticky != backend.None && s.trx.ReadOnly() && s.trx.Ending() {
		s.logf("An opened READ ONLY transaction ends: sticky target is cleared")
		s.sticky = backend.None
	}

	return nil
}

// routeSessionWrite replicates a session-state-mutating statement to
// every in-use backend. Fan-out is best effort: a backend that fails the
// command is dropped and the statement still counts as routed if at
// least one backend received it.
func (s *Session) routeSessionWrite(info *classify.RouteInfo) (Result, error) {
	pos := s.hist.NextPos()
	kind := sescmd.KindDefault
	if isPrepare(info) {
		kind = sescmd.KindPrepare
	}
	cmd := &sescmd.Command{Pos: pos, SQL: info.SQL, Kind: kind, ExpectReply: info.ExpectReply}

	s.logf("Session write, routing to all servers")

	nsucc := 0
	lowest := pos
	for i := 0; i < s.arena.Len(); i++ {
		h := s.arena.Get(i)
		if !h.InUse() {
			continue
		}

		h.AppendSessionCommand(cmd)
		if next := h.NextSessionCommand(); next.Pos < lowest {
			lowest = next.Pos
		}

		if next := h.NextSessionCommand(); next != cmd {
			// Older session commands are still unacknowledged on this
			// backend; the new one runs when they drain.
			nsucc++
			if cmd.ExpectReply {
				s.expectedResponses++
			}
			continue
		}

		if err := s.driveSessionCommands(h); err != nil {
			s.logf("Failed to execute session command on %s: %v", h.Name(), err)
			h.Close()
			continue
		}
		nsucc++
		if cmd.ExpectReply {
			s.expectedResponses++
		}
		s.logf("Route query to %s \t%s", h.Role(), h.Name())
	}

	if !s.hist.Disabled() {
		if s.hist.Append(cmd) {
			if !s.historyWarned {
				s.logf("Session exceeded the session command history limit (%d). "+
					"Server reconnection is disabled and only servers with consistent "+
					"session state are used for the duration of the session",
					s.cfg.MaxSescmdHistory)
				s.historyWarned = true
			}
			metrics.HistoryDisabled.Inc()
		} else {
			s.hist.TrimResponses(lowest)
		}
	}

	if nsucc == 0 {
		return s.failed(ErrNoEligibleBackend)
	}
	if !cmd.ExpectReply {
		s.recvSescmd++
	}

	s.stats.SessionWrites++
	metrics.SessionCommands.Add(float64(nsucc))
	return Result{Target: backend.None, Backend: "all", SessionWrite: true, Succeeded: nsucc}, nil
}

func isPrepare(info *classify.RouteInfo) bool {
	if info.Command == classify.ComStmtPrepare {
		return true
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(info.SQL)), "PREPARE")
}

// OnReply re-enters the router when the network layer has a complete
// reply from a backend. It acknowledges session commands, resumes the
// drain queue, and settles response expectations.
func (s *Session) OnReply(slot int, payload []byte) {
	h := s.arena.Get(slot)
	if h == nil || !h.InUse() {
		return
	}

	if h.HasSessionCommands() {
		cmd := h.AckSessionCommand()
		if cmd.ExpectReply {
			s.recvSescmd++
			if s.expectedResponses > 0 {
				s.expectedResponses--
			}
		}
		s.hist.SetResponse(cmd.Pos, payload)

		if h.HasSessionCommands() {
			if err := s.driveSessionCommands(h); err != nil {
				s.logf("Failed to execute session command on %s: %v", h.Name(), err)
				h.Close()
				return
			}
			if h.HasSessionCommands() {
				return
			}
		}
		h.CompleteReply()
		s.flushQueue()
		return
	}

	h.CompleteReply()
	if s.expectedResponses > 0 {
		s.expectedResponses--
	}
}

// driveSessionCommands executes queued session commands on a backend
// until one that expects a reply is in flight or the queue drains.
// Commands without a reply are acknowledged as soon as they are sent.
func (s *Session) driveSessionCommands(h *backend.Handle) error {
	for h.HasSessionCommands() {
		if err := h.ExecuteSessionCommand(); err != nil {
			return err
		}
		if h.NextSessionCommand().ExpectReply {
			return nil
		}
		h.AckSessionCommand()
	}
	return nil
}

// queuedStmt is a statement parked behind a session command drain,
// pinned to the target the caller was already told about.
type queuedStmt struct {
	info   *classify.RouteInfo
	target int
}

// flushQueue dispatches statements that were parked behind a session
// command drain, in arrival order and on their recorded targets. A
// target lost while the statement waited is re-selected from scratch.
func (s *Session) flushQueue() {
	pending := s.queue
	s.queue = nil
	for _, q := range pending {
		h := s.arena.Get(q.target)
		if h == nil || !h.InUse() {
			if _, err := s.routeSingleStmt(q.info); err != nil {
				s.logf("Routing queued statement failed: %v", err)
			}
			continue
		}
		if h.HasSessionCommands() {
			s.queue = append(s.queue, q)
			continue
		}
		if err := s.dispatch(q.target, q.info); err != nil {
			s.logf("Routing queued statement failed: %v", err)
		}
	}
}

// ExpectedResponses returns the number of replies the session is still
// owed, for the frontend's response correlation.
func (s *Session) ExpectedResponses() int { return s.expectedResponses }

// Close cancels all pending expectations and releases every backend.
func (s *Session) Close() {
	s.queue = nil
	s.expectedResponses = 0
	s.arena.CloseAll()
}
