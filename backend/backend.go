package backend

import (
	"log"
	"time"

	"github.com/mevdschee/tqrouter/sescmd"
)

// Role is the cluster role of a database node, supplied by the monitor.
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster
	RoleSlave
	RoleRelay
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	case RoleRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// LagUnknown marks a replica whose replication lag has not been measured.
const LagUnknown = -1

// ReplyState tracks whether a backend owes the session a reply.
type ReplyState int

const (
	ReplyIdle ReplyState = iota
	ReplyAwaiting
	ReplyDone
)

// Conn is one live connection to a database node, implemented by the
// network layer. Execute sends a statement; when expectReply is false the
// backend produces no client-visible response for it.
type Conn interface {
	Execute(sql string, expectReply bool) error
	// ExecuteFragment buffers one non-final fragment of a statement
	// split across wire packets; a later Execute carries the final
	// fragment and runs the whole statement.
	ExecuteFragment(fragment string) error
	Ping() error
	Close() error
}

// Dialer opens new backend connections, used for lazy connects and
// mid-session reconnection.
type Dialer interface {
	Dial(name, addr string) (Conn, error)
}

// Handle wraps one live or potential connection to a database node. It is
// exclusively owned by one session; all mutable state on it is confined
// to that session's goroutine.
type Handle struct {
	name string
	addr string

	role Role
	lag  int

	conn       Conn
	inUse      bool
	canConnect bool

	reply      ReplyState
	lastActive time.Time

	// Session commands queued for this backend but not yet acknowledged.
	// A backend with a non-empty queue must not receive user statements.
	pending []*sescmd.Command
	// Position of the last session command executed on this backend.
	cursor uint64

	routed  uint64 // statements dispatched, tie-break input for round_robin
	inflight int   // dispatched but unanswered statements
}

// NewHandle creates a handle for a node that is eligible to connect but
// not yet connected.
func NewHandle(name, addr string) *Handle {
	return &Handle{
		name:       name,
		addr:       addr,
		role:       RoleUnknown,
		lag:        LagUnknown,
		canConnect: true,
		lastActive: time.Now(),
	}
}

func (h *Handle) Name() string { return h.name }
func (h *Handle) Addr() string { return h.addr }

func (h *Handle) Role() Role        { return h.role }
func (h *Handle) SetRole(r Role)    { h.role = r }
func (h *Handle) IsMaster() bool    { return h.role == RoleMaster }
func (h *Handle) IsSlave() bool     { return h.role == RoleSlave }
func (h *Handle) IsRelay() bool     { return h.role == RoleRelay }
func (h *Handle) Lag() int          { return h.lag }
func (h *Handle) SetLag(lag int)    { h.lag = lag }
func (h *Handle) InUse() bool       { return h.inUse }
func (h *Handle) CanConnect() bool  { return !h.inUse && h.canConnect }
func (h *Handle) SetConnectable(ok bool) {
	h.canConnect = ok
}

// Connect attaches a live connection and replays the given session
// command history in order. A fresh connection always starts from an
// idle cursor; the replay brings it up to the session's state before any
// user statement may reach it.
func (h *Handle) Connect(conn Conn, history []*sescmd.Command) error {
	h.conn = conn
	h.inUse = true
	h.reply = ReplyIdle
	h.cursor = 0
	h.pending = nil
	h.lastActive = time.Now()

	for _, cmd := range history {
		if err := conn.Execute(cmd.SQL, false); err != nil {
			h.Close()
			return err
		}
		h.cursor = cmd.Pos
	}
	return nil
}

// Conn returns the live connection, or nil when not connected. The
// frontend uses it to collect captured replies.
func (h *Handle) Conn() Conn { return h.conn }

// Close releases the connection. The handle stays addressable in the
// arena and may be reconnected later if history allows.
func (h *Handle) Close() {
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			log.Printf("[Backend] Close error on %s: %v", h.name, err)
		}
		h.conn = nil
	}
	h.inUse = false
	h.reply = ReplyIdle
	h.pending = nil
	h.inflight = 0
	h.cursor = 0
}

// Write dispatches a user statement on this backend. The caller must
// have drained the session command queue first.
func (h *Handle) Write(sql string, expectReply bool) error {
	if err := h.conn.Execute(sql, expectReply); err != nil {
		return err
	}
	h.routed++
	h.lastActive = time.Now()
	if expectReply {
		h.reply = ReplyAwaiting
		h.inflight++
	}
	return nil
}

// WriteFragment dispatches one non-final fragment of a large statement.
// Fragments produce no reply and are counted as part of the statement
// their final fragment completes.
func (h *Handle) WriteFragment(fragment string) error {
	if err := h.conn.ExecuteFragment(fragment); err != nil {
		return err
	}
	h.lastActive = time.Now()
	return nil
}

// Ping sends a lightweight no-op probe. It never alters routing state.
func (h *Handle) Ping() error {
	if err := h.conn.Ping(); err != nil {
		return err
	}
	h.lastActive = time.Now()
	return nil
}

// AppendSessionCommand queues a session command for this backend.
func (h *Handle) AppendSessionCommand(cmd *sescmd.Command) {
	h.pending = append(h.pending, cmd)
}

// ExecuteSessionCommand sends the oldest queued session command. The
// command stays queued until acknowledged via AckSessionCommand so the
// FIFO invariant with respect to user statements holds.
func (h *Handle) ExecuteSessionCommand() error {
	cmd := h.pending[0]
	if err := h.conn.Execute(cmd.SQL, cmd.ExpectReply); err != nil {
		return err
	}
	h.lastActive = time.Now()
	if cmd.ExpectReply {
		h.reply = ReplyAwaiting
	}
	return nil
}

// AckSessionCommand marks the oldest queued session command as executed,
// advancing the cursor. It returns the acknowledged command.
func (h *Handle) AckSessionCommand() *sescmd.Command {
	cmd := h.pending[0]
	h.pending = h.pending[1:]
	h.cursor = cmd.Pos
	return cmd
}

// HasSessionCommands reports whether unacknowledged session commands are
// queued on this backend.
func (h *Handle) HasSessionCommands() bool {
	return len(h.pending) > 0
}

// NextSessionCommand returns the oldest queued session command without
// removing it.
func (h *Handle) NextSessionCommand() *sescmd.Command {
	if len(h.pending) == 0 {
		return nil
	}
	return h.pending[0]
}

// Cursor returns the position of the last session command executed on
// this backend.
func (h *Handle) Cursor() uint64 { return h.cursor }

// ReplyState returns the pending-reply state.
func (h *Handle) ReplyState() ReplyState { return h.reply }

// IsWaitingResult reports whether a dispatched statement has not been
// answered yet.
func (h *Handle) IsWaitingResult() bool { return h.reply == ReplyAwaiting }

// CompleteReply records that the backend answered its oldest outstanding
// statement.
func (h *Handle) CompleteReply() {
	if h.inflight > 0 {
		h.inflight--
	}
	if h.inflight == 0 && len(h.pending) == 0 {
		h.reply = ReplyDone
	}
	h.lastActive = time.Now()
}

// Routed returns the number of statements dispatched to this backend.
func (h *Handle) Routed() uint64 { return h.routed }

// Inflight returns the number of dispatched but unanswered statements.
func (h *Handle) Inflight() int { return h.inflight }

// IdleSince returns the time of the last activity on this backend.
func (h *Handle) IdleSince() time.Time { return h.lastActive }
