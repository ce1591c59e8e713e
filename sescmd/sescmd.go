package sescmd

import "log"

// Kind distinguishes statements that may be deduplicated in history from
// one-shot prepares, which map to explicit statement IDs and must all be
// retained for replay.
type Kind int

const (
	KindDefault Kind = iota
	KindPrepare
)

// Command is a single session-state-mutating statement. It is immutable
// once created and identified by its position, which is strictly
// increasing within a session.
type Command struct {
	Pos         uint64
	SQL         string
	Kind        Kind
	ExpectReply bool
}

// Equal reports whether two commands carry the same statement. Position
// is deliberately excluded: history deduplication compares payloads.
func (c *Command) Equal(o *Command) bool {
	return c.Kind == o.Kind && c.SQL == o.SQL
}

// Log is the ordered session command history for one session, replayed
// in insertion order against backends that (re)connect mid-session. It
// also holds the canonical per-position responses used to deduplicate
// replies before one is forwarded to the client.
//
// A Log is owned by a single session and is not safe for concurrent use.
type Log struct {
	cmds      []*Command
	responses map[uint64][]byte
	limit     int
	nextPos   uint64
	disabled  bool
}

// NewLog creates a history log with the given capacity. A limit of 0
// disables history buffering from the start: commands still get
// positions but are never retained, so backend reconnection with replay
// is never possible.
func NewLog(limit int) *Log {
	l := &Log{
		limit:     limit,
		responses: make(map[uint64][]byte),
		nextPos:   1,
	}
	if limit == 0 {
		l.disabled = true
	}
	return l
}

// NextPos assigns the next session command position.
func (l *Log) NextPos() uint64 {
	pos := l.nextPos
	l.nextPos++
	return pos
}

// Disabled reports whether history buffering has been turned off, either
// by configuration or by overflowing the capacity. Once true it stays
// true for the remainder of the session.
func (l *Log) Disabled() bool {
	return l.disabled
}

// Len returns the number of retained commands.
func (l *Log) Len() int {
	return len(l.cmds)
}

// Commands returns the retained history in replay order. The caller must
// not mutate the returned slice.
func (l *Log) Commands() []*Command {
	return l.cmds
}

// Append records an executed session command in history. If the history
// meets its capacity the log is cleared and permanently disabled; this
// is a one-way capability downgrade, reported through the return value
// so the caller can log it once per session. Otherwise duplicate
// non-prepare commands are pruned so only the first and last occurrence
// of each statement remain.
func (l *Log) Append(cmd *Command) (justDisabled bool) {
	if l.disabled {
		return false
	}

	if l.limit > 0 && len(l.cmds) >= l.limit {
		l.cmds = nil
		l.responses = make(map[uint64][]byte)
		l.disabled = true
		return true
	}

	l.purge(cmd)
	l.cmds = append(l.cmds, cmd)
	return false
}

// purge removes the strictly-middle duplicate of cmd, if history already
// holds two occurrences. Keeping the first and last copy is enough for
// replay to reproduce the final session state:
//
//	USE test;
//	SET @myvar = (SELECT COUNT(*) FROM t1);
//	USE test;
//
// Prepares are never purged, their positions map to explicit statement IDs.
func (l *Log) purge(cmd *Command) {
	if cmd.Kind == KindPrepare {
		return
	}

	first := -1
	for i, c := range l.cmds {
		if c.Equal(cmd) {
			first = i
			break
		}
	}
	if first < 0 {
		return
	}
	for i := first + 1; i < len(l.cmds); i++ {
		if l.cmds[i].Equal(cmd) {
			old := l.cmds[i]
			delete(l.responses, old.Pos)
			l.cmds = append(l.cmds[:i], l.cmds[i+1:]...)
			log.Printf("[SessionCmd] Purged duplicate session command at position %d", old.Pos)
			return
		}
	}
}

// SetResponse records the canonical reply for a position. The first
// reply observed wins; later identical replies from other backends are
// suppressed by the caller.
func (l *Log) SetResponse(pos uint64, payload []byte) {
	if _, ok := l.responses[pos]; !ok {
		l.responses[pos] = payload
	}
}

// Response returns the canonical reply recorded for a position.
func (l *Log) Response(pos uint64) ([]byte, bool) {
	p, ok := l.responses[pos]
	return p, ok
}

// TrimResponses drops response entries below the minimum position still
// pending on any backend. This bounds the response map independently of
// the history capacity.
func (l *Log) TrimResponses(minPending uint64) {
	for pos := range l.responses {
		if pos < minPending {
			delete(l.responses, pos)
		}
	}
}
