package backend

import (
	"errors"
	"testing"

	"github.com/mevdschee/tqrouter/sescmd"
)

// recordConn captures statements in dispatch order.
type recordConn struct {
	executed  []string
	fragments []string
	pings     int
	closed    bool
	failNext  bool
}

func (c *recordConn) Execute(sql string, expectReply bool) error {
	if c.failNext {
		c.failNext = false
		return errors.New("connection lost")
	}
	c.executed = append(c.executed, sql)
	return nil
}

func (c *recordConn) ExecuteFragment(fragment string) error {
	c.fragments = append(c.fragments, fragment)
	return nil
}

func (c *recordConn) Ping() error {
	c.pings++
	return nil
}

func (c *recordConn) Close() error {
	c.closed = true
	return nil
}

func TestHandle_ConnectReplaysHistory(t *testing.T) {
	h := NewHandle("replica1", "localhost:3307")
	conn := &recordConn{}
	history := []*sescmd.Command{
		{Pos: 1, SQL: "USE shop", ExpectReply: true},
		{Pos: 3, SQL: "SET NAMES utf8", ExpectReply: true},
	}

	if err := h.Connect(conn, history); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !h.InUse() {
		t.Fatalf("handle should be in use after Connect")
	}
	if len(conn.executed) != 2 || conn.executed[0] != "USE shop" || conn.executed[1] != "SET NAMES utf8" {
		t.Errorf("replay order wrong: %v", conn.executed)
	}
	if h.Cursor() != 3 {
		t.Errorf("cursor after replay = %d, want 3", h.Cursor())
	}
}

func TestHandle_ConnectFailureClosesConn(t *testing.T) {
	h := NewHandle("replica1", "localhost:3307")
	conn := &recordConn{failNext: true}
	history := []*sescmd.Command{{Pos: 1, SQL: "USE shop", ExpectReply: true}}

	if err := h.Connect(conn, history); err == nil {
		t.Fatalf("Connect should fail when replay fails")
	}
	if h.InUse() {
		t.Errorf("handle must not stay in use after a failed replay")
	}
	if !conn.closed {
		t.Errorf("failed connection should be closed")
	}
}

func TestHandle_ReplyStateMachine(t *testing.T) {
	h := NewHandle("master", "localhost:3306")
	conn := &recordConn{}
	if err := h.Connect(conn, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if h.IsWaitingResult() {
		t.Fatalf("fresh connection should not be waiting for a result")
	}
	if err := h.Write("UPDATE t SET a = 1", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !h.IsWaitingResult() {
		t.Fatalf("handle should be waiting after a dispatched statement")
	}
	if h.Routed() != 1 || h.Inflight() != 1 {
		t.Errorf("routed=%d inflight=%d, want 1/1", h.Routed(), h.Inflight())
	}

	h.CompleteReply()
	if h.IsWaitingResult() {
		t.Errorf("reply should be complete")
	}
	if h.Inflight() != 0 {
		t.Errorf("inflight = %d, want 0", h.Inflight())
	}
}

func TestHandle_WriteWithoutReply(t *testing.T) {
	h := NewHandle("master", "localhost:3306")
	if err := h.Connect(&recordConn{}, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Write("SET @x = 1", false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h.IsWaitingResult() {
		t.Errorf("a no-reply write must not await a result")
	}
	if h.Routed() != 1 {
		t.Errorf("routed = %d, want 1", h.Routed())
	}
}

func TestHandle_SessionCommandQueue(t *testing.T) {
	h := NewHandle("replica1", "localhost:3307")
	conn := &recordConn{}
	if err := h.Connect(conn, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := &sescmd.Command{Pos: 1, SQL: "SET NAMES utf8", ExpectReply: true}
	second := &sescmd.Command{Pos: 2, SQL: "USE shop", ExpectReply: true}
	h.AppendSessionCommand(first)
	h.AppendSessionCommand(second)

	if !h.HasSessionCommands() {
		t.Fatalf("queue should hold session commands")
	}
	if h.NextSessionCommand() != first {
		t.Fatalf("oldest command must execute first")
	}

	if err := h.ExecuteSessionCommand(); err != nil {
		t.Fatalf("ExecuteSessionCommand: %v", err)
	}
	if !h.IsWaitingResult() {
		t.Errorf("a reply-bearing session command awaits a result")
	}

	if got := h.AckSessionCommand(); got != first {
		t.Fatalf("ack returned %v, want the first command", got)
	}
	if h.Cursor() != 1 {
		t.Errorf("cursor = %d, want 1", h.Cursor())
	}
	if h.NextSessionCommand() != second {
		t.Errorf("second command should now be at the head")
	}
}

func TestHandle_CloseResetsState(t *testing.T) {
	h := NewHandle("replica1", "localhost:3307")
	conn := &recordConn{}
	if err := h.Connect(conn, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.AppendSessionCommand(&sescmd.Command{Pos: 1, SQL: "USE shop"})

	h.Close()
	if h.InUse() {
		t.Errorf("closed handle must not be in use")
	}
	if !conn.closed {
		t.Errorf("underlying connection should be closed")
	}
	if h.HasSessionCommands() {
		t.Errorf("close must drop queued session commands")
	}
	if !h.CanConnect() {
		t.Errorf("closed handle stays eligible for reconnection")
	}
}

func TestArena_Slots(t *testing.T) {
	master := NewHandle("master", "localhost:3306")
	replica := NewHandle("replica1", "localhost:3307")
	a := NewArena([]*Handle{master, replica})

	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2", a.Len())
	}
	if a.Get(0) != master || a.Get(1) != replica {
		t.Errorf("slots must address handles in construction order")
	}
	if a.Get(None) != nil || a.Get(7) != nil {
		t.Errorf("out-of-range slots must resolve to nil")
	}
	if slot := a.Slot("replica1"); slot != 1 {
		t.Errorf("Slot(replica1) = %d, want 1", slot)
	}
	if slot := a.Slot("nosuch"); slot != None {
		t.Errorf("Slot(nosuch) = %d, want None", slot)
	}
}
