package sescmd

import (
	"testing"
)

func cmd(pos uint64, sql string) *Command {
	return &Command{Pos: pos, SQL: sql, Kind: KindDefault, ExpectReply: true}
}

func TestLog_PositionsAreStrictlyIncreasing(t *testing.T) {
	l := NewLog(50)
	var prev uint64
	for i := 0; i < 5; i++ {
		pos := l.NextPos()
		if pos <= prev {
			t.Fatalf("NextPos() = %d after %d, want strictly increasing", pos, prev)
		}
		prev = pos
	}
}

func TestLog_DuplicatePurgeKeepsFirstAndLast(t *testing.T) {
	l := NewLog(50)
	l.Append(cmd(l.NextPos(), "USE test"))
	l.Append(cmd(l.NextPos(), "SET @myvar = (SELECT COUNT(*) FROM t1)"))
	l.Append(cmd(l.NextPos(), "USE test"))
	l.Append(cmd(l.NextPos(), "USE test"))

	cmds := l.Commands()
	if len(cmds) != 3 {
		t.Fatalf("history length = %d, want 3", len(cmds))
	}
	if cmds[0].Pos != 1 || cmds[0].SQL != "USE test" {
		t.Errorf("first occurrence lost: got pos %d %q", cmds[0].Pos, cmds[0].SQL)
	}
	if cmds[2].Pos != 4 || cmds[2].SQL != "USE test" {
		t.Errorf("last occurrence wrong: got pos %d %q", cmds[2].Pos, cmds[2].SQL)
	}
	// Replay order must stay insertion order.
	if cmds[1].SQL != "SET @myvar = (SELECT COUNT(*) FROM t1)" {
		t.Errorf("middle command = %q, want the SET", cmds[1].SQL)
	}
}

func TestLog_PreparesAreNeverPurged(t *testing.T) {
	l := NewLog(50)
	prep := "PREPARE s1 FROM 'SELECT 1'"
	l.Append(&Command{Pos: l.NextPos(), SQL: prep, Kind: KindPrepare, ExpectReply: true})
	l.Append(&Command{Pos: l.NextPos(), SQL: prep, Kind: KindPrepare, ExpectReply: true})
	l.Append(&Command{Pos: l.NextPos(), SQL: prep, Kind: KindPrepare, ExpectReply: true})

	if l.Len() != 3 {
		t.Errorf("prepare history length = %d, want 3", l.Len())
	}
}

func TestLog_OverflowDisablesPermanently(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 3; i++ {
		if just := l.Append(cmd(l.NextPos(), "SET @v = "+string(rune('0'+i)))); just {
			t.Fatalf("append %d should not disable history", i)
		}
	}

	justDisabled := l.Append(cmd(l.NextPos(), "SET @v = 9"))
	if !justDisabled {
		t.Fatalf("append past the limit should report the downgrade")
	}
	if !l.Disabled() {
		t.Fatalf("history should be disabled after overflow")
	}
	if l.Len() != 0 {
		t.Errorf("history should be cleared on overflow, have %d commands", l.Len())
	}

	// Downgrade is one-way and only reported once.
	if l.Append(cmd(l.NextPos(), "SET @v = 10")) {
		t.Errorf("append after disable should not report the downgrade again")
	}
	if l.Len() != 0 {
		t.Errorf("disabled history must not retain commands")
	}
}

func TestLog_ZeroLimitDisablesFromStart(t *testing.T) {
	l := NewLog(0)
	if !l.Disabled() {
		t.Fatalf("limit 0 should disable history immediately")
	}
	pos := l.NextPos()
	if pos != 1 {
		t.Errorf("positions are still assigned when disabled, got %d", pos)
	}
	l.Append(cmd(pos, "SET NAMES utf8"))
	if l.Len() != 0 {
		t.Errorf("disabled history must stay empty")
	}
}

func TestLog_Responses(t *testing.T) {
	l := NewLog(50)
	l.SetResponse(1, []byte{0x00})
	l.SetResponse(1, []byte{0xff}) // first reply wins
	l.SetResponse(2, []byte{0x01})

	if p, ok := l.Response(1); !ok || p[0] != 0x00 {
		t.Errorf("Response(1) = %v %v, want first recorded reply", p, ok)
	}

	l.TrimResponses(2)
	if _, ok := l.Response(1); ok {
		t.Errorf("TrimResponses should drop positions below the minimum pending")
	}
	if _, ok := l.Response(2); !ok {
		t.Errorf("TrimResponses must keep positions still pending")
	}
}

func TestLog_PurgeDropsStaleResponse(t *testing.T) {
	l := NewLog(50)
	l.Append(cmd(l.NextPos(), "USE test"))
	l.Append(cmd(l.NextPos(), "USE test"))
	l.SetResponse(1, []byte{0x00})
	l.SetResponse(2, []byte{0x00})

	l.Append(cmd(l.NextPos(), "USE test"))
	if _, ok := l.Response(2); ok {
		t.Errorf("purged command's response should be dropped")
	}
	if _, ok := l.Response(1); !ok {
		t.Errorf("first occurrence's response must be kept")
	}
}
