package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// Command is the protocol command kind of a statement. The binary
// protocol commands are set by the frontend from the packet header; text
// queries are ComQuery.
type Command int

const (
	ComQuery Command = iota
	ComInitDB
	ComStmtPrepare
	ComStmtExecute
	ComStmtFetch
	ComStmtClose
	ComPing
	ComQuit
)

// Target tells the router where a statement must go.
type Target int

const (
	TargetUndefined Target = iota
	TargetMaster
	TargetSlave
	TargetAll
	TargetNamed
	TargetLagMax
)

func (t Target) String() string {
	switch t {
	case TargetMaster:
		return "master"
	case TargetSlave:
		return "slave"
	case TargetAll:
		return "all"
	case TargetNamed:
		return "named"
	case TargetLagMax:
		return "lag_max"
	default:
		return "undefined"
	}
}

// RouteInfo is the classification of one statement: its command kind,
// routing target and hints, and whether it mutates session state.
type RouteInfo struct {
	Command        Command
	Target         Target
	SessionWrite   bool // must be replicated to every backend
	Name           string
	MaxLag         int // -1 when no lag bound was hinted
	TTL            int // cache TTL hint in seconds, 0 means uncacheable
	StmtID         uint32
	Large          bool // payload at the wire protocol's max frame size
	ExpectReply    bool
	BeginsTrx      bool
	EndsTrx        bool
	StartsReadOnly bool
	TempTable      bool // creates a connection-local temporary table
	SQL            string // statement with hint comments stripped
}

var (
	// Routing and cache hints ride in comments, e.g.
	// /* route:replica2 */, /* maxlag:5 */, /* ttl:60 */.
	hintRegex      = regexp.MustCompile(`/\*\s*(?:route:(\S+))?\s*(?:maxlag:(\d+))?\s*(?:ttl:(\d+))?\s*\*/`)
	queryTypeRegex = regexp.MustCompile(`(?i)^\s*(SELECT|INSERT|UPDATE|DELETE|REPLACE|CREATE|ALTER|DROP|TRUNCATE|SET|USE|PREPARE|EXECUTE|DEALLOCATE|BEGIN|START|COMMIT|ROLLBACK|SHOW|GRANT|REVOKE|LOCK|UNLOCK|CALL|DO|LOAD)\b`)
)

// Classify derives routing information from a text-protocol statement.
func Classify(query string) *RouteInfo {
	info := &RouteInfo{
		Command:     ComQuery,
		Target:      TargetMaster,
		MaxLag:      -1,
		ExpectReply: true,
		SQL:         query,
	}

	if m := hintRegex.FindStringSubmatch(query); m != nil && (m[1] != "" || m[2] != "" || m[3] != "") {
		if m[1] != "" {
			info.Name = m[1]
		}
		if m[2] != "" {
			info.MaxLag, _ = strconv.Atoi(m[2])
		}
		if m[3] != "" {
			info.TTL, _ = strconv.Atoi(m[3])
		}
		info.SQL = strings.TrimSpace(hintRegex.ReplaceAllString(query, ""))
	}

	keyword := ""
	if m := queryTypeRegex.FindStringSubmatch(info.SQL); m != nil {
		keyword = strings.ToUpper(m[1])
	}

	switch keyword {
	case "SELECT", "SHOW", "DO":
		info.Target = TargetSlave
	case "SET", "USE":
		info.Target = TargetAll
		info.SessionWrite = true
	case "PREPARE":
		info.Target = TargetAll
		info.SessionWrite = true
	case "DEALLOCATE":
		info.Target = TargetAll
		info.SessionWrite = true
	case "BEGIN", "START":
		info.Target = TargetMaster
		info.BeginsTrx = true
		upper := strings.ToUpper(info.SQL)
		if strings.Contains(upper, "READ ONLY") {
			info.Target = TargetSlave
			info.StartsReadOnly = true
		}
	case "COMMIT", "ROLLBACK":
		info.Target = TargetMaster
		info.EndsTrx = true
	case "LOCK", "UNLOCK", "GRANT", "REVOKE":
		info.Target = TargetAll
		info.SessionWrite = true
	default:
		// Writes and DDL go to the master.
		info.Target = TargetMaster
	}

	if keyword == "CREATE" && strings.Contains(strings.ToUpper(info.SQL), "TEMPORARY TABLE") {
		info.TempTable = true
	}

	// SELECT ... FOR UPDATE takes a row lock and must see the master.
	if info.Target == TargetSlave && keyword == "SELECT" {
		upper := strings.ToUpper(info.SQL)
		if strings.Contains(upper, "FOR UPDATE") || strings.Contains(upper, "LOCK IN SHARE MODE") {
			info.Target = TargetMaster
		}
	}

	// A name or lag hint narrows the target.
	if info.Target == TargetSlave || info.Target == TargetMaster {
		if info.Name != "" {
			info.Target = TargetNamed
		} else if info.MaxLag >= 0 {
			info.Target = TargetLagMax
		}
	}

	return info
}

// IsCacheable reports whether the statement's response may be served
// from and stored in the result cache.
func (info *RouteInfo) IsCacheable() bool {
	return info.Command == ComQuery && info.Target == TargetSlave && info.TTL > 0 && !info.SessionWrite
}

// IsRead reports whether the statement resolves to a read target.
func (info *RouteInfo) IsRead() bool {
	return info.Target == TargetSlave || info.Target == TargetLagMax || info.Target == TargetNamed
}
