package proxy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/mevdschee/tqrouter/backend"
)

// execResult captures the outcome of one statement on a backend so the
// frontend can encode a single client-facing reply.
type execResult struct {
	columns      []string
	rows         [][]interface{}
	affectedRows int64
	lastInsertID int64
	err          error
}

// backendConn adapts a dedicated database/sql connection to the
// router's network-layer contract. Each client session owns one per
// backend, so session state (variables, temp tables, prepared
// statements) stays pinned to it.
type backendConn struct {
	db   *sql.DB
	conn *sql.Conn

	// Fragments of a statement split across wire packets, buffered
	// until the final fragment arrives.
	fragments strings.Builder

	last *execResult
}

// sqlDialer opens backend connections with exponential backoff, bounded
// so a dead server fails the dial instead of stalling the session.
type sqlDialer struct {
	user     string
	password string
}

func newDialer(user, password string) *sqlDialer {
	return &sqlDialer{user: user, password: password}
}

func (d *sqlDialer) Dial(name, addr string) (backend.Conn, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?multiStatements=true&interpolateParams=true",
		d.user, d.password, addr)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	var conn *sql.Conn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 4 * time.Second

	err = backoff.Retry(func() error {
		var cerr error
		conn, cerr = db.Conn(context.Background())
		return cerr
	}, policy)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dial %s (%s): %w", name, addr, err)
	}

	return &backendConn{db: db, conn: conn}, nil
}

func (b *backendConn) Execute(sqlText string, expectReply bool) error {
	if b.fragments.Len() > 0 {
		b.fragments.WriteString(sqlText)
		sqlText = b.fragments.String()
		b.fragments.Reset()
	}

	if !expectReply {
		_, err := b.conn.ExecContext(context.Background(), sqlText)
		b.last = &execResult{err: err}
		return err
	}

	upper := strings.ToUpper(strings.TrimSpace(stripLeadingSet(sqlText)))
	if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "SHOW") {
		return b.query(sqlText)
	}
	return b.exec(sqlText)
}

// sqlLevel reports whether the server rejected the statement rather than
// the connection failing. Statement errors become the client's reply;
// only connection failures tear the backend down.
func sqlLevel(err error) bool {
	var myerr *mysql.MySQLError
	return errors.As(err, &myerr)
}

// stripLeadingSet skips a causal-read probe prefix so the statement kind
// is judged from the client's query.
func stripLeadingSet(sqlText string) string {
	if i := strings.Index(sqlText, "); "); i >= 0 && strings.HasPrefix(sqlText, "SET @tqrouter_gtid_probe") {
		return sqlText[i+3:]
	}
	return sqlText
}

func (b *backendConn) ExecuteFragment(fragment string) error {
	b.fragments.WriteString(fragment)
	return nil
}

func (b *backendConn) query(sqlText string) error {
	rows, err := b.conn.QueryContext(context.Background(), sqlText)
	if err != nil {
		b.last = &execResult{err: err}
		if sqlLevel(err) {
			return nil
		}
		return err
	}
	defer rows.Close()

	// A causal-read probe prefix produces an empty leading result set.
	cols, err := rows.Columns()
	for err == nil && len(cols) == 0 && rows.NextResultSet() {
		cols, err = rows.Columns()
	}
	if err != nil {
		b.last = &execResult{err: err}
		return err
	}

	res := &execResult{columns: cols}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			b.last = &execResult{err: err}
			return err
		}
		row := make([]interface{}, len(cols))
		copy(row, values)
		res.rows = append(res.rows, row)
	}
	if err := rows.Err(); err != nil {
		b.last = &execResult{err: err}
		return err
	}

	b.last = res
	return nil
}

func (b *backendConn) exec(sqlText string) error {
	result, err := b.conn.ExecContext(context.Background(), sqlText)
	if err != nil {
		b.last = &execResult{err: err}
		if sqlLevel(err) {
			return nil
		}
		return err
	}
	affected, _ := result.RowsAffected()
	insertID, _ := result.LastInsertId()
	b.last = &execResult{affectedRows: affected, lastInsertID: insertID}
	return nil
}

func (b *backendConn) Ping() error {
	return b.conn.PingContext(context.Background())
}

func (b *backendConn) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return b.db.Close()
}

// takeResult hands the captured reply to the frontend and clears it.
func (b *backendConn) takeResult() *execResult {
	res := b.last
	b.last = nil
	return res
}

// queryScalar runs a standalone query on this backend, used for GTID
// position tracking outside the routed statement stream.
func (b *backendConn) queryScalar(sqlText string) (string, error) {
	var value sql.NullString
	err := b.conn.QueryRowContext(context.Background(), sqlText).Scan(&value)
	if err != nil {
		return "", err
	}
	return value.String, nil
}
