package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mevdschee/tqrouter/backend"
)

// Server is one monitored cluster member.
type Server struct {
	Name string
	Addr string
}

// Monitor probes the cluster members and publishes read-only snapshots
// of role, replication lag and reachability. Routing sessions consume
// the snapshots and never feed anything back.
type Monitor struct {
	servers []Server
	dsn     func(addr string) string

	mu   sync.RWMutex
	snap backend.Snapshot

	probes map[string]*sql.DB
}

// New creates a monitor over the given servers. The user and password
// are used for the probe connections.
func New(servers []Server, user, password string) *Monitor {
	m := &Monitor{
		servers: servers,
		dsn: func(addr string) string {
			return fmt.Sprintf("%s:%s@tcp(%s)/?timeout=2s", user, password, addr)
		},
		snap:   make(backend.Snapshot),
		probes: make(map[string]*sql.DB),
	}
	for _, s := range servers {
		m.snap[s.Name] = backend.Status{Role: backend.RoleUnknown, Lag: backend.LagUnknown}
	}
	return m
}

// Snapshot returns the current cluster view. The returned map is a copy;
// callers may hold it across statements.
func (m *Monitor) Snapshot() backend.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(backend.Snapshot, len(m.snap))
	for name, st := range m.snap {
		snap[name] = st
	}
	return snap
}

// Start begins periodic probing of all servers
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial probe immediately
	m.checkAll()

	for {
		select {
		case <-ctx.Done():
			m.closeProbes()
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *Monitor) checkAll() {
	var wg sync.WaitGroup
	for _, s := range m.servers {
		wg.Add(1)
		go func(s Server) {
			defer wg.Done()
			m.check(s)
		}(s)
	}
	wg.Wait()
}

func (m *Monitor) check(s Server) {
	st := backend.Status{Role: backend.RoleUnknown, Lag: backend.LagUnknown}

	db, err := m.probe(s)
	if err == nil {
		err = db.Ping()
	}
	if err != nil {
		log.Printf("[Monitor] %s unreachable: %v", s.Name, err)
		m.update(s.Name, st)
		return
	}
	st.Reachable = true

	var readOnly int
	if err := db.QueryRow("SELECT @@global.read_only").Scan(&readOnly); err != nil {
		log.Printf("[Monitor] Role probe on %s failed: %v", s.Name, err)
	} else if readOnly == 0 {
		st.Role = backend.RoleMaster
	} else {
		st.Role = backend.RoleSlave
		st.Lag = m.replicationLag(db, s)
	}

	m.update(s.Name, st)
}

// replicationLag reads Seconds_Behind_Master from the replica's status.
// Column order varies across server versions so the row is scanned by
// column name.
func (m *Monitor) replicationLag(db *sql.DB, s Server) int {
	rows, err := db.Query("SHOW SLAVE STATUS")
	if err != nil {
		log.Printf("[Monitor] Lag probe on %s failed: %v", s.Name, err)
		return backend.LagUnknown
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil || !rows.Next() {
		return backend.LagUnknown
	}

	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return backend.LagUnknown
	}

	for i, col := range cols {
		if col != "Seconds_Behind_Master" {
			continue
		}
		switch v := values[i].(type) {
		case int64:
			return int(v)
		case []byte:
			var lag int
			if _, err := fmt.Sscanf(string(v), "%d", &lag); err == nil {
				return lag
			}
		}
	}
	return backend.LagUnknown
}

func (m *Monitor) probe(s Server) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.probes[s.Name]; ok {
		return db, nil
	}
	db, err := sql.Open("mysql", m.dsn(s.Addr))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	m.probes[s.Name] = db
	return db, nil
}

func (m *Monitor) update(name string, st backend.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snap[name]
	if prev.Reachable != st.Reachable || prev.Role != st.Role {
		log.Printf("[Monitor] %s: reachable=%v role=%s lag=%d", name, st.Reachable, st.Role, st.Lag)
	}
	m.snap[name] = st
}

func (m *Monitor) closeProbes() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, db := range m.probes {
		db.Close()
		delete(m.probes, name)
	}
}
