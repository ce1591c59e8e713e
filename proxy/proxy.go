package proxy

import (
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mevdschee/tqrouter/backend"
	"github.com/mevdschee/tqrouter/cache"
	"github.com/mevdschee/tqrouter/config"
	"github.com/mevdschee/tqrouter/monitor"
	"github.com/mevdschee/tqrouter/router"
)

// Proxy accepts MariaDB client connections and runs one routing session
// per connection. Sessions own their backend connections exclusively;
// the proxy only shares the monitor's cluster snapshots with them.
type Proxy struct {
	listen  string
	cluster config.ClusterConfig
	routing router.Config
	monitor *monitor.Monitor
	cache   *cache.Cache
	dialer  *sqlDialer
	connID  uint32

	mu sync.RWMutex
}

// New creates a new proxy
func New(cfg *config.Config, mon *monitor.Monitor, c *cache.Cache) *Proxy {
	return &Proxy{
		listen:  cfg.Listen,
		cluster: cfg.Cluster,
		routing: cfg.Routing,
		monitor: mon,
		cache:   c,
		dialer:  newDialer(cfg.Cluster.User, cfg.Cluster.Password),
		connID:  1000,
	}
}

// Servers returns the monitored cluster members in slot order.
func Servers(cluster config.ClusterConfig) []monitor.Server {
	servers := []monitor.Server{{Name: "master", Addr: cluster.Master}}
	for i, addr := range cluster.Replicas {
		servers = append(servers, monitor.Server{Name: replicaName(i), Addr: addr})
	}
	return servers
}

func replicaName(i int) string {
	return "replica" + strconv.Itoa(i+1)
}

// UpdateConfig applies a reloaded routing configuration. Existing
// sessions keep the policy they started with.
func (p *Proxy) UpdateConfig(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routing = cfg.Routing
	p.cluster = cfg.Cluster
}

// Start begins accepting MariaDB connections
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.listen)
	if err != nil {
		return err
	}
	log.Printf("[MariaDB] Listening on %s, routing to %s (+%d replicas)",
		p.listen, p.cluster.Master, len(p.cluster.Replicas))

	go func() {
		for {
			client, err := listener.Accept()
			if err != nil {
				log.Printf("[MariaDB] Accept error: %v", err)
				continue
			}
			id := atomic.AddUint32(&p.connID, 1)
			go p.handleConnection(client, id)
		}
	}()

	return nil
}

func (p *Proxy) handleConnection(client net.Conn, connID uint32) {
	defer client.Close()

	p.mu.RLock()
	cluster := p.cluster
	routing := p.routing
	p.mu.RUnlock()

	handles := p.buildHandles(cluster)
	trx := &trxState{}
	session := router.NewSession(connID, routing, handles, p.dialer, trx)
	session.ApplySnapshot(p.monitor.Snapshot())

	if !p.connectBackends(session, connID) {
		log.Printf("[MariaDB] No backend available for conn %d", connID)
		return
	}

	conn := &clientConn{
		conn:    client,
		proxy:   p,
		connID:  connID,
		status:  SERVER_STATUS_AUTOCOMMIT,
		routing: routing,
		session: session,
		trx:     trx,
	}

	if err := conn.handshake(); err != nil {
		log.Printf("[MariaDB] Handshake error (conn %d): %v", connID, err)
		session.Close()
		return
	}

	conn.run()
}

// buildHandles creates the session's backend arena, seeding roles from
// the static configuration until the first monitor snapshot lands.
func (p *Proxy) buildHandles(cluster config.ClusterConfig) []*backend.Handle {
	master := backend.NewHandle("master", cluster.Master)
	master.SetRole(backend.RoleMaster)
	handles := []*backend.Handle{master}

	for i, addr := range cluster.Replicas {
		h := backend.NewHandle(replicaName(i), addr)
		h.SetRole(backend.RoleSlave)
		handles = append(handles, h)
	}
	return handles
}

// connectBackends eagerly connects every reachable backend and seeds
// the session's master slot. At least one connection must succeed.
func (p *Proxy) connectBackends(session *router.Session, connID uint32) bool {
	arena := session.Arena()
	connected := 0

	for slot := 0; slot < arena.Len(); slot++ {
		h := arena.Get(slot)
		if !h.CanConnect() {
			continue
		}
		conn, err := p.dialer.Dial(h.Name(), h.Addr())
		if err != nil {
			log.Printf("[MariaDB] Backend %s unavailable for conn %d: %v", h.Name(), connID, err)
			continue
		}
		if err := h.Connect(conn, nil); err != nil {
			continue
		}
		connected++
		if h.IsMaster() {
			session.SetCurrentMaster(slot)
		}
	}

	return connected > 0
}
