package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/mevdschee/tqrouter/classify"
	"github.com/mevdschee/tqrouter/metrics"
	"github.com/mevdschee/tqrouter/router"
)

// trxState tracks the client's transaction state from the statement
// stream, implementing the router's TrxState collaborator.
type trxState struct {
	active   bool
	readOnly bool
	ending   bool
}

func (t *trxState) Active() bool   { return t.active }
func (t *trxState) ReadOnly() bool { return t.active && t.readOnly }
func (t *trxState) Ending() bool   { return t.ending }

type clientConn struct {
	conn       net.Conn
	proxy      *Proxy
	connID     uint32
	capability uint32
	status     uint16
	sequence   byte
	salt       []byte
	db         string

	routing router.Config
	session *router.Session
	trx     *trxState

	// Large statement reassembly state
	inLargeQuery bool
	largeInfo    *classify.RouteInfo

	// Last route decision for SHOW TQROUTER STATUS
	lastBackend  string
	lastCacheHit bool
}

func (c *clientConn) handshake() error {
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	c.salt = salt

	if err := c.writeServerGreeting(); err != nil {
		return err
	}

	if err := c.readClientAuth(); err != nil {
		return err
	}

	c.sequence++
	okPacket := WriteOKPacket(0, 0, c.status, c.capability)
	okPacket[3] = c.sequence
	if _, err := c.conn.Write(okPacket); err != nil {
		return err
	}

	return nil
}

func (c *clientConn) writeServerGreeting() error {
	data := make([]byte, 4, 128)

	// Protocol version
	data = append(data, 10)

	// Server version
	data = append(data, ServerVersion...)
	data = append(data, 0)

	// Connection ID
	data = append(data, byte(c.connID), byte(c.connID>>8), byte(c.connID>>16), byte(c.connID>>24))

	// Auth plugin data part 1 (8 bytes)
	data = append(data, c.salt[0:8]...)

	// Filler
	data = append(data, 0)

	// Capability flags lower 2 bytes
	capLower := uint16(DEFAULT_CAPABILITY & 0xFFFF)
	data = append(data, byte(capLower), byte(capLower>>8))

	// Character set (utf8_general_ci)
	data = append(data, 33)

	// Status flags
	data = append(data, byte(c.status), byte(c.status>>8))

	// Capability flags upper 2 bytes
	capUpper := uint16((DEFAULT_CAPABILITY >> 16) & 0xFFFF)
	data = append(data, byte(capUpper), byte(capUpper>>8))

	// Auth plugin data length
	data = append(data, 21)

	// Reserved (10 bytes)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)

	// Auth plugin data part 2 (12 bytes + null terminator)
	data = append(data, c.salt[8:20]...)
	data = append(data, 0)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	data[3] = c.sequence
	c.sequence++

	_, err := c.conn.Write(data)
	return err
}

var errMalformedHandshake = fmt.Errorf("malformed handshake response")

// readClientAuth parses the client's handshake response. Every read is
// bounds-checked; a truncated or corrupt packet fails the handshake
// instead of taking the connection goroutine down.
func (c *clientConn) readClientAuth() error {
	packet, err := c.readPacket()
	if err != nil {
		return err
	}

	// Capability flags (4), max packet size (4), character set (1),
	// reserved (23).
	if len(packet) < 32 {
		return errMalformedHandshake
	}
	c.capability = binary.LittleEndian.Uint32(packet[0:4])
	pos := 32

	// Username (null-terminated)
	idx := bytes.IndexByte(packet[pos:], 0)
	if idx < 0 {
		return errMalformedHandshake
	}
	user := string(packet[pos : pos+idx])
	pos += idx + 1

	// Auth response, length-prefixed
	if pos >= len(packet) {
		return errMalformedHandshake
	}
	authLen := int(packet[pos])
	pos++
	if pos+authLen > len(packet) {
		return errMalformedHandshake
	}
	auth := packet[pos : pos+authLen]
	pos += authLen

	// Database name (if CLIENT_CONNECT_WITH_DB)
	if c.capability&CLIENT_CONNECT_WITH_DB > 0 && pos < len(packet) {
		if idx := bytes.IndexByte(packet[pos:], 0); idx >= 0 {
			c.db = string(packet[pos : pos+idx])
		} else {
			c.db = string(packet[pos:])
		}
	}

	// Accept any authentication for now; production would verify
	// CalcPassword(c.salt, []byte(password)) against auth.
	_ = user
	_ = auth

	return nil
}

func (c *clientConn) run() {
	defer c.session.Close()

	if c.db != "" {
		// Database chosen during handshake is session state and must
		// reach every backend.
		if _, err := c.session.RouteQuery(classify.Classify(fmt.Sprintf("USE `%s`", c.db))); err == nil {
			c.settleSessionWrite()
		}
	}

	for {
		packet, err := c.readPacket()
		if err != nil {
			if err != io.EOF {
				log.Printf("[MariaDB] Read error (conn %d): %v", c.connID, err)
			}
			return
		}

		if len(packet) < 1 && !c.inLargeQuery {
			continue
		}

		if err := c.handlePacket(packet); err != nil {
			if err == io.EOF {
				return
			}
			log.Printf("[MariaDB] Command error (conn %d): %v", c.connID, err)
			c.writeError(err)
		}

		c.sequence = 0
	}
}

func (c *clientConn) handlePacket(packet []byte) error {
	if c.inLargeQuery {
		return c.continueLargeQuery(packet)
	}

	cmd := packet[0]
	data := packet[1:]

	if cmd == COM_QUERY && len(packet) == MaxPayloadLen {
		return c.startLargeQuery(data)
	}

	return c.dispatch(cmd, data)
}

func (c *clientConn) dispatch(cmd byte, data []byte) error {
	switch cmd {
	case COM_QUIT:
		return io.EOF
	case COM_INIT_DB:
		c.db = string(data)
		return c.handleQuery(fmt.Sprintf("USE `%s`", c.db))
	case COM_FIELD_LIST:
		return c.writeEOF()
	case COM_PING:
		return c.writeOK()
	case COM_QUERY:
		return c.handleQuery(string(data))
	case COM_STMT_PREPARE, COM_STMT_EXECUTE, COM_STMT_FETCH, COM_STMT_CLOSE:
		return fmt.Errorf("binary protocol prepared statements are not supported, use text PREPARE/EXECUTE")
	default:
		return fmt.Errorf("command %d not supported", cmd)
	}
}

// startLargeQuery routes the first fragment of a statement that spans
// multiple wire frames. The router pins the continuation target; the
// backend buffers fragments until the final one.
func (c *clientConn) startLargeQuery(data []byte) error {
	info := classify.Classify(string(data))
	if info.SessionWrite || info.Target == classify.TargetAll {
		return fmt.Errorf("statement too large for session command fan-out")
	}
	info.Large = true

	c.session.ApplySnapshot(c.proxy.monitor.Snapshot())
	if _, err := c.session.RouteQuery(info); err != nil {
		return c.routeErrorReply(err)
	}
	c.inLargeQuery = true
	c.largeInfo = info
	return nil
}

func (c *clientConn) continueLargeQuery(packet []byte) error {
	info := *c.largeInfo
	info.SQL = string(packet)
	info.Large = len(packet) == MaxPayloadLen

	res, err := c.session.RouteQuery(&info)
	if err != nil {
		c.inLargeQuery = false
		c.largeInfo = nil
		return c.routeErrorReply(err)
	}
	if info.Large {
		return nil
	}

	// Final fragment, the statement executed.
	c.inLargeQuery = false
	c.largeInfo = nil
	return c.respondSingle(res, &info, time.Now())
}

func (c *clientConn) handleQuery(query string) error {
	start := time.Now()
	info := classify.Classify(query)

	if strings.EqualFold(strings.TrimSpace(info.SQL), "SHOW TQROUTER STATUS") {
		return c.handleShowStatus()
	}

	if info.BeginsTrx {
		c.trx.active = true
		c.trx.readOnly = info.StartsReadOnly
	}
	if info.EndsTrx {
		c.trx.ending = true
	}

	c.session.ApplySnapshot(c.proxy.monitor.Snapshot())

	if info.IsCacheable() && !c.trx.active {
		if cached, ok := c.proxy.cache.Get(info.SQL); ok {
			metrics.CacheHits.Inc()
			c.lastBackend = "cache"
			c.lastCacheHit = true
			c.endTrx(info)
			return c.writeRaw(c.resequence(cached))
		}
		metrics.CacheMisses.Inc()
	}

	res, err := c.session.RouteQuery(info)
	if err != nil {
		c.endTrx(info)
		return c.routeErrorReply(err)
	}

	if res.SessionWrite {
		c.settleSessionWrite()
		c.lastBackend = "all"
		c.lastCacheHit = false
		c.endTrx(info)
		metrics.RouteLatency.WithLabelValues("all").Observe(time.Since(start).Seconds())
		return c.writeOK()
	}

	if res.Queued {
		c.drainSessionCommands(res.Target)
	}

	err = c.respondSingle(res, info, start)
	c.endTrx(info)
	return err
}

// routeErrorReply turns a routing failure into a client error packet; a
// fatal failure also terminates the session.
func (c *clientConn) routeErrorReply(err error) error {
	if router.IsFatal(err) {
		c.writeError(err)
		log.Printf("[MariaDB] Closing connection %d: %v", c.connID, err)
		return io.EOF
	}
	return err
}

func (c *clientConn) endTrx(info *classify.RouteInfo) {
	if info.BeginsTrx {
		c.status |= SERVER_STATUS_IN_TRANS
	}
	if info.EndsTrx {
		c.trx.active = false
		c.trx.readOnly = false
		c.trx.ending = false
		c.status &= ^uint16(SERVER_STATUS_IN_TRANS)
	}
}

// settleSessionWrite acknowledges the fan-out replies so the session
// command queues drain; the first reply is canonical, the rest are
// suppressed.
func (c *clientConn) settleSessionWrite() {
	arena := c.session.Arena()
	for slot := 0; slot < arena.Len(); slot++ {
		h := arena.Get(slot)
		for h.InUse() && h.HasSessionCommands() {
			if bc, ok := h.Conn().(*backendConn); ok {
				bc.takeResult()
			}
			c.session.OnReply(slot, nil)
		}
	}
}

// drainSessionCommands acknowledges pending session commands on one
// backend; when the queue empties the router dispatches the statement
// it parked behind them.
func (c *clientConn) drainSessionCommands(slot int) {
	h := c.session.Arena().Get(slot)
	for h.InUse() && h.HasSessionCommands() {
		if bc, ok := h.Conn().(*backendConn); ok {
			bc.takeResult()
		}
		c.session.OnReply(slot, nil)
	}
}

func (c *clientConn) respondSingle(res router.Result, info *classify.RouteInfo, start time.Time) error {
	h := c.session.Arena().Get(res.Target)
	if h == nil || h.Conn() == nil {
		return fmt.Errorf("no reply from backend")
	}
	bc, ok := h.Conn().(*backendConn)
	if !ok {
		return fmt.Errorf("no reply from backend %s", res.Backend)
	}
	result := bc.takeResult()
	c.session.OnReply(res.Target, nil)

	c.lastBackend = res.Backend
	c.lastCacheHit = false

	if result == nil {
		return c.writeOK()
	}
	if result.err != nil {
		return result.err
	}

	// Track the replication position after master writes so causal
	// reads can wait for it on the replicas.
	if c.routing.CausalReads && h.IsMaster() && !info.IsRead() && !info.EndsTrx {
		if pos, err := bc.queryScalar("SELECT @@gtid_current_pos"); err == nil && pos != "" {
			c.session.SetGTIDPos(pos)
		}
	}

	metrics.RouteLatency.WithLabelValues(info.Target.String()).Observe(time.Since(start).Seconds())

	if result.columns == nil {
		c.sequence++
		okPacket := WriteOKPacket(uint64(result.affectedRows), uint64(result.lastInsertID), c.status, c.capability)
		okPacket[3] = c.sequence
		_, err := c.conn.Write(okPacket)
		return err
	}

	payload, err := c.buildResultSet(result.columns, result.rows)
	if err != nil {
		return err
	}

	if info.IsCacheable() && !c.trx.active {
		c.proxy.cache.Set(info.SQL, payload, time.Duration(info.TTL)*time.Second)
	}

	return c.writeRaw(payload)
}

// buildResultSet encodes a captured result as wire packets.
func (c *clientConn) buildResultSet(columns []string, resultRows [][]interface{}) ([]byte, error) {
	var result []byte

	// Column count packet
	packet := make([]byte, 4)
	packet = append(packet, PutLengthEncodedInt(uint64(len(columns)))...)
	binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
	c.sequence++
	packet[3] = c.sequence
	result = append(result, packet...)

	// Column definition packets (simplified - just send column names)
	for _, col := range columns {
		packet = make([]byte, 4)
		packet = append(packet, 0x03, 'd', 'e', 'f') // catalog
		packet = append(packet, 0)                   // database
		packet = append(packet, 0)                   // table
		packet = append(packet, 0)                   // org_table
		packet = append(packet, PutLengthEncodedInt(uint64(len(col)))...)
		packet = append(packet, []byte(col)...)
		packet = append(packet, 0)                      // org_name
		packet = append(packet, 0x0c)                   // length of fixed fields
		packet = append(packet, 0x21, 0x00)             // character set
		packet = append(packet, 0xff, 0xff, 0xff, 0xff) // column length
		packet = append(packet, 0xfd)                   // type: VAR_STRING
		packet = append(packet, 0x00, 0x00)             // flags
		packet = append(packet, 0x00)                   // decimals
		packet = append(packet, 0x00, 0x00)             // filler

		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		c.sequence++
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF packet after columns
	c.sequence++
	eofPacket := WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	// Row data packets
	for _, row := range resultRows {
		packet = make([]byte, 4)
		for _, val := range row {
			if val == nil {
				packet = append(packet, 0xfb) // NULL
			} else {
				var str string
				switch v := val.(type) {
				case []byte:
					str = string(v)
				default:
					str = fmt.Sprintf("%v", v)
				}
				packet = append(packet, PutLengthEncodedInt(uint64(len(str)))...)
				packet = append(packet, []byte(str)...)
			}
		}

		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		c.sequence++
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF packet after rows
	c.sequence++
	eofPacket = WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	return result, nil
}

// resequence rewrites the sequence numbers of a cached reply to follow
// the current command packet.
func (c *clientConn) resequence(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)

	pos := 0
	for pos+4 <= len(out) {
		length := int(uint32(out[pos]) | uint32(out[pos+1])<<8 | uint32(out[pos+2])<<16)
		c.sequence++
		out[pos+3] = c.sequence
		pos += 4 + length
	}
	return out
}

func (c *clientConn) handleShowStatus() error {
	backendName := c.lastBackend
	if backendName == "" {
		backendName = "none"
	}
	cacheHit := "0"
	if c.lastCacheHit {
		cacheHit = "1"
	}

	master := "none"
	if h := c.session.Arena().Get(c.session.CurrentMaster()); h != nil {
		master = h.Name()
	}

	stats := c.session.Stats()
	payload, err := c.buildResultSet(
		[]string{"Variable_name", "Value"},
		[][]interface{}{
			{"Backend", backendName},
			{"Cache_hit", cacheHit},
			{"Current_master", master},
			{"Reads_to_slave", fmt.Sprintf("%d", stats.ReadsToSlave)},
			{"Writes_to_master", fmt.Sprintf("%d", stats.WritesToMaster)},
			{"Session_writes", fmt.Sprintf("%d", stats.SessionWrites)},
			{"Reconnections", fmt.Sprintf("%d", stats.Reconnections)},
		})
	if err != nil {
		return err
	}
	return c.writeRaw(payload)
}

func (c *clientConn) readPacket() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}

	length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	// Read the client's sequence number and use it as base for our response
	c.sequence = header[3]

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

func (c *clientConn) writeOK() error {
	c.sequence++
	packet := WriteOKPacket(0, 0, c.status, c.capability)
	packet[3] = c.sequence
	_, err := c.conn.Write(packet)
	return err
}

func (c *clientConn) writeError(e error) error {
	c.sequence++
	packet := WriteErrorPacket(1105, "HY000", e.Error(), c.capability)
	packet[3] = c.sequence
	_, err := c.conn.Write(packet)
	return err
}

func (c *clientConn) writeEOF() error {
	c.sequence++
	packet := WriteEOFPacket(c.status, c.capability)
	packet[3] = c.sequence
	_, err := c.conn.Write(packet)
	return err
}

func (c *clientConn) writeRaw(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}
