package testutil

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/types"
)

// PasswordAuthenticatorClass is the authenticator a FakeNode announces when
// credentials are configured.
const PasswordAuthenticatorClass = "org.apache.cassandra.auth.PasswordAuthenticator"

// Reply is the answer of a Handler to one request.
type Reply struct {
	// Message is sent back unless Drop is set.
	Message frame.Response
	// Delay postpones the response.
	Delay time.Duration
	// Drop sends nothing, leaving the request unanswered.
	Drop     bool
	Warnings []string
}

// Handler answers a request. Returning nil falls back to the default
// behavior of the node.
type Handler func(req *frame.Frame) *Reply

// NodeInfo is what a FakeNode reports about itself in system tables.
type NodeInfo struct {
	HostID         uuid.UUID
	Datacenter     string
	Rack           string
	ReleaseVersion string
	Tokens         []string
}

// FakeNode is an in-process server speaking the native protocol through the
// frame codec. It answers the handshake, USE, PREPARE and the system tables
// read by the control connection; everything else goes through the
// configured Handler or gets a VOID result.
type FakeNode struct {
	t    testing.TB
	ln   net.Listener
	addr netip.AddrPort

	mu          sync.RWMutex
	info        NodeInfo
	peers       []*FakeNode
	keyspaces   map[string]map[string]string
	maxVersion  frame.ProtoVersion
	compressors []frame.Compressor
	username    string
	password    string
	handler     Handler
	prepared    map[string]string // id -> statement
	conns       map[*nodeConn]struct{}
	requests    map[frame.Op]int
	statements  []string
	closed      bool

	wg sync.WaitGroup
}

// FakeNodeOption configures a FakeNode.
type FakeNodeOption func(*FakeNode)

// WithMaxVersion makes the node reject protocol versions above v.
func WithMaxVersion(v frame.ProtoVersion) FakeNodeOption {
	return func(n *FakeNode) {
		n.maxVersion = v
	}
}

// WithCompression advertises and accepts the given compressors.
func WithCompression(comps ...frame.Compressor) FakeNodeOption {
	return func(n *FakeNode) {
		n.compressors = comps
	}
}

// WithCredentials requires PLAIN authentication with the given credentials.
func WithCredentials(username, password string) FakeNodeOption {
	return func(n *FakeNode) {
		n.username = username
		n.password = password
	}
}

// WithHandler sets the request handler.
func WithHandler(h Handler) FakeNodeOption {
	return func(n *FakeNode) {
		n.handler = h
	}
}

// WithNodeInfo sets the metadata reported in system.local.
func WithNodeInfo(info NodeInfo) FakeNodeOption {
	return func(n *FakeNode) {
		n.info = info
	}
}

// StartFakeNode starts a node listening on a random loopback port. It is
// stopped when the test completes.
//
// Parameters:
//   - t: The testing context
//   - opts: Node options
//
// Returns:
//   - *FakeNode: The running node
func StartFakeNode(t testing.TB, opts ...FakeNodeOption) *FakeNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to listen")

	n := &FakeNode{
		t:          t,
		ln:         ln,
		addr:       netip.MustParseAddrPort(ln.Addr().String()),
		maxVersion: frame.Version4,
		keyspaces:  make(map[string]map[string]string),
		prepared:   make(map[string]string),
		conns:      make(map[*nodeConn]struct{}),
		requests:   make(map[frame.Op]int),
		info: NodeInfo{
			HostID:         uuid.New(),
			Datacenter:     "dc1",
			Rack:           "rack1",
			ReleaseVersion: "4.1.0",
		},
	}
	for _, opt := range opts {
		opt(n)
	}

	n.wg.Add(1)
	go n.acceptLoop()
	t.Cleanup(n.Stop)

	return n
}

// Addr returns the address of the node.
func (n *FakeNode) Addr() netip.AddrPort { return n.addr }

// Address returns the address of the node as host:port.
func (n *FakeNode) Address() string { return n.addr.String() }

// Info returns the metadata of the node.
func (n *FakeNode) Info() NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.info
}

// SetHandler replaces the request handler.
func (n *FakeNode) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.handler = h
}

// SetPeers sets the nodes reported in system.peers and system.peers_v2.
func (n *FakeNode) SetPeers(peers ...*FakeNode) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peers = peers
}

// SetKeyspace reports a keyspace with the given replication options in
// system_schema.keyspaces.
func (n *FakeNode) SetKeyspace(name string, replication map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.keyspaces[name] = replication
}

// ForgetPrepared drops every prepared statement, so EXECUTE answers
// UNPREPARED.
func (n *FakeNode) ForgetPrepared() {
	n.mu.Lock()
	defer n.mu.Unlock()

	clear(n.prepared)
}

// Requests returns how many requests with opcode op were received.
func (n *FakeNode) Requests(op frame.Op) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.requests[op]
}

// Statements returns the CQL of every QUERY, PREPARE and EXECUTE received,
// in arrival order. EXECUTE is reported with the prepared text.
func (n *FakeNode) Statements() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return slices.Clone(n.statements)
}

// ConnectionCount returns the number of open client connections.
func (n *FakeNode) ConnectionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.conns)
}

// PushEvent sends ev to every connection that registered for its type.
func (n *FakeNode) PushEvent(ev frame.Event) {
	n.mu.RLock()
	conns := make([]*nodeConn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.RUnlock()

	for _, c := range conns {
		if c.registeredFor(ev.EventType()) {
			c.write(frame.EventStream, &Reply{Message: ev})
		}
	}
}

// DropConnections closes every client connection. The node keeps
// accepting new ones.
func (n *FakeNode) DropConnections() {
	n.mu.Lock()
	conns := n.conns
	n.conns = make(map[*nodeConn]struct{})
	n.mu.Unlock()

	for c := range conns {
		_ = c.nc.Close()
	}
}

// Stop closes the listener and every connection.
func (n *FakeNode) Stop() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	_ = n.ln.Close()
	n.DropConnections()
	n.wg.Wait()
}

func (n *FakeNode) acceptLoop() {
	defer n.wg.Done()

	for {
		nc, err := n.ln.Accept()
		if err != nil {
			return
		}

		c := &nodeConn{node: n, nc: nc, events: make(map[string]bool), closed: make(chan struct{})}
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			_ = nc.Close()
			return
		}
		n.conns[c] = struct{}{}
		n.mu.Unlock()

		n.wg.Add(1)
		go c.serve()
	}
}

type nodeConn struct {
	node *FakeNode
	nc   net.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	codec   *frame.Codec
	events  map[string]bool
	closed  chan struct{}
}

func (c *nodeConn) registeredFor(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.events[eventType]
}

func (c *nodeConn) serve() {
	var pending sync.WaitGroup
	defer c.node.wg.Done()
	defer pending.Wait()
	defer func() {
		c.node.mu.Lock()
		delete(c.node.conns, c)
		c.node.mu.Unlock()
		close(c.closed)
		_ = c.nc.Close()
	}()

	r := bufio.NewReader(c.nc)
	for {
		h, err := frame.ReadHeader(r, nil)
		if err != nil {
			return
		}
		body := make([]byte, h.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		c.node.mu.RLock()
		maxVersion := c.node.maxVersion
		c.node.mu.RUnlock()
		if h.Version > maxVersion {
			c.writeVersionError(h.Stream, h.Version, maxVersion)
			continue
		}

		c.mu.Lock()
		if c.codec == nil {
			c.codec = frame.NewCodec(h.Version, nil)
		}
		codec := c.codec
		c.mu.Unlock()

		f, err := codec.Decode(h, body)
		if err != nil {
			c.node.t.Logf("fake node %s: decode: %v", c.node.addr, err)
			return
		}

		c.node.mu.Lock()
		c.node.requests[h.Op]++
		c.node.mu.Unlock()

		switch h.Op {
		case frame.OpOptions, frame.OpStartup, frame.OpAuthResponse, frame.OpRegister:
			// Handshake requests change connection state and are answered
			// in order.
			reply := c.node.handlerReply(f)
			if reply == nil {
				reply = c.handshake(f)
			}
			c.write(h.Stream, reply)
		default:
			pending.Add(1)
			go func() {
				defer pending.Done()
				c.write(h.Stream, c.handle(f))
			}()
		}
	}
}

func (c *nodeConn) writeVersionError(stream int16, got, maxVersion frame.ProtoVersion) {
	msg := &frame.ErrorResponse{
		Code:    types.CodeProtocolError,
		Message: fmt.Sprintf("Invalid or unsupported protocol version (%d); supported versions are (3/v3, 4/v4)", got),
	}
	buf, err := frame.NewCodec(maxVersion, nil).Encode(nil, &frame.Frame{Header: frame.Header{Stream: stream}, Message: msg})
	if err != nil {
		return
	}
	c.writeMu.Lock()
	_, _ = c.nc.Write(buf)
	c.writeMu.Unlock()
}

func (c *nodeConn) write(stream int16, reply *Reply) {
	if reply == nil || reply.Drop {
		return
	}
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		select {
		case <-timer.C:
		case <-c.closed:
			timer.Stop()
			return
		}
	}

	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	if codec == nil {
		return
	}

	buf, err := codec.Encode(nil, &frame.Frame{
		Header:   frame.Header{Stream: stream},
		Warnings: reply.Warnings,
		Message:  reply.Message,
	})
	if err != nil {
		c.node.t.Logf("fake node %s: encode: %v", c.node.addr, err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.nc.Write(buf)
}

func (c *nodeConn) handshake(f *frame.Frame) *Reply {
	n := c.node
	n.mu.RLock()
	username, password := n.username, n.password
	comps := n.compressors
	n.mu.RUnlock()

	switch msg := f.Message.(type) {
	case *frame.Options:
		names := make([]string, 0, len(comps))
		for _, comp := range comps {
			names = append(names, comp.Name())
		}
		return &Reply{Message: &frame.Supported{Options: map[string][]string{
			"CQL_VERSION": {"3.4.5"},
			"COMPRESSION": names,
		}}}

	case *frame.Startup:
		if name := msg.Options["COMPRESSION"]; name != "" {
			idx := slices.IndexFunc(comps, func(comp frame.Compressor) bool { return comp.Name() == name })
			if idx < 0 {
				return &Reply{Message: &frame.ErrorResponse{Code: types.CodeProtocolError,
					Message: "unknown compression " + name}}
			}
			c.mu.Lock()
			c.codec = c.codec.WithCompressor(comps[idx])
			c.mu.Unlock()
		}
		if username != "" {
			return &Reply{Message: &frame.Authenticate{Authenticator: PasswordAuthenticatorClass}}
		}
		return &Reply{Message: &frame.Ready{}}

	case *frame.AuthResponse:
		want := append(append(append([]byte{0}, username...), 0), password...)
		if !bytes.Equal(msg.Token, want) {
			return &Reply{Message: &frame.ErrorResponse{Code: types.CodeBadCredentials,
				Message: "Provided username " + username + " and/or password are incorrect"}}
		}
		return &Reply{Message: &frame.AuthSuccess{}}

	case *frame.Register:
		c.mu.Lock()
		for _, ev := range msg.EventTypes {
			c.events[ev] = true
		}
		c.mu.Unlock()
		return &Reply{Message: &frame.Ready{}}
	}

	return nil
}

func (n *FakeNode) handlerReply(f *frame.Frame) *Reply {
	n.mu.RLock()
	handler := n.handler
	n.mu.RUnlock()
	if handler == nil {
		return nil
	}

	return handler(f)
}

func (c *nodeConn) handle(f *frame.Frame) *Reply {
	n := c.node

	var stmt string
	switch msg := f.Message.(type) {
	case *frame.Query:
		stmt = msg.Statement
	case *frame.Prepare:
		stmt = msg.Statement
	case *frame.Execute:
		n.mu.RLock()
		prepared, ok := n.prepared[string(msg.ID)]
		n.mu.RUnlock()
		if !ok {
			return &Reply{Message: &frame.ErrorResponse{Code: types.CodeUnprepared,
				Message: "Prepared query with ID not found", UnknownID: msg.ID}}
		}
		stmt = prepared
	}

	if stmt != "" {
		n.mu.Lock()
		n.statements = append(n.statements, stmt)
		n.mu.Unlock()
	}
	if reply := n.handlerReply(f); reply != nil {
		prep, isPrepare := f.Message.(*frame.Prepare)
		if res, ok := reply.Message.(*frame.PreparedResult); ok && isPrepare {
			n.mu.Lock()
			n.prepared[string(res.ID)] = prep.Statement
			n.mu.Unlock()
		}

		return reply
	}

	switch msg := f.Message.(type) {
	case *frame.Query:
		return c.query(msg.Statement)
	case *frame.Prepare:
		id := sha256.Sum256([]byte(msg.Keyspace + "|" + msg.Statement))
		n.mu.Lock()
		n.prepared[string(id[:16])] = msg.Statement
		n.mu.Unlock()
		return &Reply{Message: &frame.PreparedResult{ID: id[:16]}}
	}

	return &Reply{Message: &frame.VoidResult{}}
}

func (c *nodeConn) query(stmt string) *Reply {
	lower := strings.ToLower(strings.TrimSpace(stmt))
	switch {
	case strings.HasPrefix(lower, "use "):
		ks := strings.Trim(strings.TrimSpace(strings.TrimSpace(stmt)[4:]), `"`)
		return &Reply{Message: &frame.SetKeyspaceResult{Keyspace: ks}}
	case strings.Contains(lower, "system.local"):
		return c.node.localRows()
	case strings.Contains(lower, "system.peers_v2"):
		return c.node.peerRows(true)
	case strings.Contains(lower, "system.peers"):
		return c.node.peerRows(false)
	case strings.Contains(lower, "system_schema.keyspaces"):
		return c.node.keyspaceRows()
	}

	return &Reply{Message: &frame.VoidResult{}}
}

func column(table, name string, info marshal.TypeInfo) frame.ColumnSpec {
	return frame.ColumnSpec{Keyspace: "system", Table: table, Name: name, Type: info}
}

var textSet = marshal.SetOf(marshal.Native(marshal.TypeVarchar))

// RowsReply builds a ROWS result from Go values serialized with the default
// marshal registry. It fails the test if a value does not fit its column.
//
// Parameters:
//   - t: The testing context
//   - columns: Result columns
//   - rows: One value per column per row
//
// Returns:
//   - *Reply: The reply carrying the rows
func RowsReply(t testing.TB, columns []frame.ColumnSpec, rows ...[]any) *Reply {
	t.Helper()

	res, err := buildRows(columns, rows)
	require.NoError(t, err)

	return &Reply{Message: res}
}

func buildRows(columns []frame.ColumnSpec, rows [][]any) (*frame.RowsResult, error) {
	raw := make([][][]byte, 0, len(rows))
	for _, row := range rows {
		cells := make([][]byte, len(columns))
		for i, col := range columns {
			if i >= len(row) {
				break
			}
			b, err := marshal.Marshal(col.Type, row[i])
			if err != nil {
				return nil, err
			}
			cells[i] = b
		}
		raw = append(raw, cells)
	}

	return &frame.RowsResult{
		Metadata: frame.RowsMetadata{ColumnCount: len(columns), Columns: columns},
		Rows:     frame.NewRows(len(columns), raw),
	}, nil
}

func (n *FakeNode) rowsReply(columns []frame.ColumnSpec, rows [][]any) *Reply {
	res, err := buildRows(columns, rows)
	if err != nil {
		return &Reply{Message: frame.NewErrorResponse(err)}
	}

	return &Reply{Message: res}
}

func (n *FakeNode) localRows() *Reply {
	info := n.Info()
	columns := []frame.ColumnSpec{
		column("local", "key", marshal.Native(marshal.TypeVarchar)),
		column("local", "host_id", marshal.Native(marshal.TypeUUID)),
		column("local", "data_center", marshal.Native(marshal.TypeVarchar)),
		column("local", "rack", marshal.Native(marshal.TypeVarchar)),
		column("local", "release_version", marshal.Native(marshal.TypeVarchar)),
		column("local", "tokens", textSet),
		column("local", "partitioner", marshal.Native(marshal.TypeVarchar)),
		column("local", "cluster_name", marshal.Native(marshal.TypeVarchar)),
		column("local", "rpc_address", marshal.Native(marshal.TypeInet)),
		column("local", "native_port", marshal.Native(marshal.TypeInt)),
	}
	row := []any{
		"local", info.HostID, info.Datacenter, info.Rack, info.ReleaseVersion, info.Tokens,
		"org.apache.cassandra.dht.Murmur3Partitioner", "Fake Cluster",
		n.addr.Addr(), int32(n.addr.Port()),
	}

	return n.rowsReply(columns, [][]any{row})
}

func (n *FakeNode) peerRows(v2 bool) *Reply {
	n.mu.RLock()
	peers := slices.Clone(n.peers)
	n.mu.RUnlock()

	table := "peers"
	columns := []frame.ColumnSpec{
		column(table, "peer", marshal.Native(marshal.TypeInet)),
		column(table, "host_id", marshal.Native(marshal.TypeUUID)),
		column(table, "data_center", marshal.Native(marshal.TypeVarchar)),
		column(table, "rack", marshal.Native(marshal.TypeVarchar)),
		column(table, "release_version", marshal.Native(marshal.TypeVarchar)),
		column(table, "tokens", textSet),
	}
	if v2 {
		table = "peers_v2"
		for i := range columns {
			columns[i].Table = table
		}
		columns = append(columns,
			column(table, "native_address", marshal.Native(marshal.TypeInet)),
			column(table, "native_port", marshal.Native(marshal.TypeInt)),
		)
	} else {
		columns = append(columns, column(table, "rpc_address", marshal.Native(marshal.TypeInet)))
	}

	rows := make([][]any, 0, len(peers))
	for _, p := range peers {
		if p == n {
			continue
		}
		info := p.Info()
		row := []any{p.addr.Addr(), info.HostID, info.Datacenter, info.Rack, info.ReleaseVersion, info.Tokens}
		if v2 {
			row = append(row, p.addr.Addr(), int32(p.addr.Port()))
		} else {
			row = append(row, p.addr.Addr())
		}
		rows = append(rows, row)
	}

	return n.rowsReply(columns, rows)
}

func (n *FakeNode) keyspaceRows() *Reply {
	n.mu.RLock()
	names := make([]string, 0, len(n.keyspaces))
	for name := range n.keyspaces {
		names = append(names, name)
	}
	slices.Sort(names)
	rows := make([][]any, 0, len(names))
	for _, name := range names {
		rows = append(rows, []any{name, n.keyspaces[name]})
	}
	n.mu.RUnlock()

	columns := []frame.ColumnSpec{
		{Keyspace: "system_schema", Table: "keyspaces", Name: "keyspace_name", Type: marshal.Native(marshal.TypeVarchar)},
		{Keyspace: "system_schema", Table: "keyspaces", Name: "replication",
			Type: marshal.MapOf(marshal.Native(marshal.TypeVarchar), marshal.Native(marshal.TypeVarchar))},
	}

	return n.rowsReply(columns, rows)
}

// FakeCluster is a set of FakeNodes that report each other as peers.
type FakeCluster struct {
	Nodes []*FakeNode
}

// StartFakeCluster starts n nodes in datacenter dc with evenly spread
// tokens.
//
// Parameters:
//   - t: The testing context
//   - n: Number of nodes
//   - opts: Options applied to every node
//
// Returns:
//   - *FakeCluster: The running cluster
func StartFakeCluster(t testing.TB, n int, opts ...FakeNodeOption) *FakeCluster {
	t.Helper()

	cluster := &FakeCluster{}
	step := uint64(1<<64-1) / uint64(n)
	for i := range n {
		token := int64(uint64(1<<63) + uint64(i)*step) // spread over the signed range
		node := StartFakeNode(t, opts...)
		node.mu.Lock()
		node.info.Tokens = []string{fmt.Sprintf("%d", token)}
		node.mu.Unlock()
		cluster.Nodes = append(cluster.Nodes, node)
	}
	for _, node := range cluster.Nodes {
		node.SetPeers(cluster.Nodes...)
	}

	return cluster
}

// ContactPoints returns the addresses of every node.
func (c *FakeCluster) ContactPoints() []string {
	addrs := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		addrs = append(addrs, n.Address())
	}

	return addrs
}

// SetHandler sets h on every node.
func (c *FakeCluster) SetHandler(h Handler) {
	for _, n := range c.Nodes {
		n.SetHandler(h)
	}
}

// SetKeyspace reports a keyspace on every node.
func (c *FakeCluster) SetKeyspace(name string, replication map[string]string) {
	for _, n := range c.Nodes {
		n.SetKeyspace(name, replication)
	}
}

// Node returns the node listening on addr.
func (c *FakeCluster) Node(addr netip.AddrPort) (*FakeNode, error) {
	for _, n := range c.Nodes {
		if n.addr == addr {
			return n, nil
		}
	}

	return nil, errors.New("testutil: no fake node at " + addr.String())
}
