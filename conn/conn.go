// Package conn implements connections to a single Cassandra node and the
// per-host pool that holds them.
//
// A [Conn] multiplexes concurrent requests over one socket by stream id.
// Each request takes a free id; when none is free the request waits until
// a response frees one. A reader goroutine matches responses to requests,
// hands pushed events to the configured handler and discards responses to
// requests whose caller gave up.
//
// Any socket error or malformed frame closes the connection: every pending
// request fails with a [types.ConnectionClosedError] and the connection is
// never used again. A [Pool] replaces closed connections in the background.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/types"
)

// VersionError is returned by Dial when the server rejects the requested
// protocol version. Callers may retry with a lower version.
type VersionError struct {
	Requested frame.ProtoVersion
	Message   string
}

// Error implements the error interface.
func (e *VersionError) Error() string {
	return fmt.Sprintf("cqlwire: protocol version %s not supported by server: %s", e.Requested, e.Message)
}

type result struct {
	frame *frame.Frame
	err   error
}

type call struct {
	resp chan result
}

// Conn is one multiplexed connection to a node. It is safe for concurrent
// use.
type Conn struct {
	addr string
	cfg  Config
	nc   net.Conn

	codec   atomic.Pointer[frame.Codec]
	streams *streamPool

	writeMu sync.Mutex

	mu     sync.Mutex
	calls  map[int16]*call
	closed bool
	err    error

	keyspace     atomic.Pointer[string]
	lastActivity atomic.Int64 // Unix nano of the last frame read

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to addr and runs the handshake: OPTIONS, STARTUP with the
// negotiated compression, SASL authentication and an optional USE.
//
// Parameters:
//   - ctx: Bounds dialing and the handshake together with ConnectTimeout
//   - addr: host:port of the node
//   - cfg: Connection settings
//
// Returns:
//   - *Conn: A ready connection
//   - error: Dial errors, *VersionError, *types.AuthenticationError or
//     *types.ProtocolError
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg.normalize()
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	nc, err := cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cqlwire: dial %s: %w", addr, err)
	}
	if cfg.TLSConfig != nil {
		tlsConfig := cfg.TLSConfig.Clone()
		if tlsConfig.ServerName == "" {
			if h, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
				tlsConfig.ServerName = h
			}
		}
		tlsConn := tls.Client(nc, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("cqlwire: tls handshake with %s: %w", addr, err)
		}
		nc = tlsConn
	}

	c := newConn(addr, nc, cfg)
	go c.readLoop()

	if err := c.startup(ctx); err != nil {
		c.closeWithError(err)
		return nil, err
	}
	if cfg.Keyspace != "" {
		if err := c.UseKeyspace(ctx, cfg.Keyspace); err != nil {
			c.closeWithError(err)
			return nil, err
		}
	}

	cfg.Metrics.IncConnectionOpened(addr)
	if cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	cfg.Logger.Debug("connection established",
		"addr", addr,
		"version", c.Version().String(),
		"compression", compressorName(c.codec.Load().Compressor()),
	)

	return c, nil
}

func newConn(addr string, nc net.Conn, cfg Config) *Conn {
	c := &Conn{
		addr:    addr,
		cfg:     cfg,
		nc:      nc,
		streams: newStreamPool(cfg.streamLimit()),
		calls:   make(map[int16]*call),
		done:    make(chan struct{}),
	}
	c.codec.Store(frame.NewCodec(cfg.ProtoVersion, nil))
	empty := ""
	c.keyspace.Store(&empty)
	c.lastActivity.Store(time.Now().UnixNano())

	return c
}

func compressorName(comp frame.Compressor) string {
	if comp == nil {
		return "none"
	}

	return comp.Name()
}

// Addr returns the address the connection was dialed with.
func (c *Conn) Addr() string { return c.addr }

// RemoteAddr returns the resolved peer address of the socket. It differs
// from Addr when the node was dialed by hostname.
func (c *Conn) RemoteAddr() netip.AddrPort {
	if tcp, ok := c.nc.RemoteAddr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(c.addr)

	return ap
}

// Version returns the protocol version of the connection.
func (c *Conn) Version() frame.ProtoVersion { return c.codec.Load().Version() }

// Keyspace returns the keyspace selected on the connection.
func (c *Conn) Keyspace() string { return *c.keyspace.Load() }

// InFlight returns the number of requests awaiting a response, including
// requests whose caller gave up.
func (c *Conn) InFlight() int { return c.streams.inFlight() }

// StreamLimit returns the number of stream ids of the connection.
func (c *Conn) StreamLimit() int { return c.streams.limit }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection is closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the error that closed the connection, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Close closes the connection. Pending requests fail with
// types.ErrConnectionClosed.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

// Send sends req and waits for its response.
//
// Parameters:
//   - ctx: Bounds waiting for a stream id and for the response
//   - req: Request to send
//
// Returns:
//   - *frame.Frame: The response frame
//   - error: The typed server error for ERROR responses, ctx errors, or
//     *types.ConnectionClosedError
func (c *Conn) Send(ctx context.Context, req frame.Request) (*frame.Frame, error) {
	return c.SendFrame(ctx, &frame.Frame{Message: req})
}

// SendFrame is Send for requests that carry tracing or a custom payload.
// The stream id of f is assigned by the connection.
//
// Parameters:
//   - ctx: Bounds waiting for a stream id and for the response
//   - f: Request frame
//
// Returns:
//   - *frame.Frame: The response frame
//   - error: See Send
func (c *Conn) SendFrame(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	res, err := c.roundTrip(ctx, f)
	if err != nil {
		return nil, err
	}
	if e, ok := res.Message.(*frame.ErrorResponse); ok {
		return res, e.Err()
	}

	return res, nil
}

func (c *Conn) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &types.ConnectionClosedError{Host: c.addr, Cause: c.err}
}

func (c *Conn) roundTrip(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	if c.Closed() {
		return nil, c.closedError()
	}

	id, err := c.streams.acquire(ctx)
	if err != nil {
		return nil, err
	}

	cl := &call{resp: make(chan result, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.streams.release(id)
		return nil, c.closedError()
	}
	c.calls[id] = cl
	c.mu.Unlock()

	req := *f
	req.Header.Stream = id
	buf, err := c.codec.Load().Encode(nil, &req)
	if err != nil {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
		c.streams.release(id)
		return nil, err
	}

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = c.nc.SetWriteDeadline(deadline)
	_, err = c.nc.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		c.closeWithError(fmt.Errorf("write: %w", err))
		return nil, c.closedError()
	}

	select {
	case res := <-cl.resp:
		return res.frame, res.err
	case <-ctx.Done():
		// The stream stays reserved until the response arrives.
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	r := bufio.NewReaderSize(c.nc, 64<<10)
	headerBuf := make([]byte, 9)
	for {
		h, err := frame.ReadHeader(r, headerBuf)
		if err != nil {
			c.closeWithError(readError(err))
			return
		}
		body := make([]byte, h.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			c.closeWithError(readError(err))
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())

		f, err := c.codec.Load().Decode(h, body)
		if err != nil {
			c.closeWithError(err)
			return
		}

		if h.Stream == frame.EventStream {
			c.dispatchEvent(f)
			continue
		}

		c.mu.Lock()
		cl, ok := c.calls[h.Stream]
		delete(c.calls, h.Stream)
		c.mu.Unlock()
		if !ok {
			c.cfg.Logger.Debug("discarding response for unknown stream", "addr", c.addr, "stream", h.Stream)
			continue
		}
		c.streams.release(h.Stream)
		cl.resp <- result{frame: f}
	}
}

func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read: %w", err)
	}

	return err
}

func (c *Conn) dispatchEvent(f *frame.Frame) {
	ev, ok := f.Message.(frame.Event)
	if !ok {
		c.cfg.Logger.Warn("unexpected message on event stream", "addr", c.addr, "op", f.Header.Op.String())
		return
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// closeWithError closes the socket once and fails every pending call.
func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		calls := c.calls
		c.calls = make(map[int16]*call)
		c.mu.Unlock()

		close(c.done)
		_ = c.nc.Close()

		closed := &types.ConnectionClosedError{Host: c.addr, Cause: err}
		for id, cl := range calls {
			c.streams.release(id)
			cl.resp <- result{err: closed}
		}

		if err != nil {
			c.cfg.Logger.Warn("connection closed", "addr", c.addr, "error", err)
		} else {
			c.cfg.Logger.Debug("connection closed", "addr", c.addr)
		}
		c.cfg.Metrics.IncConnectionClosed(c.addr)
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(c, err)
		}
	})
}

func (c *Conn) heartbeatLoop() {
	interval := c.cfg.HeartbeatInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
		}

		idle := time.Since(time.Unix(0, c.lastActivity.Load()))
		if idle < interval {
			timer.Reset(interval - idle)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatTimeout)
		_, err := c.Send(ctx, &frame.Options{})
		cancel()
		if err != nil {
			c.closeWithError(fmt.Errorf("heartbeat failed: %w", err))
			return
		}
		timer.Reset(interval)
	}
}

// UseKeyspace selects keyspace on the connection.
//
// Parameters:
//   - ctx: Request context
//   - keyspace: Keyspace name
//
// Returns:
//   - error: Server errors such as an unknown keyspace
func (c *Conn) UseKeyspace(ctx context.Context, keyspace string) error {
	if keyspace == c.Keyspace() {
		return nil
	}

	res, err := c.Send(ctx, &frame.Query{
		Statement: `USE "` + strings.ReplaceAll(keyspace, `"`, `""`) + `"`,
		Params:    frame.QueryParams{Consistency: types.One},
	})
	if err != nil {
		return err
	}
	if _, ok := res.Message.(*frame.SetKeyspaceResult); !ok {
		return types.NewProtocolError("unexpected %s response to USE", res.Header.Op)
	}
	c.keyspace.Store(&keyspace)

	return nil
}

func (c *Conn) startup(ctx context.Context) error {
	res, err := c.roundTrip(ctx, &frame.Frame{Message: &frame.Options{}})
	if err != nil {
		return err
	}
	supported, err := c.expect(res, frame.OpSupported)
	if err != nil {
		return err
	}

	options := map[string]string{"CQL_VERSION": c.cfg.CQLVersion}
	if comp := c.cfg.Compressor; comp != nil {
		algos := supported.(*frame.Supported).Options["COMPRESSION"]
		if containsFold(algos, comp.Name()) {
			options["COMPRESSION"] = comp.Name()
			c.codec.Store(c.codec.Load().WithCompressor(comp))
		} else {
			c.cfg.Logger.Warn("server does not support compression, continuing without",
				"addr", c.addr, "compression", comp.Name(), "supported", algos)
		}
	}

	res, err = c.roundTrip(ctx, &frame.Frame{Message: &frame.Startup{Options: options}})
	if err != nil {
		return err
	}
	switch msg := res.Message.(type) {
	case *frame.Ready:
		return nil
	case *frame.Authenticate:
		return c.authenticate(ctx, msg.Authenticator)
	}
	_, err = c.expect(res, frame.OpReady)

	return err
}

// expect checks the opcode of a handshake response and converts ERROR
// responses into errors, recognizing protocol version rejections.
func (c *Conn) expect(res *frame.Frame, op frame.Op) (frame.Message, error) {
	if e, ok := res.Message.(*frame.ErrorResponse); ok {
		if e.Code == types.CodeProtocolError &&
			(res.Header.Version != c.Version() || strings.Contains(strings.ToLower(e.Message), "protocol version")) {
			return nil, &VersionError{Requested: c.Version(), Message: e.Message}
		}
		return nil, e.Err()
	}
	if res.Header.Op != op {
		return nil, types.NewProtocolError("unexpected %s response during handshake, want %s", res.Header.Op, op)
	}

	return res.Message, nil
}

func (c *Conn) authenticate(ctx context.Context, class string) error {
	if c.cfg.Authenticator == nil {
		return &types.AuthenticationError{Host: c.addr,
			Message: "server requires authentication with " + class + " but no authenticator is configured"}
	}

	token, next, err := c.cfg.Authenticator.Challenge([]byte(class))
	if err != nil {
		return &types.AuthenticationError{Host: c.addr, Cause: err}
	}

	for {
		res, err := c.roundTrip(ctx, &frame.Frame{Message: &frame.AuthResponse{Token: token}})
		if err != nil {
			return err
		}

		switch msg := res.Message.(type) {
		case *frame.AuthChallenge:
			if next == nil {
				return &types.AuthenticationError{Host: c.addr, Message: "unexpected authentication challenge"}
			}
			token, next, err = next.Challenge(msg.Token)
			if err != nil {
				return &types.AuthenticationError{Host: c.addr, Cause: err}
			}
		case *frame.AuthSuccess:
			if next != nil {
				if err := next.Success(msg.Token); err != nil {
					return &types.AuthenticationError{Host: c.addr, Cause: err}
				}
			}
			return nil
		case *frame.ErrorResponse:
			var authErr *types.AuthenticationError
			if err := msg.Err(); errors.As(err, &authErr) {
				authErr.Host = c.addr
				return authErr
			}
			return &types.AuthenticationError{Host: c.addr, Cause: msg.Err()}
		default:
			return types.NewProtocolError("unexpected %s response during authentication", res.Header.Op)
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}

	return false
}
