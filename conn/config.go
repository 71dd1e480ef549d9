package conn

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/internal/metrics"
	"github.com/arloliu/cqlwire/types"
)

// DefaultCQLVersion is sent in STARTUP.
const DefaultCQLVersion = "3.0.0"

// Dialer opens the transport of a connection.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// EventHandler receives server pushed events. It runs on the reader
// goroutine of the connection and must not block.
type EventHandler func(ev frame.Event)

// CloseHandler is called once when a connection closes. err is nil for an
// orderly Close.
type CloseHandler func(c *Conn, err error)

// Config holds the settings of a connection.
type Config struct {
	ProtoVersion frame.ProtoVersion
	CQLVersion   string

	// Compressor is used when the server supports it; nil disables
	// compression.
	Compressor frame.Compressor

	// Authenticator answers AUTHENTICATE; required when the server
	// demands authentication.
	Authenticator Authenticator

	// Keyspace is selected with USE after the handshake when non-empty.
	Keyspace string

	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
	Dialer         Dialer

	// HeartbeatInterval is the idle time after which an OPTIONS request
	// probes the connection. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// MaxRequests caps the in-flight requests below the stream ids of the
	// protocol version.
	MaxRequests int

	OnEvent EventHandler
	OnClose CloseHandler

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Protocol v4, 5s connect timeout, 30s heartbeats
func DefaultConfig() Config {
	return Config{
		ProtoVersion:      frame.Version4,
		CQLVersion:        DefaultCQLVersion,
		ConnectTimeout:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		MaxRequests:       2048,
	}
}

// Option configures a Config.
type Option func(*Config)

// NewConfig applies opts to DefaultConfig.
//
// Parameters:
//   - opts: Configuration options
//
// Returns:
//   - Config: The resulting configuration
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// WithProtoVersion sets the protocol version.
func WithProtoVersion(v frame.ProtoVersion) Option {
	return func(c *Config) {
		c.ProtoVersion = v
	}
}

// WithCompressor sets the body compressor.
func WithCompressor(comp frame.Compressor) Option {
	return func(c *Config) {
		c.Compressor = comp
	}
}

// WithAuthenticator sets the SASL authenticator.
func WithAuthenticator(auth Authenticator) Option {
	return func(c *Config) {
		c.Authenticator = auth
	}
}

// WithKeyspace selects a keyspace after the handshake.
func WithKeyspace(keyspace string) Option {
	return func(c *Config) {
		c.Keyspace = keyspace
	}
}

// WithConnectTimeout bounds dialing plus the handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// WithTLSConfig enables TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Config) {
		c.TLSConfig = cfg
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithHeartbeat sets the idle interval and the response timeout of
// heartbeats. A zero interval disables them.
//
// Parameters:
//   - interval: Idle time before a heartbeat
//   - timeout: Time allowed for the heartbeat response
//
// Returns:
//   - Option: Configuration option
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithMaxRequests caps the in-flight requests of one connection.
func WithMaxRequests(n int) Option {
	return func(c *Config) {
		c.MaxRequests = n
	}
}

// WithEventHandler sets the handler of server pushed events.
func WithEventHandler(fn EventHandler) Option {
	return func(c *Config) {
		c.OnEvent = fn
	}
}

// WithCloseHandler sets the handler called when a connection closes.
func WithCloseHandler(fn CloseHandler) Option {
	return func(c *Config) {
		c.OnClose = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l types.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// streamLimit returns the number of usable stream ids.
func (c *Config) streamLimit() int {
	limit := c.ProtoVersion.MaxStreams()
	if c.MaxRequests > 0 && c.MaxRequests < limit {
		limit = c.MaxRequests
	}

	return limit
}

func (c *Config) normalize() {
	if !c.ProtoVersion.Valid() {
		c.ProtoVersion = frame.Version4
	}
	if c.CQLVersion == "" {
		c.CQLVersion = DefaultCQLVersion
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.ConnectTimeout, KeepAlive: 30 * time.Second}
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = c.HeartbeatInterval
	}
	c.Logger = logging.OrNop(c.Logger)
	c.Metrics = metrics.OrNop(c.Metrics)
}
