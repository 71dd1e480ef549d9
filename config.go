package cqlwire

import (
	"crypto/tls"
	"time"

	"github.com/arloliu/cqlwire/conn"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/internal/metrics"
	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/topology"
	"github.com/arloliu/cqlwire/types"
)

// DefaultPreparedCacheWarnThreshold is the prepared statement count above
// which the session logs a warning. The cache itself is never trimmed.
const DefaultPreparedCacheWarnThreshold = 1000

// TimestampProvider generates client side timestamps for statements
// without an explicit one.
//
// The default provider uses time.Now().UnixMicro().
type TimestampProvider func() int64

// DefaultTimestampProvider returns the current time in microseconds.
func DefaultTimestampProvider() int64 {
	return time.Now().UnixMicro()
}

// ExecutionProfile groups the per-request settings a statement can select
// by name. Zero fields of named profiles inherit from the default profile,
// so a profile cannot select ANY consistency.
type ExecutionProfile struct {
	Consistency       types.Consistency
	SerialConsistency types.Consistency

	LoadBalancing policy.LoadBalancingPolicy
	Retry         policy.RetryPolicy
	Speculative   policy.SpeculativeExecutionPolicy

	// RequestTimeout bounds a whole execution, retries and speculative
	// attempts included. Zero means only the caller context applies.
	RequestTimeout time.Duration
}

// DefaultExecutionProfile returns LOCAL_ONE, token aware round robin,
// the default retry policy, no speculative execution and a 12s timeout.
func DefaultExecutionProfile() ExecutionProfile {
	return ExecutionProfile{
		Consistency:       types.LocalOne,
		SerialConsistency: types.Serial,
		LoadBalancing:     policy.NewTokenAware(policy.NewDCAwareRoundRobin()),
		Retry:             policy.NewDefaultRetry(),
		Speculative:       policy.NoSpeculativeExecution{},
		RequestTimeout:    12 * time.Second,
	}
}

// inherit fills the unset fields of p from base.
func (p ExecutionProfile) inherit(base ExecutionProfile) ExecutionProfile {
	if p.Consistency == types.Any {
		p.Consistency = base.Consistency
	}
	if p.SerialConsistency == types.Any {
		p.SerialConsistency = base.SerialConsistency
	}
	if p.LoadBalancing == nil {
		p.LoadBalancing = base.LoadBalancing
	}
	if p.Retry == nil {
		p.Retry = base.Retry
	}
	if p.Speculative == nil {
		p.Speculative = base.Speculative
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = base.RequestTimeout
	}

	return p
}

// ClusterConfig holds the configuration of a Session.
type ClusterConfig struct {
	// Port is used for contact points given without one.
	Port int

	// Keyspace is selected on every connection. Statements may still name
	// other keyspaces in their CQL.
	Keyspace string

	// ProtoVersion is the protocol version tried first. Connecting lowers
	// it, down to v3, when the server rejects it.
	ProtoVersion frame.ProtoVersion

	Compressor    frame.Compressor
	Authenticator conn.Authenticator
	TLSConfig     *tls.Config

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Pool sizes the per-host connection pools.
	Pool conn.PoolConfig

	// Reconnection paces the control connection and pool reconnects.
	Reconnection policy.ReconnectionPolicy

	// LocalDatacenter overrides the datacenter of the first connected
	// host as the local one.
	LocalDatacenter string

	// RefreshDebounce coalesces topology and schema events.
	RefreshDebounce time.Duration

	// PageSize is the default number of rows per page. Zero or less
	// disables paging.
	PageSize int32

	DefaultProfile ExecutionProfile
	Profiles       map[string]ExecutionProfile

	PreparedCacheWarnThreshold int

	TimestampProvider TimestampProvider

	// DrainWatcher takes hosts out of rotation while they are drained.
	DrainWatcher topology.DrainWatcher

	// EventListeners receive host and schema events from the control
	// connection.
	EventListeners []topology.Listener

	Trackers []RequestTracker

	// Types serializes bound values and decodes rows.
	// Default: marshal.Default
	Types *marshal.Registry

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// DefaultConfig returns a ClusterConfig with sensible defaults.
//
// Returns:
//   - *ClusterConfig: Port 9042, protocol v4, 5000 row pages and the
//     default execution profile
func DefaultConfig() *ClusterConfig {
	return &ClusterConfig{
		Port:                       topology.DefaultPort,
		ProtoVersion:               frame.Version4,
		ConnectTimeout:             5 * time.Second,
		HeartbeatInterval:          30 * time.Second,
		HeartbeatTimeout:           10 * time.Second,
		Pool:                       conn.DefaultPoolConfig(),
		Reconnection:               policy.NewExponentialReconnection(time.Second, 10*time.Minute),
		RefreshDebounce:            topology.DefaultRefreshDebounce,
		PageSize:                   5000,
		DefaultProfile:             DefaultExecutionProfile(),
		Profiles:                   make(map[string]ExecutionProfile),
		PreparedCacheWarnThreshold: DefaultPreparedCacheWarnThreshold,
		TimestampProvider:          DefaultTimestampProvider,
		Types:                      marshal.Default,
		Metrics:                    metrics.NewNopMetrics(),
		Logger:                     logging.NewNopLogger(),
	}
}

// normalize replaces unset fields with their defaults.
func (c *ClusterConfig) normalize() {
	if c.Port <= 0 {
		c.Port = topology.DefaultPort
	}
	if !c.ProtoVersion.Valid() {
		c.ProtoVersion = frame.Version4
	}
	if c.Reconnection == nil {
		c.Reconnection = policy.NewExponentialReconnection(time.Second, 10*time.Minute)
	}
	c.DefaultProfile = c.DefaultProfile.inherit(DefaultExecutionProfile())
	if c.Types == nil {
		c.Types = marshal.Default
	}
	c.Logger = logging.OrNop(c.Logger)
	c.Metrics = metrics.OrNop(c.Metrics)
}

// connConfig derives the per-connection settings.
func (c *ClusterConfig) connConfig() conn.Config {
	cfg := conn.DefaultConfig()
	cfg.ProtoVersion = c.ProtoVersion
	cfg.Compressor = c.Compressor
	cfg.Authenticator = c.Authenticator
	cfg.TLSConfig = c.TLSConfig
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.HeartbeatTimeout = c.HeartbeatTimeout
	cfg.Logger = c.Logger
	cfg.Metrics = c.Metrics

	return cfg
}

// Option configures a ClusterConfig.
type Option func(*ClusterConfig)

// WithPort sets the port used for contact points without one.
func WithPort(port int) Option {
	return func(c *ClusterConfig) {
		c.Port = port
	}
}

// WithKeyspace sets the session keyspace.
//
// Parameters:
//   - keyspace: Keyspace selected with USE on every connection
//
// Returns:
//   - Option: Configuration option
func WithKeyspace(keyspace string) Option {
	return func(c *ClusterConfig) {
		c.Keyspace = keyspace
	}
}

// WithProtoVersion sets the protocol version tried first.
func WithProtoVersion(v frame.ProtoVersion) Option {
	return func(c *ClusterConfig) {
		c.ProtoVersion = v
	}
}

// WithCompressor enables frame compression, e.g. compress.LZ4{}.
func WithCompressor(comp frame.Compressor) Option {
	return func(c *ClusterConfig) {
		c.Compressor = comp
	}
}

// WithAuthenticator sets the authenticator used when servers require one.
func WithAuthenticator(auth conn.Authenticator) Option {
	return func(c *ClusterConfig) {
		c.Authenticator = auth
	}
}

// WithCredentials authenticates with PasswordAuthenticator.
//
// Parameters:
//   - username: Role name
//   - password: Role password
//
// Returns:
//   - Option: Configuration option
func WithCredentials(username, password string) Option {
	return func(c *ClusterConfig) {
		c.Authenticator = conn.PasswordAuthenticator{Username: username, Password: password}
	}
}

// WithTLSConfig enables TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *ClusterConfig) {
		c.TLSConfig = cfg
	}
}

// WithConnectTimeout bounds dialing and the handshake of one connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *ClusterConfig) {
		c.ConnectTimeout = d
	}
}

// WithHeartbeat sets the idle interval after which connections are probed
// and how long the probe may take. A zero interval disables heartbeats.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *ClusterConfig) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithPoolSize sets the core and maximum connections per host.
//
// Parameters:
//   - localCore, localMax: Connections to Local hosts
//   - remoteCore, remoteMax: Connections to Remote hosts
//
// Returns:
//   - Option: Configuration option
func WithPoolSize(localCore, localMax, remoteCore, remoteMax int) Option {
	return func(c *ClusterConfig) {
		c.Pool.LocalCore = localCore
		c.Pool.LocalMax = localMax
		c.Pool.RemoteCore = remoteCore
		c.Pool.RemoteMax = remoteMax
	}
}

// WithReconnection sets the reconnection policy of the control connection
// and the pools.
func WithReconnection(p policy.ReconnectionPolicy) Option {
	return func(c *ClusterConfig) {
		c.Reconnection = p
	}
}

// WithLocalDatacenter sets the local datacenter.
func WithLocalDatacenter(dc string) Option {
	return func(c *ClusterConfig) {
		c.LocalDatacenter = dc
	}
}

// WithRefreshDebounce sets how long topology and schema events are
// coalesced before the control connection refreshes.
func WithRefreshDebounce(d time.Duration) Option {
	return func(c *ClusterConfig) {
		c.RefreshDebounce = d
	}
}

// WithPageSize sets the default page size.
func WithPageSize(n int32) Option {
	return func(c *ClusterConfig) {
		c.PageSize = n
	}
}

// WithConsistency sets the consistency of the default profile.
func WithConsistency(cl types.Consistency) Option {
	return func(c *ClusterConfig) {
		c.DefaultProfile.Consistency = cl
	}
}

// WithSerialConsistency sets the serial consistency of the default profile.
func WithSerialConsistency(cl types.Consistency) Option {
	return func(c *ClusterConfig) {
		c.DefaultProfile.SerialConsistency = cl
	}
}

// WithLoadBalancing sets the load balancing policy of the default profile.
//
// Parameters:
//   - p: The policy, e.g. policy.NewTokenAware(policy.NewDCAwareRoundRobin())
//
// Returns:
//   - Option: Configuration option
func WithLoadBalancing(p policy.LoadBalancingPolicy) Option {
	return func(c *ClusterConfig) {
		c.DefaultProfile.LoadBalancing = p
	}
}

// WithRetryPolicy sets the retry policy of the default profile.
func WithRetryPolicy(p policy.RetryPolicy) Option {
	return func(c *ClusterConfig) {
		c.DefaultProfile.Retry = p
	}
}

// WithSpeculativeExecution sets the speculative execution policy of the
// default profile.
func WithSpeculativeExecution(p policy.SpeculativeExecutionPolicy) Option {
	return func(c *ClusterConfig) {
		c.DefaultProfile.Speculative = p
	}
}

// WithRequestTimeout sets the request timeout of the default profile.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *ClusterConfig) {
		c.DefaultProfile.RequestTimeout = d
	}
}

// WithExecutionProfile registers a named profile. Statements select it with
// WithProfile.
//
// Parameters:
//   - name: Profile name
//   - profile: Settings; zero fields inherit from the default profile
//
// Returns:
//   - Option: Configuration option
func WithExecutionProfile(name string, profile ExecutionProfile) Option {
	return func(c *ClusterConfig) {
		if c.Profiles == nil {
			c.Profiles = make(map[string]ExecutionProfile)
		}
		c.Profiles[name] = profile
	}
}

// WithPreparedCacheWarnThreshold sets the prepared statement count above
// which a warning is logged.
func WithPreparedCacheWarnThreshold(n int) Option {
	return func(c *ClusterConfig) {
		c.PreparedCacheWarnThreshold = n
	}
}

// WithTimestampProvider sets the client side timestamp generator. nil
// leaves timestamps to the server.
func WithTimestampProvider(p TimestampProvider) Option {
	return func(c *ClusterConfig) {
		c.TimestampProvider = p
	}
}

// WithDrainWatcher sets the watcher that takes drained hosts out of
// rotation.
//
// Parameters:
//   - w: A watcher such as topology.NewNATS(kv) or topology.NewLocal()
//
// Returns:
//   - Option: Configuration option
func WithDrainWatcher(w topology.DrainWatcher) Option {
	return func(c *ClusterConfig) {
		c.DrainWatcher = w
	}
}

// WithEventListener adds a listener for host and schema events.
func WithEventListener(l topology.Listener) Option {
	return func(c *ClusterConfig) {
		c.EventListeners = append(c.EventListeners, l)
	}
}

// WithRequestTracker adds a tracker notified about every execution.
func WithRequestTracker(t RequestTracker) Option {
	return func(c *ClusterConfig) {
		c.Trackers = append(c.Trackers, t)
	}
}

// WithTypeRegistry sets the registry used to serialize values and decode
// rows. Register TypeAdapters on it for custom types.
func WithTypeRegistry(r *marshal.Registry) Option {
	return func(c *ClusterConfig) {
		c.Types = r
	}
}

// WithLogger sets the logger.
//
// Parameters:
//   - logger: Logger implementation, e.g. zaplog.New(zap.L())
//
// Returns:
//   - Option: Configuration option
func WithLogger(logger types.Logger) Option {
	return func(c *ClusterConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector.
//
// Parameters:
//   - m: Collector implementation, e.g. vm.New()
//
// Returns:
//   - Option: Configuration option
func WithMetrics(m types.MetricsCollector) Option {
	return func(c *ClusterConfig) {
		c.Metrics = m
	}
}
