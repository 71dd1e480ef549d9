package cqlwire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/cqlwire/compress"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/types"
)

// FileConfig is the YAML form of a session configuration:
//
//	contact_points: ["10.0.0.1", "10.0.0.2:9043"]
//	keyspace: app
//	local_datacenter: dc1
//	protocol_version: 4
//	compression: lz4
//	auth:
//	  username: app
//	  password: secret
//	pool:
//	  local_core: 2
//	  local_max: 8
//	profiles:
//	  default:
//	    consistency: LOCAL_QUORUM
//	    load_balancing:
//	      type: token_aware
//	      child: dc_aware
//	    retry:
//	      type: default
//	      idempotence_aware: true
//	    request_timeout: 5s
//	  analytics:
//	    consistency: ONE
//	    speculative:
//	      delay: 50ms
//	      max: 2
type FileConfig struct {
	ContactPoints   []string      `yaml:"contact_points"`
	Port            int           `yaml:"port"`
	Keyspace        string        `yaml:"keyspace"`
	LocalDatacenter string        `yaml:"local_datacenter"`
	ProtoVersion    int           `yaml:"protocol_version"`
	Compression     string        `yaml:"compression"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PageSize        int32         `yaml:"page_size"`

	Auth      AuthFileConfig      `yaml:"auth"`
	Heartbeat HeartbeatFileConfig `yaml:"heartbeat"`
	Pool      PoolFileConfig      `yaml:"pool"`

	Reconnection    ReconnectionFileConfig `yaml:"reconnection"`
	RefreshDebounce time.Duration          `yaml:"refresh_debounce"`

	PreparedCacheWarnThreshold int `yaml:"prepared_cache_warn_threshold"`

	// Profiles holds the execution profiles; "default" configures the
	// default profile.
	Profiles map[string]ProfileFileConfig `yaml:"profiles"`
}

type AuthFileConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type HeartbeatFileConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PoolFileConfig struct {
	LocalCore  int `yaml:"local_core"`
	LocalMax   int `yaml:"local_max"`
	RemoteCore int `yaml:"remote_core"`
	RemoteMax  int `yaml:"remote_max"`
}

type ReconnectionFileConfig struct {
	Type     string        `yaml:"type"` // constant | exponential
	Base     time.Duration `yaml:"base"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type ProfileFileConfig struct {
	Consistency       types.Consistency `yaml:"consistency"`
	SerialConsistency types.Consistency `yaml:"serial_consistency"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`

	LoadBalancing *LoadBalancingFileConfig `yaml:"load_balancing"`
	Retry         *RetryFileConfig         `yaml:"retry"`
	Speculative   *SpeculativeFileConfig   `yaml:"speculative"`
}

type LoadBalancingFileConfig struct {
	Type  string `yaml:"type"`  // round_robin | dc_aware | token_aware | host_pool | latency_aware
	Child string `yaml:"child"` // child of token_aware and latency_aware, default dc_aware

	LocalDatacenter      string        `yaml:"local_datacenter"`
	UsedHostsPerRemoteDC int           `yaml:"used_hosts_per_remote_dc"`
	ShuffleReplicas      bool          `yaml:"shuffle_replicas"`
	DecayDuration        time.Duration `yaml:"decay_duration"`
	LatencyAbsoluteMax   time.Duration `yaml:"latency_absolute_max"`
	LatencyThreshold     int           `yaml:"latency_threshold"`
	LatencyResetTimeout  time.Duration `yaml:"latency_reset_timeout"`
}

type RetryFileConfig struct {
	Type             string `yaml:"type"` // default | downgrading | always | fallthrough
	MaxRetries       int    `yaml:"max_retries"`
	IdempotenceAware bool   `yaml:"idempotence_aware"`
}

type SpeculativeFileConfig struct {
	Delay time.Duration `yaml:"delay"`
	Max   int           `yaml:"max"`
}

// LoadConfigFile reads a YAML configuration file.
//
// Parameters:
//   - path: File to read
//
// Returns:
//   - *FileConfig: The parsed configuration
//   - error: Read or parse errors
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cqlwire: failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cqlwire: failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// Options converts the file configuration into session options. Settings
// missing from the file keep their defaults.
//
// Returns:
//   - []Option: Options for NewSession
//   - error: Unknown policy or compression names
func (f *FileConfig) Options() ([]Option, error) {
	var opts []Option
	add := func(opt Option) { opts = append(opts, opt) }

	if f.Port > 0 {
		add(WithPort(f.Port))
	}
	if f.Keyspace != "" {
		add(WithKeyspace(f.Keyspace))
	}
	if f.LocalDatacenter != "" {
		add(WithLocalDatacenter(f.LocalDatacenter))
	}
	if f.ProtoVersion != 0 {
		v := frame.ProtoVersion(f.ProtoVersion)
		if !v.Valid() {
			return nil, fmt.Errorf("cqlwire: unsupported protocol_version %d", f.ProtoVersion)
		}
		add(WithProtoVersion(v))
	}
	if f.Compression != "" {
		comp, err := compress.ByName(f.Compression)
		if err != nil {
			return nil, err
		}
		add(WithCompressor(comp))
	}
	if f.ConnectTimeout > 0 {
		add(WithConnectTimeout(f.ConnectTimeout))
	}
	if f.PageSize != 0 {
		add(WithPageSize(f.PageSize))
	}
	if f.Auth.Username != "" {
		add(WithCredentials(f.Auth.Username, f.Auth.Password))
	}
	if f.Heartbeat.Interval > 0 {
		add(WithHeartbeat(f.Heartbeat.Interval, f.Heartbeat.Timeout))
	}
	if f.Pool != (PoolFileConfig{}) {
		pool := f.Pool
		add(func(c *ClusterConfig) {
			if pool.LocalCore > 0 {
				c.Pool.LocalCore = pool.LocalCore
			}
			if pool.LocalMax > 0 {
				c.Pool.LocalMax = pool.LocalMax
			}
			if pool.RemoteCore > 0 {
				c.Pool.RemoteCore = pool.RemoteCore
			}
			if pool.RemoteMax > 0 {
				c.Pool.RemoteMax = pool.RemoteMax
			}
		})
	}
	if f.Reconnection.Type != "" {
		p, err := f.Reconnection.policy()
		if err != nil {
			return nil, err
		}
		add(WithReconnection(p))
	}
	if f.RefreshDebounce > 0 {
		add(WithRefreshDebounce(f.RefreshDebounce))
	}
	if f.PreparedCacheWarnThreshold > 0 {
		add(WithPreparedCacheWarnThreshold(f.PreparedCacheWarnThreshold))
	}

	for name, pf := range f.Profiles {
		profile, err := pf.profile(f.LocalDatacenter)
		if err != nil {
			return nil, fmt.Errorf("cqlwire: profile %q: %w", name, err)
		}
		if name == "default" {
			add(func(c *ClusterConfig) {
				c.DefaultProfile = profile.inherit(c.DefaultProfile)
			})
			continue
		}
		add(WithExecutionProfile(name, profile))
	}

	return opts, nil
}

func (r ReconnectionFileConfig) policy() (policy.ReconnectionPolicy, error) {
	base := r.Base
	if base <= 0 {
		base = time.Second
	}
	switch r.Type {
	case "constant":
		return policy.NewConstantReconnection(base), nil
	case "exponential":
		maxDelay := r.MaxDelay
		if maxDelay <= 0 {
			maxDelay = 10 * time.Minute
		}
		return policy.NewExponentialReconnection(base, maxDelay), nil
	}

	return nil, fmt.Errorf("cqlwire: unknown reconnection type %q", r.Type)
}

func (p ProfileFileConfig) profile(localDC string) (ExecutionProfile, error) {
	profile := ExecutionProfile{
		Consistency:       p.Consistency,
		SerialConsistency: p.SerialConsistency,
		RequestTimeout:    p.RequestTimeout,
	}
	if p.SerialConsistency != types.Any && !p.SerialConsistency.IsSerial() {
		return profile, fmt.Errorf("serial_consistency must be SERIAL or LOCAL_SERIAL, got %s", p.SerialConsistency)
	}

	var err error
	if p.LoadBalancing != nil {
		if profile.LoadBalancing, err = p.LoadBalancing.policy(localDC); err != nil {
			return profile, err
		}
	}
	if p.Retry != nil {
		if profile.Retry, err = p.Retry.policy(); err != nil {
			return profile, err
		}
	}
	if p.Speculative != nil {
		if p.Speculative.Delay <= 0 || p.Speculative.Max <= 0 {
			profile.Speculative = policy.NoSpeculativeExecution{}
		} else {
			profile.Speculative = policy.NewConstantSpeculativeExecution(p.Speculative.Delay, p.Speculative.Max)
		}
	}

	return profile, nil
}

func (l LoadBalancingFileConfig) policy(localDC string) (policy.LoadBalancingPolicy, error) {
	switch l.Type {
	case "token_aware":
		child, err := l.child(localDC)
		if err != nil {
			return nil, err
		}
		var opts []policy.TokenAwareOption
		if l.ShuffleReplicas {
			opts = append(opts, policy.WithShuffleReplicas())
		}
		return policy.NewTokenAware(child, opts...), nil
	case "latency_aware":
		child, err := l.child(localDC)
		if err != nil {
			return nil, err
		}
		var opts []policy.LatencyCircuitBreakerOption
		if l.LatencyAbsoluteMax > 0 {
			opts = append(opts, policy.WithLatencyAbsoluteMax(l.LatencyAbsoluteMax))
		}
		if l.LatencyThreshold > 0 {
			opts = append(opts, policy.WithLatencyThreshold(l.LatencyThreshold))
		}
		if l.LatencyResetTimeout > 0 {
			opts = append(opts, policy.WithLatencyResetTimeout(l.LatencyResetTimeout))
		}
		return policy.NewLatencyAware(child, policy.NewLatencyCircuitBreaker(opts...)), nil
	}

	return l.leaf(l.Type, localDC)
}

func (l LoadBalancingFileConfig) child(localDC string) (policy.LoadBalancingPolicy, error) {
	name := l.Child
	if name == "" {
		name = "dc_aware"
	}

	return l.leaf(name, localDC)
}

func (l LoadBalancingFileConfig) leaf(name, localDC string) (policy.LoadBalancingPolicy, error) {
	switch name {
	case "round_robin":
		return policy.NewRoundRobin(), nil
	case "dc_aware", "":
		var opts []policy.DCAwareOption
		dc := l.LocalDatacenter
		if dc == "" {
			dc = localDC
		}
		if dc != "" {
			opts = append(opts, policy.WithLocalDatacenter(dc))
		}
		if l.UsedHostsPerRemoteDC > 0 {
			opts = append(opts, policy.WithUsedHostsPerRemoteDC(l.UsedHostsPerRemoteDC))
		}
		return policy.NewDCAwareRoundRobin(opts...), nil
	case "host_pool":
		var opts []policy.HostPoolOption
		if l.DecayDuration > 0 {
			opts = append(opts, policy.WithDecayDuration(l.DecayDuration))
		}
		return policy.NewHostPool(opts...), nil
	}

	return nil, fmt.Errorf("unknown load balancing type %q", name)
}

func (r RetryFileConfig) policy() (policy.RetryPolicy, error) {
	var p policy.RetryPolicy
	switch r.Type {
	case "default", "":
		p = policy.NewDefaultRetry()
	case "downgrading":
		p = policy.NewDowngradingConsistencyRetry()
	case "always":
		var opts []policy.AlwaysRetryOption
		if r.MaxRetries > 0 {
			opts = append(opts, policy.WithMaxRetries(r.MaxRetries))
		}
		p = policy.NewAlwaysRetry(opts...)
	case "fallthrough":
		p = policy.NewFallthroughRetry()
	default:
		return nil, fmt.Errorf("unknown retry type %q", r.Type)
	}
	if r.IdempotenceAware {
		p = policy.NewIdempotenceAwareRetry(p)
	}

	return p, nil
}

// ErrNoContactPointsInFile is returned by NewSessionFromFile for files
// without contact points.
var ErrNoContactPointsInFile = errors.New("cqlwire: config file has no contact_points")

// NewSessionFromFile connects with the configuration in a YAML file. opts
// are applied after the file settings.
//
// Parameters:
//   - ctx: Bounds the initial connection
//   - path: YAML file
//   - opts: Extra options, e.g. WithLogger
//
// Returns:
//   - *Session: A connected session
//   - error: File, configuration or connection errors
func NewSessionFromFile(ctx context.Context, path string, opts ...Option) (*Session, error) {
	f, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	if len(f.ContactPoints) == 0 {
		return nil, ErrNoContactPointsInFile
	}
	fileOpts, err := f.Options()
	if err != nil {
		return nil, err
	}

	return NewSession(ctx, f.ContactPoints, append(fileOpts, opts...)...)
}
