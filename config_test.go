package cqlwire

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/compress"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/types"
)

func applyOptions(opts ...Option) *ClusterConfig {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.normalize()

	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 9042, cfg.Port)
	assert.Equal(t, frame.Version4, cfg.ProtoVersion)
	assert.Equal(t, int32(5000), cfg.PageSize)
	assert.Equal(t, types.LocalOne, cfg.DefaultProfile.Consistency)
	assert.Equal(t, types.Serial, cfg.DefaultProfile.SerialConsistency)
	assert.Equal(t, 12*time.Second, cfg.DefaultProfile.RequestTimeout)
	assert.IsType(t, &policy.TokenAware{}, cfg.DefaultProfile.LoadBalancing)
	assert.IsType(t, policy.DefaultRetry{}, cfg.DefaultProfile.Retry)
	assert.IsType(t, policy.NoSpeculativeExecution{}, cfg.DefaultProfile.Speculative)
	assert.Equal(t, DefaultPreparedCacheWarnThreshold, cfg.PreparedCacheWarnThreshold)
	assert.NotNil(t, cfg.TimestampProvider)
	assert.Same(t, marshal.Default, cfg.Types)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Metrics)
}

func TestOptions(t *testing.T) {
	rr := policy.NewRoundRobin()
	retry := policy.NewFallthroughRetry()
	spec := policy.NewConstantSpeculativeExecution(10*time.Millisecond, 2)

	cfg := applyOptions(
		WithPort(19042),
		WithKeyspace("app"),
		WithProtoVersion(frame.Version5),
		WithCompressor(compress.LZ4{}),
		WithCredentials("user", "pass"),
		WithConnectTimeout(time.Second),
		WithHeartbeat(0, 0),
		WithPoolSize(2, 4, 1, 2),
		WithLocalDatacenter("dc2"),
		WithRefreshDebounce(time.Millisecond),
		WithPageSize(100),
		WithConsistency(types.Quorum),
		WithSerialConsistency(types.LocalSerial),
		WithLoadBalancing(rr),
		WithRetryPolicy(retry),
		WithSpeculativeExecution(spec),
		WithRequestTimeout(time.Second),
		WithPreparedCacheWarnThreshold(10),
		WithTimestampProvider(nil),
	)

	assert.Equal(t, 19042, cfg.Port)
	assert.Equal(t, "app", cfg.Keyspace)
	assert.Equal(t, frame.Version5, cfg.ProtoVersion)
	assert.Equal(t, compress.LZ4{}, cfg.Compressor)
	assert.NotNil(t, cfg.Authenticator)
	assert.Equal(t, time.Second, cfg.ConnectTimeout)
	assert.Zero(t, cfg.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Pool.LocalCore)
	assert.Equal(t, 4, cfg.Pool.LocalMax)
	assert.Equal(t, 1, cfg.Pool.RemoteCore)
	assert.Equal(t, 2, cfg.Pool.RemoteMax)
	assert.Equal(t, "dc2", cfg.LocalDatacenter)
	assert.Equal(t, time.Millisecond, cfg.RefreshDebounce)
	assert.Equal(t, int32(100), cfg.PageSize)
	assert.Equal(t, types.Quorum, cfg.DefaultProfile.Consistency)
	assert.Equal(t, types.LocalSerial, cfg.DefaultProfile.SerialConsistency)
	assert.Same(t, rr, cfg.DefaultProfile.LoadBalancing)
	assert.Equal(t, retry, cfg.DefaultProfile.Retry)
	assert.Same(t, spec, cfg.DefaultProfile.Speculative)
	assert.Equal(t, time.Second, cfg.DefaultProfile.RequestTimeout)
	assert.Equal(t, 10, cfg.PreparedCacheWarnThreshold)
	assert.Nil(t, cfg.TimestampProvider)
}

func TestNormalize(t *testing.T) {
	cfg := &ClusterConfig{ProtoVersion: 42}
	cfg.normalize()

	assert.Equal(t, 9042, cfg.Port)
	assert.Equal(t, frame.Version4, cfg.ProtoVersion)
	assert.NotNil(t, cfg.Reconnection)
	assert.Equal(t, types.LocalOne, cfg.DefaultProfile.Consistency)
	assert.NotNil(t, cfg.DefaultProfile.LoadBalancing)
	assert.NotNil(t, cfg.DefaultProfile.Retry)
	assert.NotNil(t, cfg.DefaultProfile.Speculative)
	assert.Same(t, marshal.Default, cfg.Types)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Metrics)
}

func TestExecutionProfileInherit(t *testing.T) {
	base := DefaultExecutionProfile()
	base.Consistency = types.LocalQuorum

	named := ExecutionProfile{Consistency: types.One, RequestTimeout: time.Second}.inherit(base)
	assert.Equal(t, types.One, named.Consistency)
	assert.Equal(t, types.Serial, named.SerialConsistency)
	assert.Equal(t, time.Second, named.RequestTimeout)
	assert.Same(t, base.LoadBalancing, named.LoadBalancing)
	assert.Equal(t, base.Retry, named.Retry)

	empty := ExecutionProfile{}.inherit(base)
	assert.Equal(t, types.LocalQuorum, empty.Consistency, "ANY means inherit")
}

const sampleConfig = `
contact_points: ["10.0.0.1", "10.0.0.2:9043"]
port: 9142
keyspace: app
local_datacenter: dc1
protocol_version: 4
compression: snappy
connect_timeout: 3s
page_size: 500
auth:
  username: app
  password: secret
heartbeat:
  interval: 15s
  timeout: 5s
pool:
  local_core: 2
  local_max: 8
reconnection:
  type: constant
  base: 2s
refresh_debounce: 500ms
prepared_cache_warn_threshold: 200
profiles:
  default:
    consistency: LOCAL_QUORUM
    load_balancing:
      type: token_aware
      child: dc_aware
      shuffle_replicas: true
    retry:
      type: default
      idempotence_aware: true
    request_timeout: 5s
  analytics:
    consistency: ONE
    serial_consistency: LOCAL_SERIAL
    load_balancing:
      type: latency_aware
      child: round_robin
      latency_absolute_max: 200ms
    retry:
      type: always
      max_retries: 5
    speculative:
      delay: 50ms
      max: 2
`

func TestParseConfig(t *testing.T) {
	f, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2:9043"}, f.ContactPoints)
	assert.Equal(t, 3*time.Second, f.ConnectTimeout)
	assert.Equal(t, 15*time.Second, f.Heartbeat.Interval)
	assert.Equal(t, types.LocalQuorum, f.Profiles["default"].Consistency)
	assert.Equal(t, types.LocalSerial, f.Profiles["analytics"].SerialConsistency)
	assert.Equal(t, 50*time.Millisecond, f.Profiles["analytics"].Speculative.Delay)

	opts, err := f.Options()
	require.NoError(t, err)
	cfg := applyOptions(opts...)

	assert.Equal(t, 9142, cfg.Port)
	assert.Equal(t, "app", cfg.Keyspace)
	assert.Equal(t, "dc1", cfg.LocalDatacenter)
	assert.Equal(t, compress.Snappy{}, cfg.Compressor)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, int32(500), cfg.PageSize)
	assert.NotNil(t, cfg.Authenticator)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 2, cfg.Pool.LocalCore)
	assert.Equal(t, 8, cfg.Pool.LocalMax)
	assert.Equal(t, policy.NewConstantReconnection(2*time.Second), cfg.Reconnection)
	assert.Equal(t, 500*time.Millisecond, cfg.RefreshDebounce)
	assert.Equal(t, 200, cfg.PreparedCacheWarnThreshold)

	def := cfg.DefaultProfile
	assert.Equal(t, types.LocalQuorum, def.Consistency)
	assert.Equal(t, types.Serial, def.SerialConsistency)
	assert.Equal(t, 5*time.Second, def.RequestTimeout)
	assert.IsType(t, &policy.TokenAware{}, def.LoadBalancing)
	assert.IsType(t, &policy.IdempotenceAwareRetry{}, def.Retry)
	assert.IsType(t, policy.NoSpeculativeExecution{}, def.Speculative)

	analytics, ok := cfg.Profiles["analytics"]
	require.True(t, ok)
	assert.Equal(t, types.One, analytics.Consistency)
	assert.Equal(t, types.LocalSerial, analytics.SerialConsistency)
	assert.Zero(t, analytics.RequestTimeout, "named profiles inherit when the session starts")
	assert.IsType(t, &policy.LatencyAware{}, analytics.LoadBalancing)
	assert.IsType(t, &policy.AlwaysRetry{}, analytics.Retry)
	assert.IsType(t, &policy.ConstantSpeculativeExecution{}, analytics.Speculative)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "contact_points: [", "failed to parse"},
		{"bad consistency", "profiles:\n  p:\n    consistency: SOMETIMES\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestFileConfigOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  FileConfig
		want string
	}{
		{"protocol", FileConfig{ProtoVersion: 9}, "unsupported protocol_version 9"},
		{"compression", FileConfig{Compression: "zstd"}, "zstd"},
		{"reconnection", FileConfig{Reconnection: ReconnectionFileConfig{Type: "linear"}}, `unknown reconnection type "linear"`},
		{"load balancing", FileConfig{Profiles: map[string]ProfileFileConfig{
			"p": {LoadBalancing: &LoadBalancingFileConfig{Type: "random"}},
		}}, `profile "p": unknown load balancing type "random"`},
		{"token aware child", FileConfig{Profiles: map[string]ProfileFileConfig{
			"p": {LoadBalancing: &LoadBalancingFileConfig{Type: "token_aware", Child: "token_aware"}},
		}}, `unknown load balancing type "token_aware"`},
		{"retry", FileConfig{Profiles: map[string]ProfileFileConfig{
			"p": {Retry: &RetryFileConfig{Type: "never"}},
		}}, `unknown retry type "never"`},
		{"serial", FileConfig{Profiles: map[string]ProfileFileConfig{
			"p": {SerialConsistency: types.Quorum},
		}}, "serial_consistency must be SERIAL or LOCAL_SERIAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Options()
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cqlwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	f, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "app", f.Keyspace)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestNewSessionFromFileWithoutContactPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cqlwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keyspace: app\n"), 0o600))

	_, err := NewSessionFromFile(t.Context(), path)
	require.ErrorIs(t, err, ErrNoContactPointsInFile)
}
