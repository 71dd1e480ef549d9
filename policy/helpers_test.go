package policy

import (
	"net/netip"

	"github.com/google/uuid"

	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/internal/metrics"
	"github.com/arloliu/cqlwire/token"
)

type fakeView struct {
	set     *host.Set
	tm      *token.Map
	localDC string
}

func (v *fakeView) Hosts() *host.Set        { return v.set }
func (v *fakeView) TokenMap() *token.Map    { return v.tm }
func (v *fakeView) LocalDatacenter() string { return v.localDC }

type fakeStmt struct {
	keyspace   string
	routingKey []byte
	idempotent bool
}

func (s fakeStmt) Keyspace() string   { return s.keyspace }
func (s fakeStmt) RoutingKey() []byte { return s.routingKey }
func (s fakeStmt) IsIdempotent() bool { return s.idempotent }

type tripCounter struct {
	metrics.NopMetrics
	trips int
	state int
}

func (m *tripCounter) IncCircuitBreakerTrip(string)           { m.trips++ }
func (m *tripCounter) SetCircuitBreakerState(_ string, s int) { m.state = s }

func newHost(i int, dc string, tokens ...string) *host.Host {
	return host.New(host.Info{
		ID:         uuid.New(),
		Addr:       netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 9042),
		Datacenter: dc,
		Rack:       "r1",
		Tokens:     tokens,
	})
}

func newView(localDC string, hosts ...*host.Host) *fakeView {
	return &fakeView{set: host.NewSet(1, hosts...), localDC: localDC}
}
