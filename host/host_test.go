package host

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(addr, dc string) *Host {
	return New(Info{
		ID:         uuid.New(),
		Addr:       netip.MustParseAddrPort(addr),
		Datacenter: dc,
		Rack:       "r1",
		Tokens:     []string{"-100", "100"},
	})
}

func TestHostState(t *testing.T) {
	h := newTestHost("10.0.0.1:9042", "dc1")
	require.True(t, h.IsUp())

	assert.True(t, h.SetState(StateDown))
	assert.False(t, h.SetState(StateDown))
	assert.Equal(t, StateDown, h.State())
	assert.Equal(t, "DOWN", h.State().String())

	assert.True(t, h.SetState(StateUp))
	assert.True(t, h.IsUp())
}

func TestHostInfoIsCopied(t *testing.T) {
	tokens := []string{"1", "2"}
	h := New(Info{Addr: netip.MustParseAddrPort("10.0.0.1:9042"), Tokens: tokens})
	tokens[0] = "changed"
	assert.Equal(t, []string{"1", "2"}, h.Tokens())

	info := h.Info()
	info.Tokens[1] = "changed"
	assert.Equal(t, []string{"1", "2"}, h.Tokens())

	same := New(h.Info())
	assert.True(t, h.SameMetadata(same))
	moved := New(Info{Addr: h.Addr(), Tokens: []string{"1", "3"}})
	assert.False(t, h.SameMetadata(moved))
}

func TestSetLookups(t *testing.T) {
	a := newTestHost("10.0.0.1:9042", "dc2")
	b := newTestHost("10.0.0.2:9042", "dc1")
	dup := newTestHost("10.0.0.1:9042", "dc3")

	s := NewSet(3, a, b, dup)
	require.Equal(t, 2, s.Len())
	assert.Equal(t, uint64(3), s.Version())
	assert.Equal(t, []*Host{a, b}, s.All())

	got, ok := s.ByAddr(netip.MustParseAddrPort("10.0.0.2:9042"))
	require.True(t, ok)
	assert.Same(t, b, got)

	got, ok = s.ByID(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = s.ByID(dup.ID())
	assert.False(t, ok)

	got, ok = s.ByIP(netip.MustParseAddr("::ffff:10.0.0.1"))
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.Equal(t, []string{"dc1", "dc2"}, s.Datacenters())
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, 0, r.Snapshot().Len())

	var (
		mu    sync.Mutex
		calls [][2]uint64
	)
	unsubscribe := r.Subscribe(func(prev, next *Set) {
		mu.Lock()
		calls = append(calls, [2]uint64{prev.Version(), next.Version()})
		mu.Unlock()
	})

	first := r.Replace([]*Host{newTestHost("10.0.0.1:9042", "dc1")})
	assert.Equal(t, uint64(1), first.Version())
	second := r.Replace([]*Host{newTestHost("10.0.0.1:9042", "dc1"), newTestHost("10.0.0.2:9042", "dc1")})
	assert.Equal(t, uint64(2), second.Version())
	assert.Same(t, second, r.Snapshot())

	unsubscribe()
	r.Replace(nil)

	assert.Equal(t, [][2]uint64{{0, 1}, {1, 2}}, calls)
	// Earlier snapshots stay intact.
	assert.Equal(t, 1, first.Len())
}

func TestRegistryConcurrentReaders(t *testing.T) {
	r := NewRegistry()
	hosts := []*Host{newTestHost("10.0.0.1:9042", "dc1"), newTestHost("10.0.0.2:9042", "dc1")}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				s := r.Snapshot()
				assert.Contains(t, []int{0, 1, 2}, s.Len())
				assert.Len(t, s.All(), s.Len())
			}
		}()
	}
	for i := range 100 {
		r.Replace(hosts[:i%3])
	}
	wg.Wait()
}

func TestDistanceCache(t *testing.T) {
	h := newTestHost("10.0.0.1:9042", "dc1")
	s1 := NewSet(1, h)
	s2 := NewSet(2, h)

	var c DistanceCache
	calls := 0
	fn := func(*Host) Distance {
		calls++
		return Remote
	}

	assert.Equal(t, Remote, c.Get(s1, h, fn))
	assert.Equal(t, Remote, c.Get(s1, h, fn))
	assert.Equal(t, 1, calls)

	c.Get(s2, h, fn)
	assert.Equal(t, 2, calls)

	c.Invalidate()
	c.Get(s2, h, fn)
	assert.Equal(t, 3, calls)

	assert.Equal(t, Local, Closest(Remote, Local))
	assert.Equal(t, Remote, Closest(Ignored, Remote))
	assert.Equal(t, "IGNORED", Ignored.String())
}
