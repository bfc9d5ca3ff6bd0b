package client

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedistributorTestManager(t *testing.T, addrs []string) *RoutingManager {
	t.Helper()
	registry, err := NewEndpointRegistry(addrs)
	require.NoError(t, err)
	m := NewRoutingManager(RoutingManagerConfig{
		Registry: registry,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func bindSessions(m *RoutingManager, ep *Endpoint, n int, prefix string) {
	for i := 0; i < n; i++ {
		c := &Conn{}
		m.sessions.Bind(c, fmt.Sprintf("%s-%d", prefix, i), "tok", ep)
	}
}

// TestRedistributorOnRecoveryRebalances is spec §4.10's algorithm: after a
// recovered endpoint rejoins, excess sessions on overloaded survivors are
// force-invalidated down to the fleet average.
func TestRedistributorOnRecoveryRebalances(t *testing.T) {
	m := newRedistributorTestManager(t, []string{"a:1", "b:2"})
	eps := m.registry.AllEndpoints()
	a, b := eps[0], eps[1]

	// Pre-failure: 6 sessions survived on A, none on B (the just-recovered
	// endpoint). Total=6, healthyCount=2, target=3: A has 3 excess.
	bindSessions(m, a, 6, "a")

	m.redistributor.OnRecovery(b)

	assert.Equal(t, 3, m.sessions.SessionCount(a))
	assert.Equal(t, 0, m.sessions.SessionCount(b))
}

func TestRedistributorOnRecoveryNoExcessIsNoop(t *testing.T) {
	m := newRedistributorTestManager(t, []string{"a:1", "b:2"})
	eps := m.registry.AllEndpoints()
	a, b := eps[0], eps[1]
	bindSessions(m, a, 2, "a")

	m.redistributor.OnRecovery(b)

	assert.Equal(t, 2, m.sessions.SessionCount(a))
}

func TestRedistributorOnRecoveryClosesOnlyTheExcess(t *testing.T) {
	m := newRedistributorTestManager(t, []string{"a:1", "b:2"})
	eps := m.registry.AllEndpoints()
	a, b := eps[0], eps[1]
	bindSessions(m, a, 10, "a")

	// maxClosePerRecovery is a constant far above this excess, so its bound
	// is not exercised here; this asserts the algorithm never closes more
	// than the computed excess (10 - 5 = 5), i.e. never over-corrects.
	m.redistributor.OnRecovery(b)

	assert.Equal(t, 5, m.sessions.SessionCount(a))
}

func TestRedistributorOnRecoverySkipsWhenNoHealthyEndpoints(t *testing.T) {
	m := newRedistributorTestManager(t, []string{"a:1"})
	ep := m.registry.AllEndpoints()[0]
	m.registry.MarkUnhealthy(ep, nil)

	// Must not panic on an empty healthy set.
	m.redistributor.OnRecovery(ep)
}
