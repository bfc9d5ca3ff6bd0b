package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoints(t *testing.T) {
	endpoints, backendURL, err := ParseEndpoints("jdbc:ojp[localhost:10591,localhost:10592]_jdbc:mysql://db/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:10591", "localhost:10592"}, endpoints)
	assert.Equal(t, "jdbc:mysql://db/test", backendURL)
}

func TestParseEndpointsSingle(t *testing.T) {
	endpoints, backendURL, err := ParseEndpoints("jdbc:ojp[localhost:10591]_jdbc:postgresql://db/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:10591"}, endpoints)
	assert.Equal(t, "jdbc:postgresql://db/test", backendURL)
}

func TestParseEndpointsMalformed(t *testing.T) {
	_, _, err := ParseEndpoints("jdbc:mysql://db/test")
	assert.Error(t, err)

	_, _, err = ParseEndpoints("jdbc:ojp[]_jdbc:mysql://db/test")
	assert.Error(t, err)
}

func TestNewEndpointRegistryStartsHealthy(t *testing.T) {
	r, err := NewEndpointRegistry([]string{"localhost:10591", "localhost:10592"})
	require.NoError(t, err)
	for _, ep := range r.AllEndpoints() {
		assert.True(t, ep.Healthy())
	}
	assert.Len(t, r.HealthyEndpoints(), 2)
}

func TestNewEndpointRegistryRejectsMalformedAddress(t *testing.T) {
	_, err := NewEndpointRegistry([]string{"localhost"})
	assert.Error(t, err)
}

func TestMarkUnhealthyThenHealthy(t *testing.T) {
	r, err := NewEndpointRegistry([]string{"localhost:10591", "localhost:10592"})
	require.NoError(t, err)
	ep := r.AllEndpoints()[0]

	var transitions []bool
	r.Subscribe(func(ep *Endpoint, healthy bool) { transitions = append(transitions, healthy) })

	r.MarkUnhealthy(ep, assert.AnError)
	assert.False(t, ep.Healthy())
	assert.Len(t, r.HealthyEndpoints(), 1)

	r.MarkHealthy(ep)
	assert.True(t, ep.Healthy())
	assert.Len(t, r.HealthyEndpoints(), 2)

	assert.Equal(t, []bool{false, true}, transitions)
}

func TestNextRoundRobinSkipsUnhealthy(t *testing.T) {
	r, err := NewEndpointRegistry([]string{"a:1", "b:2", "c:3"})
	require.NoError(t, err)
	unhealthy := r.AllEndpoints()[1]
	r.MarkUnhealthy(unhealthy, nil)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		ep := r.NextRoundRobin()
		require.NotNil(t, ep)
		seen[ep.Address()] = true
	}
	assert.False(t, seen["b:2"])
	assert.True(t, seen["a:1"])
	assert.True(t, seen["c:3"])
}

func TestNextRoundRobinNoHealthyEndpoints(t *testing.T) {
	r, err := NewEndpointRegistry([]string{"a:1"})
	require.NoError(t, err)
	r.MarkUnhealthy(r.AllEndpoints()[0], nil)
	assert.Nil(t, r.NextRoundRobin())
}

func TestUnhealthyOlderThan(t *testing.T) {
	r, err := NewEndpointRegistry([]string{"a:1", "b:2"})
	require.NoError(t, err)
	ep := r.AllEndpoints()[0]
	r.MarkUnhealthy(ep, nil)

	// A zero threshold: the endpoint's failure is always "older than" it.
	stale := r.UnhealthyOlderThan(0)
	require.Len(t, stale, 1)
	assert.Equal(t, ep, stale[0])
}
