package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClusterHealthStringScenario5 is spec §8 end-to-end scenario 5: the
// exact literal values the spec calls out.
func TestClusterHealthStringScenario5(t *testing.T) {
	r, err := NewEndpointRegistry([]string{"localhost:10592", "localhost:10591"})
	require.NoError(t, err)
	// B (10592) down, A (10591) up.
	eps := r.AllEndpoints()
	var a, b *Endpoint
	for _, ep := range eps {
		if ep.Port == "10591" {
			a = ep
		} else {
			b = ep
		}
	}
	r.MarkHealthy(a)
	r.MarkUnhealthy(b, nil)

	assert.Equal(t, "localhost:10591(UP);localhost:10592(DOWN)", r.ClusterHealthString())
}

// TestClusterHealthStringOrderIndependent is P6: any two permutations of
// the same {endpoint, state} set must produce byte-identical strings.
func TestClusterHealthStringOrderIndependent(t *testing.T) {
	r1, err := NewEndpointRegistry([]string{"b:2", "a:1", "c:3"})
	require.NoError(t, err)
	r2, err := NewEndpointRegistry([]string{"c:3", "b:2", "a:1"})
	require.NoError(t, err)

	for _, ep := range r1.AllEndpoints() {
		if ep.Port == "2" {
			r1.MarkUnhealthy(ep, nil)
		}
	}
	for _, ep := range r2.AllEndpoints() {
		if ep.Port == "2" {
			r2.MarkUnhealthy(ep, nil)
		}
	}

	assert.Equal(t, r1.ClusterHealthString(), r2.ClusterHealthString())
}

func TestClusterHealthStringEmpty(t *testing.T) {
	assert.Equal(t, "", ClusterHealthString(nil))
}
