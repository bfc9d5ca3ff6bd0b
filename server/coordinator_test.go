package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResizer records SetMaxTotal/SetMinIdle/Prewarm calls in order so
// tests can assert §4.4's shrink/grow sequencing rule.
type fakeResizer struct {
	calls       []string
	failSet     string // if non-empty, the named setter fails once
	prewarmedTo int
}

func (f *fakeResizer) SetMaxTotal(n int) error {
	f.calls = append(f.calls, "max")
	if f.failSet == "max" {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeResizer) SetMinIdle(n int) error {
	f.calls = append(f.calls, "min")
	if f.failSet == "min" {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeResizer) Prewarm(ctx context.Context, target int) error {
	f.calls = append(f.calls, "prewarm")
	f.prewarmedTo = target
	if f.failSet == "prewarm" {
		return errors.New("boom")
	}
	return nil
}

// TestCeilDivRounding is P7: appliedMax*n >= max and appliedMin*n >= min,
// via ceil rounding, lower-bounded at 1.
func TestCeilDivRounding(t *testing.T) {
	assert.Equal(t, 10, ceilDiv(20, 2))
	assert.Equal(t, 7, ceilDiv(20, 3))
	assert.Equal(t, 20, ceilDiv(20, 1))
	assert.Equal(t, 20, ceilDiv(20, 0)) // healthyCount=0 treated as 1
	assert.Equal(t, 1, ceilDiv(0, 5))
}

func TestPoolCoordinatorViewReconcileHealthyCountOne(t *testing.T) {
	v := &PoolCoordinatorView{ConfiguredMaxTotal: 20, ConfiguredMinIdle: 10}
	r := &fakeResizer{}
	require.NoError(t, v.Reconcile(context.Background(), r, 1))
	assert.Equal(t, 20, v.AppliedMaxTotal)
	assert.Equal(t, 10, v.AppliedMinIdle)
	assert.Equal(t, 10, r.prewarmedTo, "a minIdle rising from zero must prewarm up to the new floor")
}

// TestPoolCoordinatorViewReconcileScenario1 is spec §8 scenario 1's steady
// state: maxTotal=20, minIdle=10, 2 healthy servers -> 10/5 each.
func TestPoolCoordinatorViewReconcileScenario1(t *testing.T) {
	v := &PoolCoordinatorView{ConfiguredMaxTotal: 20, ConfiguredMinIdle: 10}
	r := &fakeResizer{}
	require.NoError(t, v.Reconcile(context.Background(), r, 2))
	assert.Equal(t, 10, v.AppliedMaxTotal)
	assert.Equal(t, 5, v.AppliedMinIdle)

	// B absorbs all load when A fails: resize to max=20, min=10 (growing).
	require.NoError(t, v.Reconcile(context.Background(), r, 1))
	assert.Equal(t, 20, v.AppliedMaxTotal)
	assert.Equal(t, 10, v.AppliedMinIdle)
}

func TestPoolCoordinatorViewReconcileGrowOrder(t *testing.T) {
	v := &PoolCoordinatorView{ConfiguredMaxTotal: 20, ConfiguredMinIdle: 10, AppliedMaxTotal: 10, AppliedMinIdle: 5}
	r := &fakeResizer{}
	require.NoError(t, v.Reconcile(context.Background(), r, 1)) // 10->20, growing
	assert.Equal(t, []string{"max", "min", "prewarm"}, r.calls)
	assert.Equal(t, 10, r.prewarmedTo)
}

func TestPoolCoordinatorViewReconcileShrinkOrder(t *testing.T) {
	v := &PoolCoordinatorView{ConfiguredMaxTotal: 20, ConfiguredMinIdle: 10, AppliedMaxTotal: 20, AppliedMinIdle: 10}
	r := &fakeResizer{}
	require.NoError(t, v.Reconcile(context.Background(), r, 2)) // 20->10, shrinking
	assert.Equal(t, []string{"min", "max"}, r.calls, "minIdle shrinks here too, so no prewarm call is expected")
}

func TestPoolCoordinatorViewReconcilePropagatesError(t *testing.T) {
	v := &PoolCoordinatorView{ConfiguredMaxTotal: 20, ConfiguredMinIdle: 10}
	r := &fakeResizer{failSet: "max"}
	err := v.Reconcile(context.Background(), r, 1)
	assert.Error(t, err)
	// Applied sizes are left at their pre-call value (zero) on failure.
	assert.Equal(t, 0, v.AppliedMaxTotal)
}

func TestPoolCoordinatorViewReconcilePropagatesPrewarmError(t *testing.T) {
	v := &PoolCoordinatorView{ConfiguredMaxTotal: 20, ConfiguredMinIdle: 10}
	r := &fakeResizer{failSet: "prewarm"}
	err := v.Reconcile(context.Background(), r, 1)
	assert.Error(t, err)
}
