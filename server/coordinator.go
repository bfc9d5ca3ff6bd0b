package server

import (
	"context"
	"math"
)

// PoolCoordinatorView is a single connection-hash's configured and
// applied sizing (§3 "Pool coordinator view"). configured values come
// from pool.* (or xa.pool.*) configuration; applied values are derived
// from the healthy-server count observed in the cluster-health string.
type PoolCoordinatorView struct {
	ConfiguredMaxTotal int
	ConfiguredMinIdle  int
	AppliedMaxTotal    int
	AppliedMinIdle     int
}

// ceilDiv implements the spec's rounding rule: appliedX = ceil(configuredX / healthyCount),
// lower-bounded by 1.
func ceilDiv(total, healthyCount int) int {
	if healthyCount < 1 {
		healthyCount = 1
	}
	if n := int(math.Ceil(float64(total) / float64(healthyCount))); n > 1 {
		return n
	}
	return 1
}

// Reconcile recomputes appliedMaxTotal/appliedMinIdle for healthyCount
// healthy servers and applies the change to provider in the order §4.4
// mandates: on shrink, MinIdle before MaxTotal (so the idle floor never
// momentarily exceeds a just-lowered ceiling); on grow, MaxTotal before
// MinIdle (so prewarm never targets a ceiling not yet raised). When
// minIdle rises, it prewarms up to the new floor straight after applying
// it, so a raised minIdle is actually satisfied instead of waiting for
// idle connections to accumulate from ordinary borrow/return traffic.
func (v *PoolCoordinatorView) Reconcile(ctx context.Context, provider poolProviderResizer, healthyCount int) error {
	newMaxTotal := ceilDiv(v.ConfiguredMaxTotal, healthyCount)
	newMinIdle := ceilDiv(v.ConfiguredMinIdle, healthyCount)
	shrinking := newMaxTotal < v.AppliedMaxTotal
	growingIdle := newMinIdle > v.AppliedMinIdle

	apply := func() error {
		if shrinking {
			if err := provider.SetMinIdle(newMinIdle); err != nil {
				return err
			}
			return provider.SetMaxTotal(newMaxTotal)
		}
		if err := provider.SetMaxTotal(newMaxTotal); err != nil {
			return err
		}
		return provider.SetMinIdle(newMinIdle)
	}
	if err := apply(); err != nil {
		return err
	}
	v.AppliedMaxTotal = newMaxTotal
	v.AppliedMinIdle = newMinIdle
	if growingIdle {
		if err := provider.Prewarm(ctx, newMinIdle); err != nil {
			return err
		}
	}
	return nil
}

// poolProviderResizer is the slice of poolspi.Provider the coordinator
// needs; kept narrow so coordinator.go has no import of poolspi's
// Borrow/Return surface it never touches.
type poolProviderResizer interface {
	SetMaxTotal(n int) error
	SetMinIdle(n int) error
	Prewarm(ctx context.Context, target int) error
}
