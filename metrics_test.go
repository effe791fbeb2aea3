package tokenforge

import (
	"context"
	"testing"

	"github.com/tokenforge/tokenforge/store"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricRefreshSuccess) // must not panic
	if m.Value(MetricRefreshSuccess) != 0 {
		t.Fatal("nil metrics reported a non-zero value")
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 {
		t.Fatalf("nil snapshot has %d counters", len(snap.Counters))
	}
}

func TestMetricsSnapshotCoversAllCounters(t *testing.T) {
	m := NewMetrics()
	m.Inc(MetricRefreshSuccess)
	m.Inc(MetricRefreshSuccess)
	m.Inc(MetricKeyRotation)

	snap := m.Snapshot()
	if len(snap.Counters) != int(metricIDCount) {
		t.Fatalf("snapshot has %d counters, want %d", len(snap.Counters), metricIDCount)
	}
	if snap.Counters[MetricRefreshSuccess] != 2 {
		t.Fatalf("refresh success = %d, want 2", snap.Counters[MetricRefreshSuccess])
	}
	if snap.Counters[MetricKeyRotation] != 1 {
		t.Fatalf("key rotation = %d, want 1", snap.Counters[MetricKeyRotation])
	}
	if snap.Counters[MetricRefreshFailure] != 0 {
		t.Fatalf("untouched counter = %d, want 0", snap.Counters[MetricRefreshFailure])
	}
}

func TestEngineCountsRefreshOutcomes(t *testing.T) {
	engine, err := New().WithSecret(testSecret()).WithStore(store.NewMemory()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	ctx := context.Background()

	pair, err := engine.Refresh().GenerateTokenPair(7, nil)
	if err != nil {
		t.Fatalf("GenerateTokenPair failed: %v", err)
	}
	if _, err := engine.RefreshAccessToken(ctx, pair.RefreshToken, nil); err != nil {
		t.Fatalf("RefreshAccessToken failed: %v", err)
	}
	if got := engine.Metrics().Value(MetricRefreshSuccess); got != 1 {
		t.Fatalf("refresh success = %d, want 1", got)
	}

	// Replaying the consumed token burns the family and counts as a
	// failure, a reuse detection, and a family revocation.
	if _, err := engine.RefreshAccessToken(ctx, pair.RefreshToken, nil); err == nil {
		t.Fatal("replay succeeded")
	}
	if got := engine.Metrics().Value(MetricRefreshFailure); got != 1 {
		t.Fatalf("refresh failure = %d, want 1", got)
	}
	if got := engine.Metrics().Value(MetricRefreshReuseDetected); got != 1 {
		t.Fatalf("reuse detected = %d, want 1", got)
	}
	if got := engine.Metrics().Value(MetricFamilyRevoked); got != 1 {
		t.Fatalf("family revoked = %d, want 1", got)
	}
}

func TestEngineCountsKeyRotations(t *testing.T) {
	engine, err := New().WithSecret(testSecret()).WithStore(store.NewMemory()).WithManagedKeys().Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	ctx := context.Background()

	if _, err := engine.Keys().RotateKey(ctx, engine.Config().Algorithm); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if got := engine.Metrics().Value(MetricKeyRotation); got != 1 {
		t.Fatalf("key rotation = %d, want 1", got)
	}
}
