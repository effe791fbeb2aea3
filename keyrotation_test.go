package tokenforge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tokenforge/tokenforge/store"
)

func newRotationManager(t *testing.T, interval, grace time.Duration) *KeyRotationManager {
	t.Helper()
	m, err := NewKeyRotationManager(store.NewMemory(), interval, grace)
	if err != nil {
		t.Fatalf("NewKeyRotationManager failed: %v", err)
	}
	return m
}

func TestKeyRotationManagerValidation(t *testing.T) {
	if _, err := NewKeyRotationManager(nil, time.Hour, time.Hour); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for nil store, got %v", err)
	}
	if _, err := NewKeyRotationManager(store.NewMemory(), 0, time.Hour); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for zero interval, got %v", err)
	}
	if _, err := NewKeyRotationManager(store.NewMemory(), time.Hour, -time.Second); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for negative grace, got %v", err)
	}
}

func TestGetCurrentKeyLazyBootstrap(t *testing.T) {
	m := newRotationManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	first, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}
	if first.ID == "" || len(first.Material) == 0 {
		t.Fatalf("bootstrap record incomplete: %+v", first)
	}
	if first.Algorithm != "HS256" {
		t.Fatalf("algorithm = %q", first.Algorithm)
	}

	again, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("second GetCurrentKey failed: %v", err)
	}
	if again.ID != first.ID {
		t.Fatal("repeated reads changed the current key")
	}

	// Each algorithm gets its own current key.
	other, err := m.GetCurrentKey(ctx, HS512)
	if err != nil {
		t.Fatalf("GetCurrentKey HS512 failed: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("algorithms share a current key")
	}
}

func TestRotateKeyDemotesOldIntoGrace(t *testing.T) {
	m := newRotationManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	old, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}

	rotated, err := m.RotateKey(ctx, HS256)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if rotated.ID == old.ID {
		t.Fatal("rotation returned the old key")
	}

	current, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}
	if current.ID != rotated.ID {
		t.Fatal("current pointer not moved")
	}

	valid, err := m.GetValidKeys(ctx, HS256)
	if err != nil {
		t.Fatalf("GetValidKeys failed: %v", err)
	}
	if len(valid) != 2 {
		t.Fatalf("valid key count = %d, want 2", len(valid))
	}
	if valid[0].ID != rotated.ID {
		t.Fatal("current key must lead the valid set")
	}
	if valid[1].ID != old.ID {
		t.Fatal("demoted key missing from the valid set")
	}
	if !valid[1].ExpiresAt.Before(valid[1].GraceExpiresAt) {
		t.Fatal("demoted record lost its grace window")
	}
}

func TestGraceExpiryRetiresKey(t *testing.T) {
	m := newRotationManager(t, time.Hour, 50*time.Millisecond)
	ctx := context.Background()

	old, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}
	if _, err := m.RotateKey(ctx, HS256); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	valid, err := m.GetValidKeys(ctx, HS256)
	if err != nil {
		t.Fatalf("GetValidKeys failed: %v", err)
	}
	if len(valid) != 2 {
		t.Fatalf("expected old key inside grace, got %d keys", len(valid))
	}

	time.Sleep(60 * time.Millisecond)

	valid, err = m.GetValidKeys(ctx, HS256)
	if err != nil {
		t.Fatalf("GetValidKeys failed: %v", err)
	}
	if len(valid) != 1 {
		t.Fatalf("expected grace-expired key retired, got %d keys", len(valid))
	}
	for _, record := range valid {
		if record.ID == old.ID {
			t.Fatal("grace-expired key still in the valid set")
		}
	}
}

// staleReadStore pins Get results for selected keys while delegating
// everything else, modelling a reader working from an out-of-date
// snapshot while another node rotates underneath it.
type staleReadStore struct {
	store.Store
	stale map[string]string
}

func (s *staleReadStore) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok := s.stale[key]; ok {
		return v, true, nil
	}
	return s.Store.Get(ctx, key)
}

func TestLazyRetirementKeepsConcurrentAppends(t *testing.T) {
	mem := store.NewMemory()
	m, err := NewKeyRotationManager(mem, time.Hour, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("NewKeyRotationManager failed: %v", err)
	}
	ctx := context.Background()

	if _, err := m.GetCurrentKey(ctx, HS256); err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}
	second, err := m.RotateKey(ctx, HS256)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond) // first is now past its grace window

	staleRing, ok, err := mem.Get(ctx, keyRingKey(HS256))
	if err != nil || !ok {
		t.Fatalf("ring snapshot failed (ok=%v, err=%v)", ok, err)
	}

	// A second node rotates after the snapshot was taken.
	third, err := m.RotateKey(ctx, HS256)
	if err != nil {
		t.Fatalf("second RotateKey failed: %v", err)
	}

	// The stale reader retires first from its two-entry snapshot. The
	// write must not clobber the ring entry third just appended.
	lagged, err := NewKeyRotationManager(&staleReadStore{
		Store: mem,
		stale: map[string]string{
			keyRingKey(HS256):    staleRing,
			keyCurrentKey(HS256): second.ID,
		},
	}, time.Hour, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("NewKeyRotationManager failed: %v", err)
	}
	if _, err := lagged.GetValidKeys(ctx, HS256); err != nil {
		t.Fatalf("GetValidKeys failed: %v", err)
	}

	ids, err := m.ring(ctx, HS256)
	if err != nil {
		t.Fatalf("ring read failed: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == third.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale retirement dropped the newest key from the ring: %v", ids)
	}
}

// putFailStore refuses writes to one key, standing in for a store that
// loses availability mid-operation.
type putFailStore struct {
	store.Store
	failKey string
}

func (s *putFailStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == s.failKey {
		return errors.New("write refused")
	}
	return s.Store.Put(ctx, key, value, ttl)
}

func TestRotateKeyAbortsWhenDemotionFails(t *testing.T) {
	mem := store.NewMemory()
	m, err := NewKeyRotationManager(mem, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewKeyRotationManager failed: %v", err)
	}
	ctx := context.Background()

	old, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}

	// Rotation must not move the pointer when it cannot persist the old
	// key's shortened grace window first.
	flaky, err := NewKeyRotationManager(&putFailStore{
		Store:   mem,
		failKey: keyRecordKey(HS256, old.ID),
	}, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewKeyRotationManager failed: %v", err)
	}
	if _, err := flaky.RotateKey(ctx, HS256); err == nil {
		t.Fatal("RotateKey succeeded despite the demotion write failing")
	}

	current, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}
	if current.ID != old.ID {
		t.Fatal("aborted rotation moved the current pointer")
	}
}

func TestConcurrentRotationIsIdempotent(t *testing.T) {
	m := newRotationManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := m.GetCurrentKey(ctx, HS256); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	const workers = 8
	results := make([]*KeyRecord, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := m.RotateKey(ctx, HS256)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = record
		}(i)
	}
	wg.Wait()

	current, err := m.GetCurrentKey(ctx, HS256)
	if err != nil {
		t.Fatalf("GetCurrentKey failed: %v", err)
	}
	// Every worker must come back holding a key that was current at some
	// point, and exactly one of them is current now.
	found := false
	for _, record := range results {
		if record != nil && record.ID == current.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("no worker holds the final current key")
	}
}

func TestGetRotationStats(t *testing.T) {
	m := newRotationManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	stats, err := m.GetRotationStats(ctx, HS256)
	if err != nil {
		t.Fatalf("GetRotationStats failed: %v", err)
	}
	if stats.TotalRotations != 0 || stats.ValidKeyCount != 1 {
		t.Fatalf("fresh stats = %+v", stats)
	}
	if stats.TimeUntilRotation <= 0 || stats.TimeUntilRotation > time.Hour {
		t.Fatalf("until rotation = %s", stats.TimeUntilRotation)
	}

	if _, err := m.RotateKey(ctx, HS256); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	stats, err = m.GetRotationStats(ctx, HS256)
	if err != nil {
		t.Fatalf("GetRotationStats failed: %v", err)
	}
	if stats.TotalRotations != 1 {
		t.Fatalf("rotations = %d, want 1", stats.TotalRotations)
	}
	if stats.ValidKeyCount != 2 {
		t.Fatalf("valid keys = %d, want 2", stats.ValidKeyCount)
	}
}

func TestKeyringDecoderAcceptsGraceKeys(t *testing.T) {
	m := newRotationManager(t, time.Hour, time.Hour)
	ctx := context.Background()
	base := baseConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("config validation failed: %v", err)
	}

	signing, err := m.SigningConfig(ctx, base)
	if err != nil {
		t.Fatalf("SigningConfig failed: %v", err)
	}
	token, err := NewEncoder(&signing).Encode(freshClaims(t, time.Hour), nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	dec := NewDecoderWithKeyring(&base, m)
	if _, err := dec.DecodeContext(ctx, token); err != nil {
		t.Fatalf("decode before rotation failed: %v", err)
	}

	// After a rotation the old key still verifies through its grace
	// window while new tokens sign with the replacement.
	if _, err := m.RotateKey(ctx, base.Algorithm); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if _, err := dec.DecodeContext(ctx, token); err != nil {
		t.Fatalf("decode after rotation failed: %v", err)
	}

	signing, err = m.SigningConfig(ctx, base)
	if err != nil {
		t.Fatalf("SigningConfig failed: %v", err)
	}
	fresh, err := NewEncoder(&signing).Encode(freshClaims(t, time.Hour), nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := dec.DecodeContext(ctx, fresh); err != nil {
		t.Fatalf("decode of freshly signed token failed: %v", err)
	}
}

func TestSigningConfigAsymmetric(t *testing.T) {
	m := newRotationManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	base := defaultConfig()
	base.Algorithm = ES256
	material, err := generateKeyMaterial(ES256)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	base.PrivateKeyPEM = material
	if err := base.Validate(); err != nil {
		t.Fatalf("config validation failed: %v", err)
	}

	signing, err := m.SigningConfig(ctx, base)
	if err != nil {
		t.Fatalf("SigningConfig failed: %v", err)
	}
	if signing.KeyID == "" {
		t.Fatal("kid not stamped")
	}
	token, err := NewEncoder(&signing).Encode(freshClaims(t, time.Hour), nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := NewDecoderWithKeyring(&base, m).DecodeContext(ctx, token); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}
