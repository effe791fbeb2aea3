package tokenforge

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tokenforge/tokenforge/store"
)

const rsaKeyBits = 2048

// KeyRecord is one signing key in the rotation arena. Records are immutable
// once written except for the single demotion a rotation applies: ExpiresAt
// is pulled forward to the rotation instant and GraceExpiresAt to the end
// of the verification-only window.
//
// Invariant: CreatedAt < ExpiresAt < GraceExpiresAt.
type KeyRecord struct {
	ID             string    `json:"id"`
	Material       []byte    `json:"material"`
	Algorithm      string    `json:"algorithm"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	GraceExpiresAt time.Time `json:"grace_expires_at"`
}

// usableAt reports whether the record may still verify signatures.
func (r *KeyRecord) usableAt(now time.Time) bool {
	return now.Before(r.GraceExpiresAt)
}

// signingKey parses the stored material into the key the signing method
// needs for new signatures.
func (r *KeyRecord) signingKey() (any, error) {
	alg, err := ParseAlgorithm(r.Algorithm)
	if err != nil {
		return nil, err
	}
	switch alg.Family() {
	case FamilyHMAC:
		return r.Material, nil
	case FamilyRSA:
		return jwt.ParseRSAPrivateKeyFromPEM(r.Material)
	default:
		return jwt.ParseECPrivateKeyFromPEM(r.Material)
	}
}

// verificationKey parses the stored material into the key the signing
// method needs for verification.
func (r *KeyRecord) verificationKey() (any, error) {
	alg, err := ParseAlgorithm(r.Algorithm)
	if err != nil {
		return nil, err
	}
	switch alg.Family() {
	case FamilyHMAC:
		return r.Material, nil
	case FamilyRSA:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(r.Material)
		if err != nil {
			return nil, err
		}
		return &key.PublicKey, nil
	default:
		key, err := jwt.ParseECPrivateKeyFromPEM(r.Material)
		if err != nil {
			return nil, err
		}
		return &key.PublicKey, nil
	}
}

// RotationStats is a diagnostic snapshot of one algorithm's key lifecycle.
type RotationStats struct {
	CurrentKeyID      string
	CurrentKeyAge     time.Duration
	TimeUntilRotation time.Duration
	ValidKeyCount     int
	TotalRotations    int
}

// KeyRotationManager owns the signing-key lifecycle independent of any
// single token operation. Records live in the shared store addressed by key
// id; one well-known entry per algorithm holds the current id and is only
// ever moved by compare-and-swap, so concurrent rotations cannot both
// believe they created the one new current key. Grace-period retirement is
// lazy, checked on read; no background timer exists.
type KeyRotationManager struct {
	store    store.Store
	interval time.Duration
	grace    time.Duration
	metrics  *Metrics
}

// NewKeyRotationManager returns a manager over the given store. Interval is
// the active signing window of a fresh key, grace the verification-only
// window after demotion.
func NewKeyRotationManager(st store.Store, interval, grace time.Duration) (*KeyRotationManager, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: key rotation requires a store", ErrConfigInvalid)
	}
	if interval <= 0 || grace <= 0 {
		return nil, fmt.Errorf("%w: rotation interval and grace period must be > 0", ErrConfigInvalid)
	}
	return &KeyRotationManager{store: st, interval: interval, grace: grace}, nil
}

/*
====================================
STORE LAYOUT
====================================
*/

func keyRecordKey(alg Algorithm, id string) string {
	return "keys:" + alg.Name() + ":record:" + id
}

func keyCurrentKey(alg Algorithm) string {
	return "keys:" + alg.Name() + ":current"
}

func keyRingKey(alg Algorithm) string {
	return "keys:" + alg.Name() + ":ring"
}

func keyRotationsKey(alg Algorithm) string {
	return "keys:" + alg.Name() + ":rotations"
}

/*
====================================
OPERATIONS
====================================
*/

// GenerateNewKey mints a KeyRecord with fresh random material sized for the
// algorithm and persists it. The record is not made current; use RotateKey
// or let GetCurrentKey bootstrap lazily.
func (m *KeyRotationManager) GenerateNewKey(ctx context.Context, alg Algorithm) (*KeyRecord, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrAlgorithmUnsupported, alg.Name())
	}
	material, err := generateKeyMaterial(alg)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	record := &KeyRecord{
		ID:             uuid.NewString(),
		Material:       material,
		Algorithm:      alg.Name(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.interval),
		GraceExpiresAt: now.Add(m.interval + m.grace),
	}
	if err := m.putRecord(ctx, alg, record); err != nil {
		return nil, err
	}
	if err := m.addToRing(ctx, alg, record.ID); err != nil {
		return nil, err
	}
	return record, nil
}

// GetCurrentKey returns the record signing new tokens, generating and
// activating one lazily when none exists yet.
func (m *KeyRotationManager) GetCurrentKey(ctx context.Context, alg Algorithm) (*KeyRecord, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrAlgorithmUnsupported, alg.Name())
	}
	for attempt := 0; attempt < 3; attempt++ {
		currentID, ok, err := m.store.Get(ctx, keyCurrentKey(alg))
		if err != nil {
			return nil, err
		}
		if ok {
			record, found, err := m.getRecord(ctx, alg, currentID)
			if err != nil {
				return nil, err
			}
			if found {
				return record, nil
			}
			// Pointer refers to a record the store dropped; replace it.
			if _, err := m.activate(ctx, alg, currentID); err != nil {
				return nil, err
			}
			continue
		}
		record, err := m.activate(ctx, alg, "")
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}
	return nil, ErrKeyNotFound
}

// activate generates a key and tries to move the current pointer from
// oldID to it. On contention it returns nil so the caller re-reads the
// winner's pointer.
func (m *KeyRotationManager) activate(ctx context.Context, alg Algorithm, oldID string) (*KeyRecord, error) {
	record, err := m.GenerateNewKey(ctx, alg)
	if err != nil {
		return nil, err
	}
	swapped, err := m.store.CompareAndSwap(ctx, keyCurrentKey(alg), oldID, record.ID, 0)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, nil
	}
	return record, nil
}

// RotateKey demotes the current key into its grace period and activates a
// fresh one, returning the new current record. The demoted key keeps
// verifying previously issued tokens until GraceExpiresAt but never signs
// again. The pointer swap is a compare-and-swap: when a concurrent rotation
// wins, this call returns the winner's key instead of stacking a second
// rotation.
func (m *KeyRotationManager) RotateKey(ctx context.Context, alg Algorithm) (*KeyRecord, error) {
	old, err := m.GetCurrentKey(ctx, alg)
	if err != nil {
		return nil, err
	}

	replacement, err := m.GenerateNewKey(ctx, alg)
	if err != nil {
		return nil, err
	}

	// Demote before the pointer swap so the shortened grace window is
	// durable by the time the rotation takes effect. A failed write here
	// aborts the rotation with the pointer untouched; a lost swap below
	// just repeats the winner's own demotion of the same record.
	now := time.Now()
	old.ExpiresAt = now
	old.GraceExpiresAt = now.Add(m.grace)
	if err := m.putRecord(ctx, alg, old); err != nil {
		return nil, err
	}

	swapped, err := m.store.CompareAndSwap(ctx, keyCurrentKey(alg), old.ID, replacement.ID, 0)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Lost the race; hand back the current winner so retries stay
		// idempotent.
		return m.GetCurrentKey(ctx, alg)
	}
	m.metrics.Inc(MetricKeyRotation)
	m.bumpRotations(ctx, alg)
	return replacement, nil
}

// GetValidKeys returns the candidate verification set: the current key plus
// every key still inside its grace window, current first. Records past
// their grace window are lazily retired from the ring here.
func (m *KeyRotationManager) GetValidKeys(ctx context.Context, alg Algorithm) ([]*KeyRecord, error) {
	current, err := m.GetCurrentKey(ctx, alg)
	if err != nil {
		return nil, err
	}

	raw, ok, err := m.store.Get(ctx, keyRingKey(alg))
	if err != nil {
		return nil, err
	}
	var ids []string
	if ok {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("corrupt key ring: %w", err)
		}
	}

	now := time.Now()
	valid := []*KeyRecord{current}
	kept := []string{current.ID}
	for _, id := range ids {
		if id == current.ID {
			continue
		}
		record, found, err := m.getRecord(ctx, alg, id)
		if err != nil {
			return nil, err
		}
		if !found || !record.usableAt(now) {
			continue
		}
		valid = append(valid, record)
		kept = append(kept, id)
	}

	if len(kept) != len(ids) {
		// Best-effort lazy retirement, swapped against the snapshot read
		// above so a concurrent append is never overwritten; the next read
		// retries on contention.
		if data, err := json.Marshal(kept); err == nil {
			_, _ = m.store.CompareAndSwap(ctx, keyRingKey(alg), raw, string(data), 0)
		}
	}
	return valid, nil
}

// GetRotationStats returns a diagnostic snapshot for one algorithm.
func (m *KeyRotationManager) GetRotationStats(ctx context.Context, alg Algorithm) (*RotationStats, error) {
	current, err := m.GetCurrentKey(ctx, alg)
	if err != nil {
		return nil, err
	}
	valid, err := m.GetValidKeys(ctx, alg)
	if err != nil {
		return nil, err
	}

	total := 0
	if raw, ok, err := m.store.Get(ctx, keyRotationsKey(alg)); err == nil && ok {
		total, _ = strconv.Atoi(raw)
	}

	now := time.Now()
	untilRotation := current.ExpiresAt.Sub(now)
	if untilRotation < 0 {
		untilRotation = 0
	}
	return &RotationStats{
		CurrentKeyID:      current.ID,
		CurrentKeyAge:     now.Sub(current.CreatedAt),
		TimeUntilRotation: untilRotation,
		ValidKeyCount:     len(valid),
		TotalRotations:    total,
	}, nil
}

// SigningConfig stamps the current key material and kid onto a copy of the
// base Config so Encoder picks up rotated material without the caller
// touching raw keys.
func (m *KeyRotationManager) SigningConfig(ctx context.Context, base Config) (Config, error) {
	record, err := m.GetCurrentKey(ctx, base.Algorithm)
	if err != nil {
		return Config{}, err
	}
	cfg := cloneConfig(base)
	cfg.KeyID = record.ID
	if base.Algorithm.Symmetric() {
		cfg.Secret = cloneBytes(record.Material)
	} else {
		cfg.PrivateKeyPEM = cloneBytes(record.Material)
		cfg.PublicKeyPEM = nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
PERSISTENCE HELPERS
====================================
*/

func (m *KeyRotationManager) putRecord(ctx context.Context, alg Algorithm, record *KeyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ttl := time.Until(record.GraceExpiresAt) + time.Hour
	return m.store.Put(ctx, keyRecordKey(alg, record.ID), string(data), ttl)
}

func (m *KeyRotationManager) getRecord(ctx context.Context, alg Algorithm, id string) (*KeyRecord, bool, error) {
	raw, ok, err := m.store.Get(ctx, keyRecordKey(alg, id))
	if err != nil || !ok {
		return nil, false, err
	}
	var record KeyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, false, fmt.Errorf("corrupt key record %s: %w", id, err)
	}
	return &record, true, nil
}

func (m *KeyRotationManager) ring(ctx context.Context, alg Algorithm) ([]string, error) {
	raw, ok, err := m.store.Get(ctx, keyRingKey(alg))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("corrupt key ring: %w", err)
	}
	return ids, nil
}

func (m *KeyRotationManager) putRing(ctx context.Context, alg Algorithm, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, keyRingKey(alg), string(data), 0)
}

// addToRing appends an id with a small CAS retry loop so concurrent
// generators do not drop each other's entries.
func (m *KeyRotationManager) addToRing(ctx context.Context, alg Algorithm, id string) error {
	for attempt := 0; attempt < 5; attempt++ {
		raw, ok, err := m.store.Get(ctx, keyRingKey(alg))
		if err != nil {
			return err
		}
		var ids []string
		if ok {
			if err := json.Unmarshal([]byte(raw), &ids); err != nil {
				return fmt.Errorf("corrupt key ring: %w", err)
			}
		}
		updated, err := json.Marshal(append(ids, id))
		if err != nil {
			return err
		}
		swapped, err := m.store.CompareAndSwap(ctx, keyRingKey(alg), raw, string(updated), 0)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	// Contention exhausted the retries; fall back to an overwrite so the
	// fresh key is never unverifiable.
	ids, err := m.ring(ctx, alg)
	if err != nil {
		return err
	}
	return m.putRing(ctx, alg, append(ids, id))
}

func (m *KeyRotationManager) bumpRotations(ctx context.Context, alg Algorithm) {
	for attempt := 0; attempt < 3; attempt++ {
		raw, ok, err := m.store.Get(ctx, keyRotationsKey(alg))
		if err != nil {
			return
		}
		count := 0
		if ok {
			count, _ = strconv.Atoi(raw)
		}
		old := ""
		if ok {
			old = raw
		}
		swapped, err := m.store.CompareAndSwap(ctx, keyRotationsKey(alg), old, strconv.Itoa(count+1), 0)
		if err != nil || swapped {
			return
		}
	}
}

/*
====================================
KEY MATERIAL
====================================
*/

// generateKeyMaterial produces random material sized for the algorithm:
// digest-sized random bytes for HMAC, a PEM-encoded private key for the
// asymmetric families.
func generateKeyMaterial(alg Algorithm) ([]byte, error) {
	switch alg.Family() {
	case FamilyHMAC:
		size := alg.hashSize()
		if size < MinSecretSize {
			size = MinSecretSize
		}
		material := make([]byte, size)
		if _, err := rand.Read(material); err != nil {
			return nil, err
		}
		return material, nil
	case FamilyRSA:
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}), nil
	default:
		key, err := ecdsa.GenerateKey(ecdsaCurve(alg), rand.Reader)
		if err != nil {
			return nil, err
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
	}
}

func ecdsaCurve(alg Algorithm) elliptic.Curve {
	switch alg.Bits() {
	case 256:
		return elliptic.P256()
	case 384:
		return elliptic.P384()
	default:
		return elliptic.P521()
	}
}
