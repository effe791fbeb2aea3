package tokenforge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenforge/tokenforge/store"
)

// Refresh lineage claim names.
const (
	// ClaimFamilyID groups every rotation of one original login.
	ClaimFamilyID = "family_id"
	// ClaimRefreshCount is the 0-based rotation depth within a family.
	ClaimRefreshCount = "refresh_count"
	// ClaimParentTokenID is the jti this token was rotated from; absent on
	// the family's original token.
	ClaimParentTokenID = "parent_jti"
)

// RefreshTokenMetadata is the immutable lineage record of one refresh
// token. Each rotation produces a new record pointing back at its parent;
// FamilyID never changes along a chain.
type RefreshTokenMetadata struct {
	UserID        string    `json:"user_id"`
	TokenID       string    `json:"token_id"`
	FamilyID      string    `json:"family_id"`
	RefreshCount  int       `json:"refresh_count"`
	ParentTokenID string    `json:"parent_token_id,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IssuedRefreshToken pairs a freshly minted refresh token with its lineage
// record.
type IssuedRefreshToken struct {
	Token     string
	Metadata  RefreshTokenMetadata
	ExpiresAt time.Time
}

// TokenPair is the result of a refresh exchange or a combined issuance:
// always an access token, plus a replacement refresh token when rotation is
// enabled.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	RefreshMetadata  RefreshTokenMetadata
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RefreshValidation is the non-throwing view of a refresh token check, used
// by health checks and API endpoints that must not fail a request handler
// on bad input.
type RefreshValidation struct {
	Valid        bool      `json:"valid"`
	UserID       string    `json:"user_id,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
	FamilyID     string    `json:"family_id,omitempty"`
	RefreshCount int       `json:"refresh_count,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
}

// RefreshTokenManager owns the refresh-to-access exchange protocol:
// issuance with family tracking, rotation, the refresh-count ceiling, and
// store-backed reuse detection. All failures are caller-recoverable.
type RefreshTokenManager struct {
	cfg     *Config
	gen     *TokenGenerator
	dec     *Decoder
	store   store.Store
	metrics *Metrics
}

// NewRefreshTokenManager returns a manager verifying against the Config key
// material. A nil store degrades reuse detection to the refresh-count
// ceiling alone.
func NewRefreshTokenManager(cfg *Config, st store.Store) *RefreshTokenManager {
	return newRefreshTokenManager(cfg, NewDecoder(cfg), st)
}

func newRefreshTokenManager(cfg *Config, dec *Decoder, st store.Store) *RefreshTokenManager {
	return &RefreshTokenManager{
		cfg:   cfg,
		gen:   NewTokenGenerator(cfg),
		dec:   dec,
		store: st,
	}
}

/*
====================================
ISSUANCE
====================================
*/

// GenerateRefreshToken mints a refresh token for the user. A nil prior
// starts a new family (fresh family id, count 0, no parent); a non-nil
// prior continues its rotation chain.
func (m *RefreshTokenManager) GenerateRefreshToken(userID any, prior *RefreshTokenMetadata) (*IssuedRefreshToken, error) {
	tokenID := uuid.NewString()
	meta := RefreshTokenMetadata{
		UserID:   fmt.Sprint(userID),
		TokenID:  tokenID,
		FamilyID: uuid.NewString(),
	}
	if prior != nil {
		if prior.FamilyID != "" {
			meta.FamilyID = prior.FamilyID
		}
		meta.RefreshCount = prior.RefreshCount
		meta.ParentTokenID = prior.ParentTokenID
	}

	claims, err := m.gen.refreshClaims(userID, tokenID)
	if err != nil {
		return nil, err
	}
	if err := claims.Set(ClaimFamilyID, meta.FamilyID); err != nil {
		return nil, err
	}
	if err := claims.Set(ClaimRefreshCount, meta.RefreshCount); err != nil {
		return nil, err
	}
	if meta.ParentTokenID != "" {
		if err := claims.Set(ClaimParentTokenID, meta.ParentTokenID); err != nil {
			return nil, err
		}
	}

	token, err := m.gen.enc.Encode(claims, nil)
	if err != nil {
		return nil, err
	}

	meta.IssuedAt = time.Unix(claims.IssuedAt, 0)
	meta.ExpiresAt = time.Unix(claims.ExpiresAt, 0)
	return &IssuedRefreshToken{Token: token, Metadata: meta, ExpiresAt: meta.ExpiresAt}, nil
}

// GenerateTokenPair mints an access token and a family-starting refresh
// token for the same user in one call.
func (m *RefreshTokenManager) GenerateTokenPair(userID any, userClaims map[string]any) (*TokenPair, error) {
	access, err := m.gen.GenerateAuthToken(userID, userClaims)
	if err != nil {
		return nil, err
	}
	refresh, err := m.GenerateRefreshToken(userID, nil)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh.Token,
		RefreshMetadata:  refresh.Metadata,
		AccessExpiresAt:  time.Now().Add(m.cfg.AccessTTL),
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

/*
====================================
EXCHANGE
====================================
*/

// RefreshAccessToken exchanges a verified refresh token for a new access
// token, enforcing the refresh-count ceiling and reuse detection first.
// With rotation enabled (the default) the result also carries a
// replacement refresh token: same family, parent set to the consumed jti,
// count incremented by one, and the consumed token marked superseded in
// the store.
func (m *RefreshTokenManager) RefreshAccessToken(ctx context.Context, refreshToken string, additionalClaims map[string]any) (*TokenPair, error) {
	pair, err := m.refreshAccessToken(ctx, refreshToken, additionalClaims)
	if err != nil {
		m.metrics.Inc(MetricRefreshFailure)
		return nil, err
	}
	m.metrics.Inc(MetricRefreshSuccess)
	return pair, nil
}

func (m *RefreshTokenManager) refreshAccessToken(ctx context.Context, refreshToken string, additionalClaims map[string]any) (*TokenPair, error) {
	claims, meta, err := m.verify(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	if meta.RefreshCount >= m.cfg.MaxRefreshCount {
		return nil, fmt.Errorf("%w: refresh count %d reached the ceiling of %d",
			ErrRefreshLimitExceeded, meta.RefreshCount, m.cfg.MaxRefreshCount)
	}

	access, err := m.gen.GenerateAuthToken(meta.UserID, additionalClaims)
	if err != nil {
		return nil, err
	}

	pair := &TokenPair{
		AccessToken:     access,
		AccessExpiresAt: time.Now().Add(m.cfg.AccessTTL),
	}

	if !m.cfg.RotationEnabled {
		// Weaker opt-in posture: the presented token stays valid until its
		// own expiry.
		pair.RefreshToken = refreshToken
		pair.RefreshMetadata = *meta
		pair.RefreshExpiresAt = meta.ExpiresAt
		return pair, nil
	}

	next, err := m.GenerateRefreshToken(meta.UserID, &RefreshTokenMetadata{
		FamilyID:      meta.FamilyID,
		RefreshCount:  meta.RefreshCount + 1,
		ParentTokenID: meta.TokenID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.markSuperseded(ctx, claims, meta); err != nil {
		return nil, err
	}

	pair.RefreshToken = next.Token
	pair.RefreshMetadata = next.Metadata
	pair.RefreshExpiresAt = next.ExpiresAt
	return pair, nil
}

// ValidateRefreshToken is the non-throwing variant: structural, signature,
// timing, type, ceiling, and reuse failures all come back as a structured
// result instead of an error.
func (m *RefreshTokenManager) ValidateRefreshToken(ctx context.Context, refreshToken string) *RefreshValidation {
	_, meta, err := m.verify(ctx, refreshToken)
	if err != nil {
		return &RefreshValidation{Valid: false, Error: err.Error(), ErrorCode: errorCode(err)}
	}
	if meta.RefreshCount >= m.cfg.MaxRefreshCount {
		return &RefreshValidation{
			Valid:     false,
			Error:     ErrRefreshLimitExceeded.Error(),
			ErrorCode: CodeRefreshLimitExceeded,
		}
	}
	return &RefreshValidation{
		Valid:        true,
		UserID:       meta.UserID,
		TokenID:      meta.TokenID,
		FamilyID:     meta.FamilyID,
		RefreshCount: meta.RefreshCount,
		ExpiresAt:    meta.ExpiresAt,
	}
}

// IsNearExpiration reports whether the token expires within threshold.
// Any decode failure counts as expired: fail closed so clients refresh
// rather than keep a token they cannot read.
func (m *RefreshTokenManager) IsNearExpiration(token string, threshold time.Duration) bool {
	claims, err := m.dec.Decode(token)
	if err != nil {
		return true
	}
	if claims.ExpiresAt <= 0 {
		return true
	}
	return time.Until(time.Unix(claims.ExpiresAt, 0)) <= threshold
}

/*
====================================
VERIFICATION INTERNALS
====================================
*/

// verify decodes the refresh token, checks the refresh type marker,
// extracts lineage metadata, and runs reuse detection.
func (m *RefreshTokenManager) verify(ctx context.Context, refreshToken string) (*Claims, *RefreshTokenMetadata, error) {
	claims, err := m.dec.DecodeContext(ctx, refreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRefreshInvalid, err)
	}

	typ, _ := claims.Get(ClaimTokenType)
	if typ != TokenTypeRefresh {
		return nil, nil, fmt.Errorf("%w: not a refresh token", ErrRefreshInvalid)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, nil, fmt.Errorf("%w: missing sub or jti", ErrRefreshInvalid)
	}

	meta := &RefreshTokenMetadata{
		UserID:    claims.Subject,
		TokenID:   claims.ID,
		IssuedAt:  time.Unix(claims.IssuedAt, 0),
		ExpiresAt: time.Unix(claims.ExpiresAt, 0),
	}
	if family, ok := claims.Get(ClaimFamilyID); ok {
		meta.FamilyID, _ = family.(string)
	}
	if meta.FamilyID == "" {
		return nil, nil, fmt.Errorf("%w: missing family id", ErrRefreshInvalid)
	}
	if raw, ok := claims.Get(ClaimRefreshCount); ok {
		count, ok := claimInt(raw)
		if !ok || count < 0 {
			return nil, nil, fmt.Errorf("%w: invalid refresh count", ErrRefreshInvalid)
		}
		meta.RefreshCount = count
	}
	if parent, ok := claims.Get(ClaimParentTokenID); ok {
		meta.ParentTokenID, _ = parent.(string)
	}

	if err := m.checkReuse(ctx, meta); err != nil {
		return nil, nil, err
	}
	return claims, meta, nil
}

// checkReuse rejects members of revoked families and revokes the whole
// family when a superseded token is replayed, insulating against a stolen
// refresh token being replayed after its legitimate holder rotated it.
func (m *RefreshTokenManager) checkReuse(ctx context.Context, meta *RefreshTokenMetadata) error {
	if !m.reuseDetectionActive() {
		return nil
	}
	if _, revoked, err := m.store.Get(ctx, familyRevokedKey(meta.FamilyID)); err != nil {
		return err
	} else if revoked {
		m.metrics.Inc(MetricRefreshReuseDetected)
		return fmt.Errorf("%w: family %s revoked", ErrRefreshReuse, meta.FamilyID)
	}
	if _, superseded, err := m.store.Get(ctx, supersededKey(meta.TokenID)); err != nil {
		return err
	} else if superseded {
		m.metrics.Inc(MetricRefreshReuseDetected)
		if err := m.revokeFamily(ctx, meta); err != nil {
			return err
		}
		return fmt.Errorf("%w: token %s was already rotated", ErrRefreshReuse, meta.TokenID)
	}
	return nil
}

// RevokeFamily invalidates every member of a refresh-token family. Exposed
// for callers that detect compromise out of band.
func (m *RefreshTokenManager) RevokeFamily(ctx context.Context, familyID string) error {
	if !m.reuseDetectionActive() {
		return fmt.Errorf("%w: reuse detection requires a store", ErrEngineNotReady)
	}
	ttl := m.cfg.RefreshTTL + m.cfg.BlacklistGrace
	if err := m.store.Put(ctx, familyRevokedKey(familyID), "1", ttl); err != nil {
		return err
	}
	m.metrics.Inc(MetricFamilyRevoked)
	return nil
}

func (m *RefreshTokenManager) revokeFamily(ctx context.Context, meta *RefreshTokenMetadata) error {
	ttl := time.Until(meta.ExpiresAt) + m.cfg.BlacklistGrace
	if ttl <= 0 {
		ttl = m.cfg.BlacklistGrace
	}
	if err := m.store.Put(ctx, familyRevokedKey(meta.FamilyID), "1", ttl); err != nil {
		return err
	}
	m.metrics.Inc(MetricFamilyRevoked)
	return nil
}

// markSuperseded remembers a consumed jti for the remainder of its own
// lifetime plus the blacklist grace, the window in which replay matters.
func (m *RefreshTokenManager) markSuperseded(ctx context.Context, claims *Claims, meta *RefreshTokenMetadata) error {
	if !m.reuseDetectionActive() {
		return nil
	}
	ttl := time.Until(time.Unix(claims.ExpiresAt, 0)) + m.cfg.BlacklistGrace
	if ttl <= 0 {
		return nil
	}
	return m.store.Put(ctx, supersededKey(meta.TokenID), meta.FamilyID, ttl)
}

func (m *RefreshTokenManager) reuseDetectionActive() bool {
	return m.store != nil && m.cfg.ReuseDetection
}

func supersededKey(tokenID string) string {
	return "refresh:superseded:" + tokenID
}

func familyRevokedKey(familyID string) string {
	return "refresh:family:revoked:" + familyID
}

func claimInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
