package tokenforge

import (
	"context"
	"fmt"
	"time"
)

// Engine bundles the engine components behind one validated Config. There
// is deliberately no process-wide default engine: construct one through
// [Builder.Build] at application start and pass it where it is needed.
//
// Engine is safe for concurrent use after Build.
type Engine struct {
	cfg     Config
	encoder *Encoder
	decoder *Decoder
	tokens  *TokenGenerator
	refresh *RefreshTokenManager
	keys    *KeyRotationManager
	inspect *TokenIntrospector
	metrics *Metrics
}

// Config returns a copy of the validated configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.cfg)
}

// Encoder returns the token encoder.
func (e *Engine) Encoder() *Encoder { return e.encoder }

// Decoder returns the token decoder.
func (e *Engine) Decoder() *Decoder { return e.decoder }

// Tokens returns the token generator.
func (e *Engine) Tokens() *TokenGenerator { return e.tokens }

// Refresh returns the refresh-token manager.
func (e *Engine) Refresh() *RefreshTokenManager { return e.refresh }

// Keys returns the key rotation manager, or nil when the engine was built
// without managed keys.
func (e *Engine) Keys() *KeyRotationManager { return e.keys }

// Introspector returns the diagnostic introspector.
func (e *Engine) Introspector() *TokenIntrospector { return e.inspect }

// Metrics returns the engine's counter set.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// ManagedTokens returns a generator signing with the rotation manager's
// current key instead of the static Config material. The generator is
// bound to the key that was current at call time; fetch a fresh one after
// rotations.
func (e *Engine) ManagedTokens(ctx context.Context) (*TokenGenerator, error) {
	if e.keys == nil {
		return nil, fmt.Errorf("%w: engine built without managed keys", ErrEngineNotReady)
	}
	cfg, err := e.keys.SigningConfig(ctx, e.cfg)
	if err != nil {
		return nil, err
	}
	return NewTokenGenerator(&cfg), nil
}

/*
====================================
CONVENIENCE PASSTHROUGHS
====================================
*/

// GenerateAuthToken mints an access token for the user id.
func (e *Engine) GenerateAuthToken(userID any, extraClaims map[string]any) (string, error) {
	return e.tokens.GenerateAuthToken(userID, extraClaims)
}

// GenerateCustomToken mints a token with arbitrary claims and an explicit
// TTL, which may be negative.
func (e *Engine) GenerateCustomToken(claims map[string]any, ttl time.Duration) (string, error) {
	return e.tokens.GenerateCustomToken(claims, ttl)
}

// Decode verifies and validates a token, returning its claims.
func (e *Engine) Decode(token string) (*Claims, error) {
	return e.decoder.Decode(token)
}

// Valid reports whether a token decodes cleanly. It is the non-throwing
// boolean helper for request handlers; the error detail is discarded.
func (e *Engine) Valid(token string) bool {
	_, err := e.decoder.Decode(token)
	return err == nil
}

// RefreshAccessToken exchanges a refresh token for a new token pair.
func (e *Engine) RefreshAccessToken(ctx context.Context, refreshToken string, additionalClaims map[string]any) (*TokenPair, error) {
	return e.refresh.RefreshAccessToken(ctx, refreshToken, additionalClaims)
}

// Introspect produces a diagnostic report for a token string.
func (e *Engine) Introspect(token string) *IntrospectionReport {
	return e.inspect.Introspect(token)
}
