package tokenforge

import (
	"fmt"
	"time"
)

// ClaimTokenType is the custom claim distinguishing refresh tokens from
// access tokens.
const ClaimTokenType = "type"

// TokenTypeRefresh is the ClaimTokenType value stamped on refresh tokens.
const TokenTypeRefresh = "refresh"

// TokenGenerator mints the well-known token shapes on top of Encoder and
// the Config defaults. Stateless per call.
type TokenGenerator struct {
	cfg *Config
	enc *Encoder
}

// NewTokenGenerator returns a generator bound to a validated Config.
func NewTokenGenerator(cfg *Config) *TokenGenerator {
	return &TokenGenerator{cfg: cfg, enc: NewEncoder(cfg)}
}

// GenerateAuthToken mints an access token for the user id (any scalar,
// rendered into sub) with the configured access TTL and the extra claims
// merged in.
func (g *TokenGenerator) GenerateAuthToken(userID any, extraClaims map[string]any) (string, error) {
	claims, err := g.enc.defaultClaims(g.cfg.AccessTTL)
	if err != nil {
		return "", err
	}
	if err := claims.SetSubject(fmt.Sprint(userID)); err != nil {
		return "", err
	}
	for name, value := range extraClaims {
		if err := claims.Set(name, value); err != nil {
			return "", err
		}
	}
	return g.enc.Encode(claims, nil)
}

// GenerateRefreshToken mints a refresh token carrying sub, jti, and the
// refresh type marker, with the configured refresh TTL.
func (g *TokenGenerator) GenerateRefreshToken(userID any, tokenID string) (string, error) {
	claims, err := g.refreshClaims(userID, tokenID)
	if err != nil {
		return "", err
	}
	return g.enc.Encode(claims, nil)
}

func (g *TokenGenerator) refreshClaims(userID any, tokenID string) (*Claims, error) {
	claims, err := g.enc.defaultClaims(g.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	if err := claims.SetSubject(fmt.Sprint(userID)); err != nil {
		return nil, err
	}
	if err := claims.SetID(tokenID); err != nil {
		return nil, err
	}
	if err := claims.Set(ClaimTokenType, TokenTypeRefresh); err != nil {
		return nil, err
	}
	return claims, nil
}

// GenerateCustomToken mints a token from arbitrary claims with an explicit
// TTL. The TTL may be negative to deliberately produce an already-expired
// token; tests and introspection health checks rely on that, production
// login flows never should.
func (g *TokenGenerator) GenerateCustomToken(custom map[string]any, ttl time.Duration) (string, error) {
	claims, err := g.enc.defaultClaims(ttl)
	if err != nil {
		return "", err
	}
	for name, value := range custom {
		if err := claims.Set(name, value); err != nil {
			return "", err
		}
	}
	return g.enc.Encode(claims, nil)
}
