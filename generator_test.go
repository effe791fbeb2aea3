package tokenforge

import (
	"testing"
	"time"
)

func TestGenerateAuthToken(t *testing.T) {
	cfg := validatedConfig(t, func(c *Config) { c.AccessTTL = 900 * time.Second })
	gen := NewTokenGenerator(cfg)

	token, err := gen.GenerateAuthToken(42, map[string]any{"role": "admin"})
	if err != nil {
		t.Fatalf("GenerateAuthToken failed: %v", err)
	}

	claims, err := NewDecoder(cfg).Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if claims.Subject != "42" {
		t.Fatalf("sub = %q, want \"42\"", claims.Subject)
	}
	if claims.Custom["role"] != "admin" {
		t.Fatalf("role = %v", claims.Custom["role"])
	}
	ttl := claims.ExpiresAt - claims.IssuedAt
	if ttl != 900 {
		t.Fatalf("ttl = %ds, want 900s", ttl)
	}
}

func TestGenerateAuthTokenStringUserID(t *testing.T) {
	cfg := validatedConfig(t, nil)
	token, err := NewTokenGenerator(cfg).GenerateAuthToken("user-7", nil)
	if err != nil {
		t.Fatalf("GenerateAuthToken failed: %v", err)
	}
	claims, err := NewDecoder(cfg).Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if claims.Subject != "user-7" {
		t.Fatalf("sub = %q", claims.Subject)
	}
}

func TestGenerateRefreshTokenShape(t *testing.T) {
	cfg := validatedConfig(t, func(c *Config) { c.RefreshTTL = 48 * time.Hour })
	token, err := NewTokenGenerator(cfg).GenerateRefreshToken(7, "rt-1")
	if err != nil {
		t.Fatalf("GenerateRefreshToken failed: %v", err)
	}

	claims, err := NewDecoder(cfg).Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if claims.Subject != "7" || claims.ID != "rt-1" {
		t.Fatalf("sub/jti = %q/%q", claims.Subject, claims.ID)
	}
	if claims.Custom[ClaimTokenType] != TokenTypeRefresh {
		t.Fatalf("type marker = %v", claims.Custom[ClaimTokenType])
	}
	ttl := claims.ExpiresAt - claims.IssuedAt
	if ttl != int64(48*3600) {
		t.Fatalf("refresh ttl = %ds", ttl)
	}
}

func TestGenerateCustomTokenNegativeTTL(t *testing.T) {
	cfg := validatedConfig(t, nil)
	gen := NewTokenGenerator(cfg)

	token, err := gen.GenerateCustomToken(map[string]any{"sub": "1"}, -time.Hour)
	if err != nil {
		t.Fatalf("minting an already-expired token must succeed: %v", err)
	}
	if _, err := NewDecoder(cfg).Decode(token); err == nil {
		t.Fatal("expected the expired token to fail timing validation")
	}
}
