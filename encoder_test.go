package tokenforge

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validatedConfig(t *testing.T, mutate func(*Config)) *Config {
	t.Helper()
	cfg := baseConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validation failed: %v", err)
	}
	return &cfg
}

func asymmetricConfig(t *testing.T, alg Algorithm) *Config {
	t.Helper()
	material, err := generateKeyMaterial(alg)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	return validatedConfig(t, func(c *Config) {
		c.Algorithm = alg
		c.Secret = nil
		c.PrivateKeyPEM = material
	})
}

func freshClaims(t *testing.T, ttl time.Duration) *Claims {
	t.Helper()
	c := NewClaims()
	now := time.Now().Unix()
	if err := c.SetIssuedAt(now); err != nil {
		t.Fatalf("SetIssuedAt failed: %v", err)
	}
	if err := c.SetExpiresAt(now + int64(ttl/time.Second)); err != nil {
		t.Fatalf("SetExpiresAt failed: %v", err)
	}
	if err := c.SetSubject("7"); err != nil {
		t.Fatalf("SetSubject failed: %v", err)
	}
	return c
}

func TestEncodeRoundTripAcrossFamilies(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) *Config
	}{
		{"HS256", func(t *testing.T) *Config { return validatedConfig(t, nil) }},
		{"HS384", func(t *testing.T) *Config {
			return validatedConfig(t, func(c *Config) { c.Algorithm = HS384 })
		}},
		{"HS512", func(t *testing.T) *Config {
			return validatedConfig(t, func(c *Config) { c.Algorithm = HS512 })
		}},
		{"RS256", func(t *testing.T) *Config { return asymmetricConfig(t, RS256) }},
		{"ES256", func(t *testing.T) *Config { return asymmetricConfig(t, ES256) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg(t)
			token, err := NewEncoder(cfg).Encode(freshClaims(t, time.Hour), nil)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if strings.Count(token, ".") != 2 {
				t.Fatalf("token is not three segments: %q", token)
			}
			claims, err := NewDecoder(cfg).Decode(token)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if claims.Subject != "7" {
				t.Fatalf("round trip lost sub: %q", claims.Subject)
			}
		})
	}
}

func TestEncodeDeterminism(t *testing.T) {
	cfg := validatedConfig(t, nil)
	enc := NewEncoder(cfg)
	claims := freshClaims(t, time.Hour)
	if err := claims.Set("role", "admin"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	a, err := enc.Encode(claims, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := enc.Encode(claims, nil)
	if err != nil {
		t.Fatalf("Encode repeat failed: %v", err)
	}
	if a != b {
		t.Fatal("identical claims produced different HMAC tokens")
	}
}

func TestEncodeHeaderValidation(t *testing.T) {
	cfg := validatedConfig(t, nil)
	enc := NewEncoder(cfg)
	claims := freshClaims(t, time.Hour)

	if _, err := enc.Encode(claims, map[string]any{"typ": "JWE"}); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for typ override, got %v", err)
	}
	if _, err := enc.Encode(claims, map[string]any{"alg": "none"}); !errors.Is(err, ErrAlgorithmUnsupported) {
		t.Fatalf("expected ErrAlgorithmUnsupported for alg none, got %v", err)
	}
	// A cross-family alg override must not reach the signer.
	if _, err := enc.Encode(claims, map[string]any{"alg": "RS256"}); !errors.Is(err, ErrAlgorithmUnsupported) {
		t.Fatalf("expected ErrAlgorithmUnsupported for cross-family alg, got %v", err)
	}
	// Same-family strength overrides are allowed.
	if _, err := enc.Encode(claims, map[string]any{"alg": "HS512"}); err != nil {
		t.Fatalf("same-family override failed: %v", err)
	}
}

func TestEncodeWithDefaults(t *testing.T) {
	cfg := validatedConfig(t, func(c *Config) {
		c.Issuer = "api"
		c.Audience = "web"
	})
	token, err := NewEncoder(cfg).EncodeWithDefaults(map[string]any{"role": "admin"})
	if err != nil {
		t.Fatalf("EncodeWithDefaults failed: %v", err)
	}
	claims, err := NewDecoder(cfg).Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if claims.Issuer != "api" {
		t.Fatalf("iss default missing: %q", claims.Issuer)
	}
	if !containsAudience(claims.Audience, "web") {
		t.Fatalf("aud default missing: %v", claims.Audience)
	}
	if claims.Custom["role"] != "admin" {
		t.Fatalf("custom claim missing: %v", claims.Custom)
	}
	if claims.IssuedAt == 0 || claims.NotBefore != claims.IssuedAt {
		t.Fatalf("iat/nbf not stamped together: iat=%d nbf=%d", claims.IssuedAt, claims.NotBefore)
	}
	want := claims.IssuedAt + int64(cfg.AccessTTL/time.Second)
	if claims.ExpiresAt != want {
		t.Fatalf("exp = %d, want %d", claims.ExpiresAt, want)
	}
}

func TestEncodeKidHeader(t *testing.T) {
	cfg := validatedConfig(t, func(c *Config) { c.KeyID = "k-1" })
	token, err := NewEncoder(cfg).Encode(freshClaims(t, time.Hour), nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	parsed, err := decodeUnverified(token)
	if err != nil {
		t.Fatalf("decodeUnverified failed: %v", err)
	}
	if parsed.Header["kid"] != "k-1" {
		t.Fatalf("kid not stamped: %v", parsed.Header)
	}
}
