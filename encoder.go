package tokenforge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Encoder serializes a claims bag into the three-segment compact JWS form.
// Encoders are stateless per call and safe for unrestricted concurrent use.
type Encoder struct {
	cfg *Config
}

// NewEncoder returns an Encoder bound to a validated Config.
func NewEncoder(cfg *Config) *Encoder {
	return &Encoder{cfg: cfg}
}

// Encode produces a signed token from the claims and optional header
// overrides. The effective header must carry typ "JWT" and a supported alg
// compatible with the configured key material; both are checked before any
// output is produced. Identical claims and timestamps yield byte-identical
// tokens, modulo the randomness ECDSA signatures themselves require.
func (e *Encoder) Encode(claims *Claims, headerOverrides map[string]any) (string, error) {
	header := map[string]any{
		"typ": "JWT",
		"alg": e.cfg.Algorithm.Name(),
	}
	if e.cfg.KeyID != "" {
		header["kid"] = e.cfg.KeyID
	}
	for k, v := range headerOverrides {
		header[k] = v
	}

	typ, _ := header["typ"].(string)
	if typ != "JWT" {
		return "", fmt.Errorf("%w: header typ must be \"JWT\"", ErrTokenMalformed)
	}
	algName, _ := header["alg"].(string)
	alg, err := ParseAlgorithm(algName)
	if err != nil {
		return "", err
	}
	if alg.Family() != e.cfg.Algorithm.Family() {
		return "", fmt.Errorf("%w: %s is incompatible with the configured key material", ErrAlgorithmUnsupported, algName)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("%w: header not JSON-serializable", ErrTokenMalformed)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("claims serialization: %w", err)
	}

	signingString := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)

	key, err := e.cfg.signingKey()
	if err != nil {
		return "", err
	}
	sig, err := alg.signingMethod().Sign(signingString, key)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// EncodeWithDefaults merges the Config-derived issuer, audience, and subject
// defaults with a fresh iat, nbf=iat, and exp=iat+AccessTTL, applies the
// custom claims on top, and encodes.
func (e *Encoder) EncodeWithDefaults(custom map[string]any) (string, error) {
	claims, err := e.defaultClaims(e.cfg.AccessTTL)
	if err != nil {
		return "", err
	}
	for name, value := range custom {
		if err := claims.Set(name, value); err != nil {
			return "", err
		}
	}
	return e.Encode(claims, nil)
}

// defaultClaims stamps iat/nbf/exp around now plus any configured
// iss/aud/sub defaults. A negative ttl deliberately produces an exp in the
// past.
func (e *Encoder) defaultClaims(ttl time.Duration) (*Claims, error) {
	claims := NewClaims()
	now := time.Now().Unix()
	if err := claims.SetIssuedAt(now); err != nil {
		return nil, err
	}
	if err := claims.SetNotBefore(now); err != nil {
		return nil, err
	}
	exp := now + int64(ttl/time.Second)
	if exp <= 0 {
		// Clamp so the claim stays a positive timestamp even for TTLs that
		// would reach before the epoch.
		exp = 1
	}
	if err := claims.SetExpiresAt(exp); err != nil {
		return nil, err
	}
	if e.cfg.Issuer != "" {
		if err := claims.SetIssuer(e.cfg.Issuer); err != nil {
			return nil, err
		}
	}
	if e.cfg.Audience != "" {
		if err := claims.SetAudience(e.cfg.Audience); err != nil {
			return nil, err
		}
	}
	if e.cfg.Subject != "" {
		if err := claims.SetSubject(e.cfg.Subject); err != nil {
			return nil, err
		}
	}
	return claims, nil
}
