package tokenforge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// segmentCodec decodes base64url token segments, padding rejected, the way
// the wire format specifies them.
var segmentCodec = jwt.NewParser(jwt.WithStrictDecoding())

// Decoder parses, verifies, and validates compact JWS tokens. A single
// decode call is a terminal state machine: structure, header, signature,
// required claims, timing, then issuer/audience, failing at the first
// invalid stage.
//
// Decoders are stateless per call and safe for unrestricted concurrent use.
type Decoder struct {
	cfg     *Config
	keyring *KeyRotationManager
}

// NewDecoder returns a Decoder verifying against the Config key material.
func NewDecoder(cfg *Config) *Decoder {
	return &Decoder{cfg: cfg}
}

// NewDecoderWithKeyring returns a Decoder that verifies against the
// rotation manager's valid-key set: the kid-matched key when the header
// names one, otherwise every key still inside its grace window.
func NewDecoderWithKeyring(cfg *Config, keyring *KeyRotationManager) *Decoder {
	return &Decoder{cfg: cfg, keyring: keyring}
}

// Decode verifies and validates a token with a background context. Prefer
// DecodeContext when a keyring is attached so store reads stay cancelable.
func (d *Decoder) Decode(token string) (*Claims, error) {
	return d.DecodeContext(context.Background(), token)
}

// DecodeContext runs the full decode state machine and returns the claims
// on success.
func (d *Decoder) DecodeContext(ctx context.Context, token string) (*Claims, error) {
	parts, headerBytes, payloadBytes, sig, err := splitToken(token)
	if err != nil {
		return nil, err
	}

	header, alg, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	if err := d.verifySignature(ctx, parts[0]+"."+parts[1], sig, header, alg); err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(payloadBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid payload JSON", ErrTokenMalformed)
	}

	if len(d.cfg.RequiredClaims) > 0 {
		var missing []string
		for _, name := range d.cfg.RequiredClaims {
			if _, ok := raw[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return nil, &MissingClaimsError{Names: missing}
		}
	}

	claims, err := claimsFromMap(raw)
	if err != nil {
		return nil, err
	}

	if err := claims.ValidateTiming(d.cfg.Leeway); err != nil {
		return nil, err
	}

	if d.cfg.Issuer != "" && claims.Issuer != d.cfg.Issuer {
		return nil, fmt.Errorf("%w: token issuer %q", ErrIssuerMismatch, claims.Issuer)
	}
	if d.cfg.Audience != "" && !containsAudience(claims.Audience, d.cfg.Audience) {
		return nil, fmt.Errorf("%w: expected audience %q", ErrAudienceMismatch, d.cfg.Audience)
	}

	return claims, nil
}

// UnverifiedToken is the parse-only view of a token: header and payload
// with no signature, timing, or claim validation applied. It must never
// feed an authorization decision.
type UnverifiedToken struct {
	Header  map[string]any
	Payload map[string]any
}

// DecodeUnverified parses structure, header JSON, and payload JSON and
// nothing else. It exists for introspection and diagnostics only.
func (d *Decoder) DecodeUnverified(token string) (*UnverifiedToken, error) {
	return decodeUnverified(token)
}

func decodeUnverified(token string) (*UnverifiedToken, error) {
	_, headerBytes, payloadBytes, _, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	var header map[string]any
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: invalid header JSON", ErrTokenMalformed)
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid payload JSON", ErrTokenMalformed)
	}
	return &UnverifiedToken{Header: header, Payload: payload}, nil
}

/*
====================================
STAGES
====================================
*/

// splitToken enforces the structural stage: non-empty token, exactly three
// non-empty dot-separated segments, each valid base64url.
func splitToken(token string) (parts []string, header, payload, sig []byte, err error) {
	if token == "" {
		return nil, nil, nil, nil, fmt.Errorf("%w: invalid token structure", ErrTokenMalformed)
	}
	parts = strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, nil, nil, fmt.Errorf("%w: invalid token structure", ErrTokenMalformed)
	}
	for _, p := range parts {
		if p == "" {
			return nil, nil, nil, nil, fmt.Errorf("%w: invalid token structure", ErrTokenMalformed)
		}
	}
	if header, err = segmentCodec.DecodeSegment(parts[0]); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: invalid token structure", ErrTokenMalformed)
	}
	if payload, err = segmentCodec.DecodeSegment(parts[1]); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: invalid token structure", ErrTokenMalformed)
	}
	if sig, err = segmentCodec.DecodeSegment(parts[2]); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: invalid token structure", ErrTokenMalformed)
	}
	return parts, header, payload, sig, nil
}

// parseHeader enforces the header stage: valid JSON, typ "JWT", supported
// alg.
func parseHeader(headerBytes []byte) (map[string]any, Algorithm, error) {
	var header map[string]any
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, Algorithm{}, fmt.Errorf("%w: invalid header JSON", ErrTokenMalformed)
	}
	typ, _ := header["typ"].(string)
	if typ != "JWT" {
		return nil, Algorithm{}, fmt.Errorf("%w: header typ must be \"JWT\"", ErrTokenMalformed)
	}
	algName, ok := header["alg"].(string)
	if !ok || algName == "" {
		return nil, Algorithm{}, fmt.Errorf("%w: missing alg header", ErrAlgorithmUnsupported)
	}
	alg, err := ParseAlgorithm(algName)
	if err != nil {
		return nil, Algorithm{}, err
	}
	return header, alg, nil
}

// verifySignature enforces the signature stage. Every mismatch collapses to
// the single generic ErrSignatureInvalid; nothing about which byte differed
// leaks. The HMAC comparison inside the signing method is constant-time.
func (d *Decoder) verifySignature(ctx context.Context, signingString string, sig []byte, header map[string]any, alg Algorithm) error {
	// Only the configured algorithm is acceptable, closing the
	// cross-algorithm confusion route. The check runs before any key
	// lookup: keyring reads bootstrap lazily, and unverified input must
	// never reach them for an algorithm the engine does not sign with.
	if alg.Name() != d.cfg.Algorithm.Name() {
		return fmt.Errorf("%w: %s not allowed by configuration", ErrAlgorithmUnsupported, alg.Name())
	}

	if d.keyring != nil {
		return d.verifyWithKeyring(ctx, signingString, sig, header, alg)
	}
	key, err := d.cfg.verificationKey()
	if err != nil {
		return err
	}
	if err := alg.signingMethod().Verify(signingString, sig, key); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

func (d *Decoder) verifyWithKeyring(ctx context.Context, signingString string, sig []byte, header map[string]any, alg Algorithm) error {
	candidates, err := d.keyring.GetValidKeys(ctx, alg)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return ErrSignatureInvalid
	}

	kid, _ := header["kid"].(string)
	if kid != "" {
		for _, record := range candidates {
			if record.ID != kid {
				continue
			}
			key, err := record.verificationKey()
			if err != nil {
				return ErrSignatureInvalid
			}
			if alg.signingMethod().Verify(signingString, sig, key) != nil {
				return ErrSignatureInvalid
			}
			return nil
		}
		// Unknown kid falls through to the full candidate set so tokens
		// signed just before a rotation still verify.
	}

	for _, record := range candidates {
		key, err := record.verificationKey()
		if err != nil {
			continue
		}
		if alg.signingMethod().Verify(signingString, sig, key) == nil {
			return nil
		}
	}

	// Static Config material stays a candidate so tokens issued before the
	// managed key ring existed keep verifying until they expire.
	if key, err := d.cfg.verificationKey(); err == nil {
		if alg.signingMethod().Verify(signingString, sig, key) == nil {
			return nil
		}
	}
	return ErrSignatureInvalid
}

func containsAudience(aud []string, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}
