package tokenforge

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretSize is the minimum symmetric secret length in bytes.
const MinSecretSize = 32

// Config defines the validated settings consumed by every engine component.
//
// Config instances are intended to be configured during initialization,
// validated once through [Config.Validate] or [Builder.Build], and then
// treated as immutable.
type Config struct {
	// Algorithm selects the signature scheme for new tokens and bounds the
	// set accepted during verification.
	Algorithm Algorithm

	// Secret is the shared HMAC secret. Required for the HS family, at
	// least MinSecretSize bytes.
	Secret []byte

	// PrivateKeyPEM and PublicKeyPEM carry the asymmetric key material for
	// the RS/ES families. At least one of the two must be present; signing
	// requires the private key, verification works with either.
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte

	// KeyID, when set, is emitted as the "kid" header on new tokens.
	KeyID string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration

	// RequiredClaims lists claim names whose presence Decode enforces.
	RequiredClaims []string

	// Issuer, Audience, and Subject are defaults stamped onto generated
	// tokens and, when non-empty, expected values during verification.
	Issuer   string
	Audience string
	Subject  string

	// MaxRefreshCount bounds the rotation chain length of one refresh
	// token family.
	MaxRefreshCount int

	// RotationEnabled mints a replacement refresh token on every exchange.
	// Disabling it keeps the presented token valid until its own expiry,
	// a weaker posture that must be opted into.
	RotationEnabled bool

	// ReuseDetection marks consumed refresh tokens in the attached store
	// and revokes the whole family when a superseded token is replayed.
	// Requires a store; BlacklistGrace extends how long consumed token ids
	// are remembered past the family TTL.
	ReuseDetection bool
	BlacklistGrace time.Duration

	// KeyRotationInterval and KeyGracePeriod shape KeyRecord lifecycles
	// managed by the KeyRotationManager.
	KeyRotationInterval time.Duration
	KeyGracePeriod      time.Duration

	// extra holds ancillary fields reachable through Get/Set only.
	extra map[string]any

	// Parsed key material, populated by Validate.
	rsaPrivate *rsa.PrivateKey
	rsaPublic  *rsa.PublicKey
	ecPrivate  *ecdsa.PrivateKey
	ecPublic   *ecdsa.PublicKey
	validated  bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline settings: HS256, 15 minute access
// tokens, 7 day refresh tokens, rotation and reuse detection on. The caller
// still has to supply secret or key material.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Algorithm:           HS256,
		AccessTTL:           15 * time.Minute,
		RefreshTTL:          7 * 24 * time.Hour,
		Leeway:              0,
		MaxRefreshCount:     50,
		RotationEnabled:     true,
		ReuseDetection:      true,
		BlacklistGrace:      5 * time.Minute,
		KeyRotationInterval: 24 * time.Hour,
		KeyGracePeriod:      2 * time.Hour,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Secret = cloneBytes(cfg.Secret)
	out.PrivateKeyPEM = cloneBytes(cfg.PrivateKeyPEM)
	out.PublicKeyPEM = cloneBytes(cfg.PublicKeyPEM)
	if len(cfg.RequiredClaims) > 0 {
		out.RequiredClaims = append([]string(nil), cfg.RequiredClaims...)
	}
	if len(cfg.extra) > 0 {
		out.extra = make(map[string]any, len(cfg.extra))
		for k, v := range cfg.extra {
			out.extra[k] = v
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration eagerly and parses asymmetric key
// material. It fails fast: no token is ever processed against an invalid
// Config. All failures wrap ErrConfigInvalid.
func (c *Config) Validate() error {
	if !c.Algorithm.Valid() {
		return fmt.Errorf("%w: unsupported algorithm", ErrConfigInvalid)
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("%w: AccessTTL must be > 0", ErrConfigInvalid)
	}
	if c.RefreshTTL <= 0 {
		return fmt.Errorf("%w: RefreshTTL must be > 0", ErrConfigInvalid)
	}
	if c.RefreshTTL <= c.AccessTTL {
		return fmt.Errorf("%w: RefreshTTL must exceed AccessTTL", ErrConfigInvalid)
	}
	if c.Leeway < 0 {
		return fmt.Errorf("%w: Leeway must be >= 0", ErrConfigInvalid)
	}
	if c.MaxRefreshCount <= 0 {
		return fmt.Errorf("%w: MaxRefreshCount must be > 0", ErrConfigInvalid)
	}
	for _, name := range c.RequiredClaims {
		if name == "" {
			return fmt.Errorf("%w: RequiredClaims contains an empty name", ErrConfigInvalid)
		}
	}
	if c.KeyRotationInterval <= 0 {
		return fmt.Errorf("%w: KeyRotationInterval must be > 0", ErrConfigInvalid)
	}
	if c.KeyGracePeriod <= 0 {
		return fmt.Errorf("%w: KeyGracePeriod must be > 0", ErrConfigInvalid)
	}
	if c.BlacklistGrace < 0 {
		return fmt.Errorf("%w: BlacklistGrace must be >= 0", ErrConfigInvalid)
	}

	switch c.Algorithm.Family() {
	case FamilyHMAC:
		if len(c.Secret) == 0 {
			return fmt.Errorf("%w: %s requires Secret", ErrConfigInvalid, c.Algorithm.Name())
		}
		if len(c.Secret) < MinSecretSize {
			return fmt.Errorf("%w: Secret must be at least %d bytes", ErrConfigInvalid, MinSecretSize)
		}
	case FamilyRSA:
		if len(c.PrivateKeyPEM) == 0 && len(c.PublicKeyPEM) == 0 {
			return fmt.Errorf("%w: %s requires PrivateKeyPEM or PublicKeyPEM", ErrConfigInvalid, c.Algorithm.Name())
		}
		if len(c.PrivateKeyPEM) > 0 {
			key, err := jwt.ParseRSAPrivateKeyFromPEM(c.PrivateKeyPEM)
			if err != nil {
				return fmt.Errorf("%w: invalid RSA private key", ErrConfigInvalid)
			}
			c.rsaPrivate = key
		}
		if len(c.PublicKeyPEM) > 0 {
			key, err := jwt.ParseRSAPublicKeyFromPEM(c.PublicKeyPEM)
			if err != nil {
				return fmt.Errorf("%w: invalid RSA public key", ErrConfigInvalid)
			}
			c.rsaPublic = key
		}
	case FamilyECDSA:
		if len(c.PrivateKeyPEM) == 0 && len(c.PublicKeyPEM) == 0 {
			return fmt.Errorf("%w: %s requires PrivateKeyPEM or PublicKeyPEM", ErrConfigInvalid, c.Algorithm.Name())
		}
		if len(c.PrivateKeyPEM) > 0 {
			key, err := jwt.ParseECPrivateKeyFromPEM(c.PrivateKeyPEM)
			if err != nil {
				return fmt.Errorf("%w: invalid ECDSA private key", ErrConfigInvalid)
			}
			c.ecPrivate = key
		}
		if len(c.PublicKeyPEM) > 0 {
			key, err := jwt.ParseECPublicKeyFromPEM(c.PublicKeyPEM)
			if err != nil {
				return fmt.Errorf("%w: invalid ECDSA public key", ErrConfigInvalid)
			}
			c.ecPublic = key
		}
	}

	c.validated = true
	return nil
}

/*
====================================
ANCILLARY FIELDS
====================================
*/

// Get returns an ancillary field previously stored with Set, or def when
// the name is unknown.
func (c *Config) Get(name string, def any) any {
	if v, ok := c.extra[name]; ok {
		return v
	}
	return def
}

// Set stores an ancillary field. Setting "algorithm" re-validates the value
// against the supported set and swaps the active algorithm.
func (c *Config) Set(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", ErrConfigInvalid)
	}
	if name == "algorithm" {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: algorithm must be a string", ErrConfigInvalid)
		}
		alg, err := ParseAlgorithm(s)
		if err != nil {
			return err
		}
		c.Algorithm = alg
		// Key material has to be re-checked against the new family.
		c.validated = false
		return c.Validate()
	}
	if c.extra == nil {
		c.extra = make(map[string]any)
	}
	c.extra[name] = value
	return nil
}

/*
====================================
KEY MATERIAL RESOLUTION
====================================
*/

// signingKey returns the key material Encode hands to the signing method.
func (c *Config) signingKey() (any, error) {
	switch c.Algorithm.Family() {
	case FamilyHMAC:
		return c.Secret, nil
	case FamilyRSA:
		if c.rsaPrivate == nil {
			return nil, fmt.Errorf("%w: %s signing requires a private key", ErrConfigInvalid, c.Algorithm.Name())
		}
		return c.rsaPrivate, nil
	default:
		if c.ecPrivate == nil {
			return nil, fmt.Errorf("%w: %s signing requires a private key", ErrConfigInvalid, c.Algorithm.Name())
		}
		return c.ecPrivate, nil
	}
}

// verificationKey returns the key material Decode hands to the signing
// method. For asymmetric families the public key is derived from the
// private key when no public key was configured.
func (c *Config) verificationKey() (any, error) {
	switch c.Algorithm.Family() {
	case FamilyHMAC:
		return c.Secret, nil
	case FamilyRSA:
		if c.rsaPublic != nil {
			return c.rsaPublic, nil
		}
		if c.rsaPrivate != nil {
			return &c.rsaPrivate.PublicKey, nil
		}
		return nil, fmt.Errorf("%w: no RSA verification key", ErrConfigInvalid)
	default:
		if c.ecPublic != nil {
			return c.ecPublic, nil
		}
		if c.ecPrivate != nil {
			return &c.ecPrivate.PublicKey, nil
		}
		return nil, fmt.Errorf("%w: no ECDSA verification key", ErrConfigInvalid)
	}
}
