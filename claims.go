package tokenforge

import (
	"encoding/json"
	"fmt"
	"time"
)

// Names of the seven registered JWT claims.
const (
	ClaimIssuer    = "iss"
	ClaimSubject   = "sub"
	ClaimAudience  = "aud"
	ClaimExpiresAt = "exp"
	ClaimNotBefore = "nbf"
	ClaimIssuedAt  = "iat"
	ClaimID        = "jti"
)

// Claims is an open claims bag with strongly typed registered fields and a
// side map for everything else. Registered mutations re-validate the claim
// type before acceptance; custom claims take any JSON-serializable value.
//
// The zero value is ready to use. Claims is not safe for concurrent
// mutation; share it read-only or copy it.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt int64
	NotBefore int64
	IssuedAt  int64
	ID        string

	Custom map[string]any
}

// NewClaims returns an empty claims bag.
func NewClaims() *Claims {
	return &Claims{Custom: make(map[string]any)}
}

/*
====================================
TYPED SETTERS
====================================
*/

// SetIssuer sets the iss claim. Empty strings are rejected.
func (c *Claims) SetIssuer(iss string) error {
	if iss == "" {
		return fmt.Errorf("%w: iss must be a non-empty string", ErrClaimInvalid)
	}
	c.Issuer = iss
	return nil
}

// SetSubject sets the sub claim. Empty strings are rejected.
func (c *Claims) SetSubject(sub string) error {
	if sub == "" {
		return fmt.Errorf("%w: sub must be a non-empty string", ErrClaimInvalid)
	}
	c.Subject = sub
	return nil
}

// SetAudience sets the aud claim from a string, []string, or []any of
// strings. The value is always normalized to an array; empty arrays and
// empty members are rejected.
func (c *Claims) SetAudience(aud any) error {
	normalized, err := normalizeAudience(aud)
	if err != nil {
		return err
	}
	c.Audience = normalized
	return nil
}

func normalizeAudience(aud any) ([]string, error) {
	switch v := aud.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("%w: aud must be non-empty", ErrClaimInvalid)
		}
		return []string{v}, nil
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: aud array must be non-empty", ErrClaimInvalid)
		}
		for _, s := range v {
			if s == "" {
				return nil, fmt.Errorf("%w: aud array contains an empty member", ErrClaimInvalid)
			}
		}
		return append([]string(nil), v...), nil
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: aud array must be non-empty", ErrClaimInvalid)
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("%w: aud array members must be non-empty strings", ErrClaimInvalid)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: aud must be a string or array of strings", ErrClaimInvalid)
	}
}

// SetExpiresAt sets the exp claim as a positive Unix timestamp.
func (c *Claims) SetExpiresAt(exp int64) error {
	if exp <= 0 {
		return fmt.Errorf("%w: exp must be a positive integer timestamp", ErrClaimInvalid)
	}
	c.ExpiresAt = exp
	return nil
}

// SetNotBefore sets the nbf claim as a positive Unix timestamp.
func (c *Claims) SetNotBefore(nbf int64) error {
	if nbf <= 0 {
		return fmt.Errorf("%w: nbf must be a positive integer timestamp", ErrClaimInvalid)
	}
	c.NotBefore = nbf
	return nil
}

// SetIssuedAt sets the iat claim as a positive Unix timestamp.
func (c *Claims) SetIssuedAt(iat int64) error {
	if iat <= 0 {
		return fmt.Errorf("%w: iat must be a positive integer timestamp", ErrClaimInvalid)
	}
	c.IssuedAt = iat
	return nil
}

// SetID sets the jti claim.
func (c *Claims) SetID(jti string) error {
	if jti == "" {
		return fmt.Errorf("%w: jti must be a non-empty string", ErrClaimInvalid)
	}
	c.ID = jti
	return nil
}

/*
====================================
GENERIC ACCESS
====================================
*/

// Set stores a claim by name. Registered names dispatch to the typed
// setters; everything else lands in the custom map as-is.
func (c *Claims) Set(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: claim name must be non-empty", ErrClaimInvalid)
	}
	switch name {
	case ClaimIssuer:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: iss must be a string", ErrClaimInvalid)
		}
		return c.SetIssuer(s)
	case ClaimSubject:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: sub must be a string", ErrClaimInvalid)
		}
		return c.SetSubject(s)
	case ClaimAudience:
		return c.SetAudience(value)
	case ClaimExpiresAt, ClaimNotBefore, ClaimIssuedAt:
		ts, err := toUnix(name, value)
		if err != nil {
			return err
		}
		switch name {
		case ClaimExpiresAt:
			return c.SetExpiresAt(ts)
		case ClaimNotBefore:
			return c.SetNotBefore(ts)
		default:
			return c.SetIssuedAt(ts)
		}
	case ClaimID:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: jti must be a string", ErrClaimInvalid)
		}
		return c.SetID(s)
	default:
		if c.Custom == nil {
			c.Custom = make(map[string]any)
		}
		c.Custom[name] = value
		return nil
	}
}

func toUnix(name string, value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%w: %s must be an integer timestamp", ErrClaimInvalid, name)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer timestamp", ErrClaimInvalid, name)
		}
		return n, nil
	case time.Time:
		return v.Unix(), nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer timestamp", ErrClaimInvalid, name)
	}
}

// Get returns a claim value by name and whether it is present.
func (c *Claims) Get(name string) (any, bool) {
	switch name {
	case ClaimIssuer:
		return c.Issuer, c.Issuer != ""
	case ClaimSubject:
		return c.Subject, c.Subject != ""
	case ClaimAudience:
		return c.Audience, len(c.Audience) > 0
	case ClaimExpiresAt:
		return c.ExpiresAt, c.ExpiresAt > 0
	case ClaimNotBefore:
		return c.NotBefore, c.NotBefore > 0
	case ClaimIssuedAt:
		return c.IssuedAt, c.IssuedAt > 0
	case ClaimID:
		return c.ID, c.ID != ""
	default:
		v, ok := c.Custom[name]
		return v, ok
	}
}

// Has reports whether a claim is present.
func (c *Claims) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Remove clears a claim by name.
func (c *Claims) Remove(name string) {
	switch name {
	case ClaimIssuer:
		c.Issuer = ""
	case ClaimSubject:
		c.Subject = ""
	case ClaimAudience:
		c.Audience = nil
	case ClaimExpiresAt:
		c.ExpiresAt = 0
	case ClaimNotBefore:
		c.NotBefore = 0
	case ClaimIssuedAt:
		c.IssuedAt = 0
	case ClaimID:
		c.ID = ""
	default:
		delete(c.Custom, name)
	}
}

/*
====================================
TIMING
====================================
*/

// IsExpired reports whether exp is set and lies further than leeway in the
// past. An unset exp never counts as expired here; require the claim via
// RequiredClaims when it must be present.
func (c *Claims) IsExpired(leeway time.Duration) bool {
	return c.isExpiredAt(time.Now(), leeway)
}

func (c *Claims) isExpiredAt(now time.Time, leeway time.Duration) bool {
	if c.ExpiresAt <= 0 {
		return false
	}
	return now.Add(-leeway).Unix() > c.ExpiresAt
}

// IsNotYetValid reports whether nbf is set and lies further than leeway in
// the future.
func (c *Claims) IsNotYetValid(leeway time.Duration) bool {
	return c.isNotYetValidAt(time.Now(), leeway)
}

func (c *Claims) isNotYetValidAt(now time.Time, leeway time.Duration) bool {
	if c.NotBefore <= 0 {
		return false
	}
	return now.Add(leeway).Unix() < c.NotBefore
}

// ValidateRequiredClaims checks presence of every name and reports all
// missing ones together in a single MissingClaimsError.
func (c *Claims) ValidateRequiredClaims(names []string) error {
	var missing []string
	for _, name := range names {
		if !c.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingClaimsError{Names: missing}
	}
	return nil
}

// ValidateTiming applies leeway and fails with ErrTokenExpired or
// ErrTokenNotYetValid, checked in that order.
func (c *Claims) ValidateTiming(leeway time.Duration) error {
	return c.validateTimingAt(time.Now(), leeway)
}

func (c *Claims) validateTimingAt(now time.Time, leeway time.Duration) error {
	if c.isExpiredAt(now, leeway) {
		return fmt.Errorf("%w: exp was %s", ErrTokenExpired, time.Unix(c.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	if c.isNotYetValidAt(now, leeway) {
		return fmt.Errorf("%w: nbf is %s", ErrTokenNotYetValid, time.Unix(c.NotBefore, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

/*
====================================
SERIALIZATION
====================================
*/

// payloadMap merges the registered fields and the custom map into one
// payload. Registered fields win on name collision.
func (c *Claims) payloadMap() map[string]any {
	out := make(map[string]any, len(c.Custom)+7)
	for k, v := range c.Custom {
		out[k] = v
	}
	if c.Issuer != "" {
		out[ClaimIssuer] = c.Issuer
	}
	if c.Subject != "" {
		out[ClaimSubject] = c.Subject
	}
	if len(c.Audience) > 0 {
		out[ClaimAudience] = c.Audience
	}
	if c.ExpiresAt > 0 {
		out[ClaimExpiresAt] = c.ExpiresAt
	}
	if c.NotBefore > 0 {
		out[ClaimNotBefore] = c.NotBefore
	}
	if c.IssuedAt > 0 {
		out[ClaimIssuedAt] = c.IssuedAt
	}
	if c.ID != "" {
		out[ClaimID] = c.ID
	}
	return out
}

// MarshalJSON serializes the merged payload. Marshaling fails when a custom
// claim value cannot be represented in JSON. Output is byte-reproducible
// for identical input because map keys marshal in sorted order.
func (c *Claims) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.payloadMap())
}

// UnmarshalJSON rebuilds the bag from a payload, routing registered names
// through the typed setters.
func (c *Claims) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := claimsFromMap(raw)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

func claimsFromMap(raw map[string]any) (*Claims, error) {
	c := NewClaims()
	for name, value := range raw {
		if err := c.Set(name, value); err != nil {
			return nil, err
		}
	}
	return c, nil
}
