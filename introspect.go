package tokenforge

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// TokenIntrospector produces diagnostic reports about token strings. It is
// non-authoritative by construction: it never verifies signatures and its
// output must never feed an authorization decision. Every method is total
// over arbitrary input; malformed tokens yield a structured invalid result,
// never a panic or error.
type TokenIntrospector struct{}

// NewTokenIntrospector returns a stateless introspector.
func NewTokenIntrospector() *TokenIntrospector {
	return &TokenIntrospector{}
}

// TimingAnalysis describes where a token sits in its validity window.
type TimingAnalysis struct {
	Status     string     `json:"status"` // active, expired, not_yet_valid, no_expiration
	IssuedAt   *time.Time `json:"issued_at,omitempty"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ExpiresIn  string     `json:"expires_in,omitempty"`
	ExpiredFor string     `json:"expired_for,omitempty"`
	ValidIn    string     `json:"valid_in,omitempty"`
}

// SecurityAssessment scores a token 0-100 with heuristic warnings. The
// sensitive-name check is a pattern match on claim names, never a guess at
// true sensitivity.
type SecurityAssessment struct {
	Score    int      `json:"score"`
	Warnings []string `json:"warnings,omitempty"`
}

// IntrospectionReport is the full diagnostic view of one token string.
type IntrospectionReport struct {
	Valid          bool                `json:"valid"`
	Error          string              `json:"error,omitempty"`
	Header         map[string]any      `json:"header,omitempty"`
	Payload        map[string]any      `json:"payload,omitempty"`
	StandardClaims map[string]any      `json:"standard_claims,omitempty"`
	CustomClaims   map[string]any      `json:"custom_claims,omitempty"`
	Timing         *TimingAnalysis     `json:"timing,omitempty"`
	Security       *SecurityAssessment `json:"security,omitempty"`
}

// ClaimDifference is one claim-level divergence between two tokens.
type ClaimDifference struct {
	Name string `json:"name"`
	A    any    `json:"a"`
	B    any    `json:"b"`
}

// TokenComparison reports what two tokens share and where their claims
// diverge.
type TokenComparison struct {
	BothParseable bool              `json:"both_parseable"`
	Error         string            `json:"error,omitempty"`
	SameSubject   bool              `json:"same_subject"`
	SameIssuer    bool              `json:"same_issuer"`
	SameAudience  bool              `json:"same_audience"`
	SameAlgorithm bool              `json:"same_algorithm"`
	Differences   []ClaimDifference `json:"differences,omitempty"`
}

var registeredClaimNames = map[string]bool{
	ClaimIssuer: true, ClaimSubject: true, ClaimAudience: true,
	ClaimExpiresAt: true, ClaimNotBefore: true, ClaimIssuedAt: true,
	ClaimID: true,
}

// Introspect parses a token without verification and reports structure,
// decoded header and payload, the standard/custom claim split, timing
// analysis, and a security assessment.
func (t *TokenIntrospector) Introspect(token string) *IntrospectionReport {
	parsed, err := decodeUnverified(token)
	if err != nil {
		return &IntrospectionReport{Valid: false, Error: introspectionError(err)}
	}

	standard := make(map[string]any)
	custom := make(map[string]any)
	for name, value := range parsed.Payload {
		if registeredClaimNames[name] {
			standard[name] = value
		} else {
			custom[name] = value
		}
	}

	return &IntrospectionReport{
		Valid:          true,
		Header:         parsed.Header,
		Payload:        parsed.Payload,
		StandardClaims: standard,
		CustomClaims:   custom,
		Timing:         analyzeTiming(parsed.Payload, time.Now()),
		Security:       assessPayload(parsed.Payload),
	}
}

// AssessTokenSecurity scores the token's claim hygiene. Unparseable input
// scores zero.
func (t *TokenIntrospector) AssessTokenSecurity(token string) *SecurityAssessment {
	parsed, err := decodeUnverified(token)
	if err != nil {
		return &SecurityAssessment{Score: 0, Warnings: []string{introspectionError(err)}}
	}
	return assessPayload(parsed.Payload)
}

// CompareTokens reports whether two tokens share subject, issuer, audience,
// and algorithm, and enumerates every claim-level difference.
func (t *TokenIntrospector) CompareTokens(a, b string) *TokenComparison {
	parsedA, errA := decodeUnverified(a)
	parsedB, errB := decodeUnverified(b)
	if errA != nil || errB != nil {
		err := errA
		if err == nil {
			err = errB
		}
		return &TokenComparison{BothParseable: false, Error: introspectionError(err)}
	}

	algA, _ := parsedA.Header["alg"].(string)
	algB, _ := parsedB.Header["alg"].(string)

	names := make([]string, 0, len(parsedA.Payload)+len(parsedB.Payload))
	seen := make(map[string]bool)
	for name := range parsedA.Payload {
		seen[name] = true
		names = append(names, name)
	}
	for name := range parsedB.Payload {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var diffs []ClaimDifference
	for _, name := range names {
		va := parsedA.Payload[name]
		vb := parsedB.Payload[name]
		if !reflect.DeepEqual(va, vb) {
			diffs = append(diffs, ClaimDifference{Name: name, A: va, B: vb})
		}
	}

	return &TokenComparison{
		BothParseable: true,
		SameSubject:   reflect.DeepEqual(parsedA.Payload[ClaimSubject], parsedB.Payload[ClaimSubject]),
		SameIssuer:    reflect.DeepEqual(parsedA.Payload[ClaimIssuer], parsedB.Payload[ClaimIssuer]),
		SameAudience:  sameAudience(parsedA.Payload[ClaimAudience], parsedB.Payload[ClaimAudience]),
		SameAlgorithm: algA == algB,
		Differences:   diffs,
	}
}

/*
====================================
ANALYSIS HELPERS
====================================
*/

func analyzeTiming(payload map[string]any, now time.Time) *TimingAnalysis {
	analysis := &TimingAnalysis{Status: "active"}

	if iat, ok := numericClaim(payload[ClaimIssuedAt]); ok {
		t := time.Unix(iat, 0).UTC()
		analysis.IssuedAt = &t
	}
	nbf, hasNBF := numericClaim(payload[ClaimNotBefore])
	if hasNBF {
		t := time.Unix(nbf, 0).UTC()
		analysis.NotBefore = &t
	}
	exp, hasExp := numericClaim(payload[ClaimExpiresAt])
	if hasExp {
		t := time.Unix(exp, 0).UTC()
		analysis.ExpiresAt = &t
	}

	switch {
	case hasExp && now.Unix() > exp:
		analysis.Status = "expired"
		analysis.ExpiredFor = humanDuration(now.Sub(time.Unix(exp, 0)))
	case hasNBF && now.Unix() < nbf:
		analysis.Status = "not_yet_valid"
		analysis.ValidIn = humanDuration(time.Unix(nbf, 0).Sub(now))
	case hasExp:
		analysis.ExpiresIn = humanDuration(time.Unix(exp, 0).Sub(now))
	default:
		analysis.Status = "no_expiration"
	}
	return analysis
}

var sensitiveNameFragments = []string{"password", "secret", "key"}

func assessPayload(payload map[string]any) *SecurityAssessment {
	score := 100
	var warnings []string

	exp, hasExp := numericClaim(payload[ClaimExpiresAt])
	if !hasExp {
		score -= 30
		warnings = append(warnings, "token has no expiration (exp) claim")
	} else if time.Until(time.Unix(exp, 0)) > 24*time.Hour {
		score -= 10
		warnings = append(warnings, "expiration is more than 24 hours out")
	}
	if _, ok := payload[ClaimIssuer]; !ok {
		score -= 10
		warnings = append(warnings, "recommended claim iss is absent")
	}
	if _, ok := payload[ClaimAudience]; !ok {
		score -= 10
		warnings = append(warnings, "recommended claim aud is absent")
	}

	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, fragment := range sensitiveNameFragments {
			if strings.Contains(lower, fragment) {
				score -= 15
				warnings = append(warnings, fmt.Sprintf("claim name %q looks sensitive", name))
				break
			}
		}
	}

	if score < 0 {
		score = 0
	}
	return &SecurityAssessment{Score: score, Warnings: warnings}
}

func numericClaim(v any) (int64, bool) {
	n, ok := claimInt(v)
	if !ok {
		return 0, false
	}
	return int64(n), true
}

func sameAudience(a, b any) bool {
	na, errA := normalizeAudienceLenient(a)
	nb, errB := normalizeAudienceLenient(b)
	if errA || errB {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalizeAudienceLenient(v any) ([]string, bool) {
	if v == nil {
		return nil, false
	}
	out, err := normalizeAudience(v)
	if err != nil {
		return nil, true
	}
	return out, false
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	return d.Round(time.Second).String()
}

// introspectionError turns an engine error into the user-facing sentence
// of the report, e.g. "Invalid token structure".
func introspectionError(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return "Invalid token"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
