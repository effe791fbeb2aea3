package tokenforge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfigInvalid is an exported constant used by the token engine.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrTokenMalformed is an exported constant used by the token engine.
	ErrTokenMalformed = errors.New("malformed token")
	// ErrAlgorithmUnsupported is an exported constant used by the token engine.
	ErrAlgorithmUnsupported = errors.New("unsupported signing algorithm")
	// ErrSignatureInvalid is the single generic signature failure. It carries
	// no detail about why verification failed.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrClaimsMissing is an exported constant used by the token engine.
	ErrClaimsMissing = errors.New("missing required claims")
	// ErrClaimInvalid is an exported constant used by the token engine.
	ErrClaimInvalid = errors.New("invalid claim value")
	// ErrTokenExpired is an exported constant used by the token engine.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNotYetValid is an exported constant used by the token engine.
	ErrTokenNotYetValid = errors.New("token not yet valid")
	// ErrIssuerMismatch is an exported constant used by the token engine.
	ErrIssuerMismatch = errors.New("issuer mismatch")
	// ErrAudienceMismatch is an exported constant used by the token engine.
	ErrAudienceMismatch = errors.New("audience mismatch")
	// ErrRefreshInvalid is an exported constant used by the token engine.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshLimitExceeded is an exported constant used by the token engine.
	ErrRefreshLimitExceeded = errors.New("exceeded maximum refresh count")
	// ErrRefreshReuse is an exported constant used by the token engine.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrKeyNotFound is an exported constant used by the token engine.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrEngineNotReady is an exported constant used by the token engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// Machine-readable codes attached to non-throwing validation results so API
// consumers can branch without string matching.
const (
	// CodeInvalidRefreshToken is an exported constant used by the token engine.
	CodeInvalidRefreshToken = "invalid_refresh_token"
	// CodeRefreshLimitExceeded is an exported constant used by the token engine.
	CodeRefreshLimitExceeded = "refresh_limit_exceeded"
	// CodeRefreshReuseDetected is an exported constant used by the token engine.
	CodeRefreshReuseDetected = "refresh_reuse_detected"
	// CodeTokenExpired is an exported constant used by the token engine.
	CodeTokenExpired = "token_expired"
	// CodeTokenNotYetValid is an exported constant used by the token engine.
	CodeTokenNotYetValid = "token_not_yet_valid"
)

// MissingClaimsError reports every required claim absent from a payload in a
// single failure, not just the first one found.
type MissingClaimsError struct {
	Names []string
}

// Error implements the error interface.
func (e *MissingClaimsError) Error() string {
	return fmt.Sprintf("missing required claims: %s", strings.Join(e.Names, ", "))
}

// Is makes errors.Is(err, ErrClaimsMissing) match.
func (e *MissingClaimsError) Is(target error) bool {
	return target == ErrClaimsMissing
}

// errorCode maps an engine error onto its machine-readable code for the
// non-throwing result surfaces.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRefreshLimitExceeded):
		return CodeRefreshLimitExceeded
	case errors.Is(err, ErrRefreshReuse):
		return CodeRefreshReuseDetected
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrTokenNotYetValid):
		return CodeTokenNotYetValid
	default:
		return CodeInvalidRefreshToken
	}
}
