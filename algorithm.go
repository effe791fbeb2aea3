package tokenforge

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AlgorithmFamily identifies the cryptographic family of a signing algorithm.
type AlgorithmFamily int

const (
	// FamilyHMAC covers HS256/HS384/HS512 (symmetric HMAC-SHA2).
	FamilyHMAC AlgorithmFamily = iota
	// FamilyRSA covers RS256/RS384/RS512 (RSA-PKCS1v1.5-SHA2).
	FamilyRSA
	// FamilyECDSA covers ES256/ES384/ES512 (ECDSA-SHA2).
	FamilyECDSA
)

// Algorithm is a closed tagged type over the supported signing algorithms.
// The zero value is not valid; use the exported constants or
// [ParseAlgorithm]. Carrying the family in the type lets Config reject
// mismatched key material at construction time rather than at signing time.
type Algorithm struct {
	family AlgorithmFamily
	bits   int
}

var (
	// HS256 is an exported constant used by the token engine.
	HS256 = Algorithm{FamilyHMAC, 256}
	// HS384 is an exported constant used by the token engine.
	HS384 = Algorithm{FamilyHMAC, 384}
	// HS512 is an exported constant used by the token engine.
	HS512 = Algorithm{FamilyHMAC, 512}
	// RS256 is an exported constant used by the token engine.
	RS256 = Algorithm{FamilyRSA, 256}
	// RS384 is an exported constant used by the token engine.
	RS384 = Algorithm{FamilyRSA, 384}
	// RS512 is an exported constant used by the token engine.
	RS512 = Algorithm{FamilyRSA, 512}
	// ES256 is an exported constant used by the token engine.
	ES256 = Algorithm{FamilyECDSA, 256}
	// ES384 is an exported constant used by the token engine.
	ES384 = Algorithm{FamilyECDSA, 384}
	// ES512 is an exported constant used by the token engine.
	ES512 = Algorithm{FamilyECDSA, 512}
)

var supportedAlgorithms = map[string]Algorithm{
	"HS256": HS256, "HS384": HS384, "HS512": HS512,
	"RS256": RS256, "RS384": RS384, "RS512": RS512,
	"ES256": ES256, "ES384": ES384, "ES512": ES512,
}

// ParseAlgorithm resolves a wire-format "alg" value against the supported
// set. Unsupported values return ErrAlgorithmUnsupported.
func ParseAlgorithm(name string) (Algorithm, error) {
	alg, ok := supportedAlgorithms[name]
	if !ok {
		return Algorithm{}, fmt.Errorf("%w: %q", ErrAlgorithmUnsupported, name)
	}
	return alg, nil
}

// Name returns the wire-format "alg" value, e.g. "HS256".
func (a Algorithm) Name() string {
	var prefix string
	switch a.family {
	case FamilyHMAC:
		prefix = "HS"
	case FamilyRSA:
		prefix = "RS"
	case FamilyECDSA:
		prefix = "ES"
	}
	return fmt.Sprintf("%s%d", prefix, a.bits)
}

// Family returns the cryptographic family of the algorithm.
func (a Algorithm) Family() AlgorithmFamily { return a.family }

// Bits returns the SHA-2 digest size of the algorithm in bits.
func (a Algorithm) Bits() int { return a.bits }

// Symmetric reports whether the algorithm uses a shared secret rather than
// an asymmetric key pair.
func (a Algorithm) Symmetric() bool { return a.family == FamilyHMAC }

// Valid reports whether the value is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	_, ok := supportedAlgorithms[a.Name()]
	return ok && a.bits != 0
}

// hashSize is the digest length in bytes; also the minimum secret size
// generated for fresh symmetric keys.
func (a Algorithm) hashSize() int { return a.bits / 8 }

func (a Algorithm) signingMethod() jwt.SigningMethod {
	return jwt.GetSigningMethod(a.Name())
}
