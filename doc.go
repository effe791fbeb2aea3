// Package tokenforge provides a stateless JSON Web Token engine: signing and
// verification across the HS/RS/ES algorithm families, claim-level timing
// validation with leeway, refresh-token rotation with family tracking and
// reuse detection, signing-key rotation with grace periods, and a
// non-authoritative token introspector.
//
// The package is designed for concurrent server workloads: every component
// reachable from [Builder.Build] is safe to call from multiple goroutines
// after initialization.
//
// # Architecture boundaries
//
// tokenforge is the public surface. It exposes [Engine], [Builder], [Config],
// and the component types ([Encoder], [Decoder], [TokenGenerator],
// [RefreshTokenManager], [KeyRotationManager], [TokenIntrospector]). The
// key-value store contract and its Redis and in-memory drivers live under
// store/.
//
// # What this package must NOT do
//
//   - Look up user records. Decoded claims hand the subject back to the
//     caller; identity resolution belongs to the surrounding application.
//   - Perform network I/O outside of store-backed operations (key rotation,
//     refresh reuse tracking). Encode, Decode, and introspection are pure
//     per-call computations.
//   - Make authorization decisions from introspection output. Introspection
//     is diagnostic only and tolerates arbitrary garbage input.
//
// # Performance contract
//
// Decode is the hot path. It performs no store round-trips unless a key ring
// is attached, and fails terminally at the first invalid stage of the token
// state machine. Refresh and rotation operations are allowed store
// round-trips per call.
package tokenforge
