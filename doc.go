// Package gatekey implements the server side of an authentication session
// and credential lifecycle subsystem: password and passwordless sign-in,
// single-use tickets and OTPs, rotating opaque refresh tokens, personal
// access tokens, and TOTP/security-key MFA with session elevation.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// gatekey is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (Session, SignInResult, AuditEvent, MetricsSnapshot).
// Persistence is pluggable: users live behind [UserStore] (see the postgres
// sub-package), short-lived credentials live in Redis. Delivery of emails and
// SMS happens behind [EmailProvider] and [SMSProvider]; the engine never
// composes message bodies.
//
// # What this package must NOT do
//
//   - Expose Redis clients, store internals, or encoding details in its
//     public API.
//   - Store any credential secret in plaintext: only hashes of refresh
//     secrets, ticket secrets, and OTPs are persisted.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
package gatekey
