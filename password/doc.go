// Package password implements password hashing and verification with Argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The hasher supports transparent parameter upgrades: if the stored hash was
// produced with weaker parameters, [Argon2.NeedsUpgrade] returns true so the
// caller can re-hash on the next successful sign-in.
//
// # Architecture boundaries
//
// This package owns hashing, verification, and the byte-length policy.
// Everything else about passwords (reset tickets, change flows) belongs to
// the Engine.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords — callers supply plaintext and receive hashes.
//   - Import any other gatekey package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
