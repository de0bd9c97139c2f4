// Package session is the client-side companion to the server engine: a
// small state machine that tracks the four phases of an authentication
// lifecycle (signed out, authenticating, needs email verification, signed
// in), persists the credential set under a single storage key, and keeps
// the access token fresh by refreshing shortly before expiry.
//
// Transitions are pure: every network call is bracketed by a REQUEST
// event and exactly one SUCCESS or ERROR event, so the machine is never
// left pending. Rejections of any kind, including a rejected automatic
// refresh, land in the signed-out failed sub-state with a typed
// [FlowError] attached.
//
// The machine drives the password, passwordless and TOTP flows itself
// through [AuthAPI]. Security-key sign-in is the exception: the WebAuthn
// assertion ceremony needs the platform's credential API (a browser
// prompt, an authenticator), which only the embedder can run. Embedders
// that host the ceremony tag their in-progress state with
// [MethodSecurityKeyEmail] and feed the resulting session back through
// [Machine.Hydrate]; the machine takes over persistence and refresh from
// there.
//
// Cross-process consistency is eventual. When a [ChangeNotifier] is
// configured the machine re-reads storage on each notification, but two
// writers refreshing the same refresh token concurrently race: the loser
// observes a replay, the token family is revoked, and both writers fall
// back to signed out on their next refresh. This is accepted behavior,
// not a defect; single-writer setups never hit it.
package session
