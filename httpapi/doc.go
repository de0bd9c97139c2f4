// Package httpapi exposes a gatekey engine over HTTP using fiber.
//
// Handlers are stateless and request-scoped: they parse and guard-validate
// the body, call exactly one engine operation, and return its error
// untranslated. The fiber error handler is the single point where engine
// sentinels become the {error, status, message} wire shape.
//
// GET /verify is the exception to the JSON contract: ticket redemption
// always answers with a 302 to the caller's redirectTo, appending
// refreshToken and type on success or the reserved error parameters on
// failure.
package httpapi
