// Package jwt manages access-token issuance and verification using
// configured signing keys and strict validation semantics. Tokens carry
// role and user claims under the https://hasura.io/jwt/claims namespace.
package jwt
