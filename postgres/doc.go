// Package postgres provides the pgx-backed reference implementation of
// [gatekey.UserStore], with schema migrations embedded and applied through
// goose.
//
// Absent email and phone numbers are stored as NULL; partial unique indexes
// enforce single ownership without blocking anonymous accounts.
package postgres
