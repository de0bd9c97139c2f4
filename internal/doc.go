// Package internal contains helper utilities that are intentionally private
// to gatekey, including the opaque credential codec and secure random
// generation.
//
// # Sub-packages
//
//   - audit — async event dispatch (Dispatcher + Sink implementations)
//
// # What this package must NOT do
//
//   - Export types that appear in the public gatekey API.
//   - Be imported by any package outside the gatekey module.
package internal
