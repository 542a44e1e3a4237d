// Package protocol owns the identifiers shared by every layer and the wire
// contract packages below it.
//
// Ownership boundary:
// - identifier types (stable ids, session handles, device ids, groups)
// - frame/header primitives
// - tlv payload primitives
// - per-message schema and typed messages
package protocol
