// Package session owns the typed messages exchanged between colocation
// nodes and the helpers that carry them over a link.
//
// Ownership boundary:
// - typed messages and their frame codec
// - routing fields stamped on frames by links and the relay
// - join control messages for the TCP relay handshake
// - timeouts, backoff and the pending-request correlation table
package session
