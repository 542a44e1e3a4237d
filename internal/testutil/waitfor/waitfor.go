// Package waitfor polls a condition in tests that observe asynchronous
// replication.
package waitfor

import "time"

// Condition polls fn every interval until it holds or timeout passes. It
// reports the final result of fn.
func Condition(timeout time.Duration, interval time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(interval)
	}
	return fn()
}
