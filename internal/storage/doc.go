// Package storage persists offschedd's drain history.
//
// It currently supports:
//   - Event appends (drain outcomes, lifecycle transitions, violations)
//   - Per-processor last-drain times, so the drain min-interval survives
//     restarts
package storage
