// Package storage is the durable sqlite store behind duedigest.
//
// It holds:
//   - the owner/subject directory and per-subject group labels
//   - installed triggers (schedule registry state)
//   - the durable job queue for firings
//   - occurrence records (one per firing and recipient)
package storage
