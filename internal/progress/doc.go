// Package progress fans subprocess progress events out to observers. Each
// subscriber owns a bounded buffer with drop-oldest overflow, so a stalled
// WebSocket client never blocks a pipeline worker.
package progress
