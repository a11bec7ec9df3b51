// Package queue owns the durable state of the pipeline: the library
// hierarchy imported from the PVR, processing jobs and their status
// machine, fingerprint rows, detection results, and the settings table.
// All writes go through short transactions against a WAL-mode SQLite
// database.
package queue
