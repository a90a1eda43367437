// Package storage defines the persistence contracts for the turn pipeline.
//
// Records are projection-oriented flat structs; interfaces stay narrow so the
// pipeline composes stores without knowing the backing engine.
package storage
