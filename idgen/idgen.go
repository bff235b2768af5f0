// Package idgen provides pluggable ID generation for the importer.
//
// Metadata imports need a fresh collection name on first import, and the run
// journal needs event IDs; both accept a Generator, making the ID strategy a
// startup-time decision rather than a compile-time one.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv4 returns a Generator that produces random RFC 4122 UUID strings.
// This is the convention for metadata collection names: opaque, globally
// unique, never derived from file content.
func UUIDv4() Generator {
	return func() string {
		return uuid.NewString()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the importer-wide default: random UUIDv4.
var Default Generator = UUIDv4()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
