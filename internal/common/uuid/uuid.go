package uuid

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// UUID represents a UUID
type UUID = uuid.UUID

// Nil is the zero UUID
var Nil = uuid.Nil

// namespace for ids derived from other ids
var derivedNamespace = uuid.MustParse("6f1d3c0e-8a0e-4c55-9d3a-5b1f0b6f2a41")

// New returns a new time-ordered (version 7) UUID
func New() UUID {
	v7, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return v7
}

// Derive returns a deterministic (version 5) UUID for parent and label.
// The same inputs always produce the same id, which makes retried writes
// land on the same row.
func Derive(parent UUID, label string) UUID {
	return uuid.NewSHA1(derivedNamespace, append(parent[:], []byte(label)...))
}

// Parse parses a UUID string
func Parse(s string) (UUID, error) {
	return uuid.Parse(s)
}

// MustParse parses a UUID string and panics if the string is not a valid UUID
func MustParse(s string) UUID {
	return uuid.MustParse(s)
}

// Timestamp extracts the creation time of a version 7 UUID.
func Timestamp(u UUID) time.Time {
	ms := binary.BigEndian.Uint64(u[0:8]) >> 16
	return time.UnixMilli(int64(ms))
}
