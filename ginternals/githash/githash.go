// Package githash contains the hash algorithms a session can negotiate
// through the object-format capability, and the Oid values they produce
package githash

import (
	"errors"
	"hash"
)

var (
	// ErrInvalidOid is returned when a given value isn't a valid Oid
	ErrInvalidOid = errors.New("invalid Oid")

	// ErrUnknownAlgorithm is returned when an object-format value
	// doesn't match any supported hash algorithm
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
)

// Hash represents an Hash algorithm supported by Git
type Hash interface {
	// Name returns the name of the hash, as exchanged in the
	// object-format capability
	Name() string

	OidSize() int
	// Sum returns the Oid of the given content.
	// The oid will be the sum of the content
	Sum(bytes []byte) Oid
	// Hasher returns a streaming hasher producing oid-sized sums.
	// Used to checksum data too big to fit in memory, like packfiles
	Hasher() hash.Hash
	// ConvertFromString returns an Oid from the given string
	// For the SHA 9b91da06e69613397b38e0808e0ba5ee6983251b
	// the oid will be {0x9b, 0x91, 0xda, ...}
	ConvertFromString(id string) (Oid, error)
	// ConvertFromChars returns an Oid from the given char bytes
	// For the SHA {'9', 'b', '9', '1', 'd', 'a', ...}
	// the oid will be {0x9b, 0x91, 0xda, ...}
	ConvertFromChars(id []byte) (Oid, error)
	// ConvertFromBytes returns an Oid from the provided byte-encoded oid
	// This basically cast a slice that contains an encoded oid into
	// a Oid object
	ConvertFromBytes(id []byte) (Oid, error)
	// NullOid returns an empty Oid
	NullOid() Oid
}

// Oid represents a git Object ID
type Oid interface {
	// Bytes returns the raw Oid as []byte.
	// This is different than doing []byte(oid.String())
	// For the oid 642480605b8b0fd464ab5762e044269cf29a60a3:
	// oid.Bytes(): []byte{ 0x64, 0x24, 0x80, ... }
	// []byte(oid.String()): []byte{ '6', '4', '2', '4', '8' '0', ... }
	Bytes() []byte

	// String converts an oid to a string
	String() string

	// IsZero returns whether the oid has the zero value (NullOid)
	IsZero() bool
}

// New returns the Hash matching the given algorithm name.
// ErrUnknownAlgorithm is returned for anything that isn't sha1 or
// sha256, since a session cannot mix algorithms once negotiated
func New(name string) (Hash, error) {
	switch name {
	case "sha1":
		return NewSHA1(), nil
	case "sha256":
		return NewSHA256(), nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// Equal returns whether the two oids hold the same value.
// Comparison is bytewise, two oids of different algorithms are
// never equal
func Equal(a, b Oid) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, bb := a.Bytes(), b.Bytes()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}
