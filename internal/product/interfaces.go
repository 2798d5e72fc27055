package product

import "time"

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces stable content hashes.
type Hasher interface {
	Hash(data []byte) (string, error)
}
