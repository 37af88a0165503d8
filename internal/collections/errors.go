package collections

import (
	"errors"
	"fmt"

	"github.com/dreamware/lobby/internal/keys"
)

var (
	// ErrNotLoaded is returned by writes issued before the initial snapshot
	// has been absorbed. Wait for Loaded first.
	ErrNotLoaded = errors.New("collection not loaded")

	// ErrKilled is returned by every operation on a killed collection.
	ErrKilled = errors.New("collection killed")

	// ErrInvalidKeyType is returned for keys that are not null, bool,
	// number, string or symbol.
	ErrInvalidKeyType = keys.ErrInvalidType
)

// CorruptEntryError describes a stored entry that could not be decoded.
// The entry is dropped from the replica and deleted from the store.
type CorruptEntryError struct {
	Err   error
	Key   string // store key of the collection
	Field string // raw stored field or member
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt entry %q in %s: %v", e.Field, e.Key, e.Err)
}

func (e *CorruptEntryError) Unwrap() error { return e.Err }
