package pkg

import "errors"

var (
	// ErrUnavailable is returned when the contacted peer hosts no key usable as a routing seed
	ErrUnavailable = errors.New("peer has no inserted keys")

	// ErrConflict is returned when a concurrent insertion holds the same level
	ErrConflict = errors.New("concurrent insertion conflict")

	// ErrStaleRouting is returned when an insertion point or neighbor expectation no longer holds
	ErrStaleRouting = errors.New("stale routing state")

	// ErrCommunication is returned when a remote peer could not be reached
	ErrCommunication = errors.New("communication failure")

	// ErrDuplicateKey is returned when a raw key is already hosted locally
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrKeyNotFound is returned when a key isn't hosted by the peer
	ErrKeyNotFound = errors.New("key not found")

	// ErrNotInserted is returned when an operation requires an inserted key
	ErrNotInserted = errors.New("key not inserted")

	// ErrClosed is returned once the peer has been shut down
	ErrClosed = errors.New("peer closed")
)

// IsRetriable reports whether err is worth retrying after a backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrStaleRouting) ||
		errors.Is(err, ErrCommunication)
}
