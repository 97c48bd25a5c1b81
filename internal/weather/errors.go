package weather

import (
	"errors"
	"fmt"
)

var (
	// ErrAreaNotFound is returned by an AreaCache when the name has no entry.
	ErrAreaNotFound = errors.New("area not cached")

	// ErrNoDocuments is returned by a DocumentStore when an area has no stored record.
	ErrNoDocuments = errors.New("no weather documents for area")

	// ErrAllAreasFailed is returned by EnrichAndPersist when no attempted area succeeded.
	ErrAllAreasFailed = errors.New("every area failed enrichment")
)

// FetchError reports an upstream collaborator that could not be reached or
// answered with something unusable (non-2xx, malformed body, timeout).
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError reports a payload field that does not match its expected format.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CacheError reports a failed key-value operation.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// PersistError reports a failed document store write.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
