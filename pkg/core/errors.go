// pkg/core/errors.go
package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRemote marks failures reported by a remote store.
	ErrRemote = errors.New("remote store error")

	// ErrMalformedRecord marks a record missing its identifier or coordinate.
	ErrMalformedRecord = errors.New("malformed location record")

	// ErrInvalidMarker marks a marker a rendering sink refused.
	ErrInvalidMarker = errors.New("invalid marker")

	// ErrNotFound is returned by directory lookups with no match.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when credentials do not match.
	ErrUnauthorized = errors.New("unauthorized")
)

// FetchError is returned when a remote query fails or yields malformed records.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RenderError is returned when a rendering sink rejects an update.
type RenderError struct {
	Op  string // "clear" or "add"
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s failed: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
