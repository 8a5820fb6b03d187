// Package blob provides opaque audio payload storage behind a swappable
// interface. The pipeline treats refs as opaque strings; a backing store may
// return local paths or remote URLs.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrTooLarge indicates an audio payload exceeded the configured upload cap.
var ErrTooLarge = errors.New("audio payload exceeds size limit")

// Store persists opaque audio payloads by logical reference.
type Store interface {
	// Put stores the payload and returns an opaque ref.
	Put(ctx context.Context, r io.Reader, contentType string) (string, error)

	// Get opens the payload behind a ref for reading.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)

	// Delete removes the payload behind a ref. Deleting a ref that does not
	// exist is not an error.
	Delete(ctx context.Context, ref string) error
}
