package artifacts

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the named artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Storage persists generated deck files. Names are storage-relative paths as
// recorded on the deck's file list.
type Storage interface {
	Save(ctx context.Context, name string, body io.Reader) error
	// Open returns the content and its size.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Stat is a metadata-only existence check.
	Stat(ctx context.Context, name string) (int64, error)
}
