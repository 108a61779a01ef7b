// Package objectstore is the engine's single boundary to S3-compatible
// storage. Credentials and endpoint configuration matter only here;
// everything above works against the Store interface.
package objectstore

import (
	"context"
	"errors"
	"time"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

// Object describes one stored object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// ErrStopWalk stops a List walk early without error.
var ErrStopWalk = errors.New("stop walk")

// Store is the uniform list/get/put/delete/head contract over object
// storage. Implementations must be safe for concurrent use. Failures are
// classified through pkg/faults as retryable transport (timeouts, 5xx,
// throttling) or terminal transport (not-found, permission denied).
type Store interface {
	// List walks keys under prefix in lexicographic order, invoking fn
	// per object. fn may return ErrStopWalk to end the walk early.
	List(ctx context.Context, prefix string, fn func(Object) error) error

	// Get fetches an object's bytes.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores bytes under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (Object, error)
}

// IsNotFound reports whether err is a terminal not-found failure.
func IsNotFound(err error) bool {
	return faults.KindOf(err) == faults.KindTerminalTransport && errors.Is(err, ErrNotFound)
}

// ErrNotFound underlies all not-found classifications so callers can
// test for absence without string matching.
var ErrNotFound = errors.New("object not found")
