package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned for reads of missing objects.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines the object operations used by the submission archive.
type ObjectStorage interface {
	// PutObject uploads sizeBytes from reader under objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObject deletes an object. Missing objects are not an error.
	RemoveObject(ctx context.Context, bucket, objectKey string) error
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
