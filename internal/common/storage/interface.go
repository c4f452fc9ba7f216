package storage

import (
	"context"
	"io"
)

// ObjectReader streams object bytes.
type ObjectReader interface {
	io.Reader
	io.Closer
}

// ObjectStat describes a stored object.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectStorage abstracts the S3-compatible blob store used to archive
// submission sources.
type ObjectStorage interface {
	// PutObject stores an object. sizeBytes must be the exact payload size.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject retrieves an object for reading. The caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// StatObject returns object metadata without fetching the body.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObject deletes an object. Removing a missing key is not an error.
	RemoveObject(ctx context.Context, bucket, objectKey string) error
}
