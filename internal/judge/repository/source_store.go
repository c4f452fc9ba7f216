package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"arbiter/internal/common/storage"
	appErr "arbiter/pkg/errors"
)

// SourceStore archives submission sources in object storage so queue
// messages can stay small and workers can rehydrate code by key.
type SourceStore struct {
	store  storage.ObjectStorage
	bucket string
}

// NewSourceStore creates a source archive over the given bucket.
func NewSourceStore(store storage.ObjectStorage, bucket string) *SourceStore {
	return &SourceStore{store: store, bucket: bucket}
}

// Save archives the source and returns its object key and sha256 hash.
func (s *SourceStore) Save(ctx context.Context, submissionID, code string) (key, hash string, err error) {
	if submissionID == "" {
		return "", "", appErr.New(appErr.InvalidParams).WithMessage("submission id is required")
	}
	key = sourceKey(submissionID)
	hash = hashSource(code)
	reader := bytes.NewReader([]byte(code))
	if err := s.store.PutObject(ctx, s.bucket, key, reader, int64(len(code)), "text/plain"); err != nil {
		return "", "", appErr.Wrapf(err, appErr.StorageError, "archive source failed")
	}
	return key, hash, nil
}

// Load fetches an archived source and verifies its integrity hash.
func (s *SourceStore) Load(ctx context.Context, key, wantHash string) (string, error) {
	if key == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("source key is required")
	}
	obj, err := s.store.GetObject(ctx, s.bucket, key)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "load source failed")
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "read source failed")
	}
	code := string(data)
	if wantHash != "" && hashSource(code) != wantHash {
		return "", appErr.Newf(appErr.StorageError, "source hash mismatch for %s", key)
	}
	return code, nil
}

func sourceKey(submissionID string) string {
	return fmt.Sprintf("submissions/%s/source.code", submissionID)
}

func hashSource(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
