package repository

import (
	"bytes"
	"context"
	"io"
	"testing"

	"arbiter/internal/common/storage"
	pkgerrors "arbiter/pkg/errors"
)

type fakeObjectStorage struct {
	objects map[string][]byte
	putErr  error
	getErr  error
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{objects: make(map[string][]byte)}
}

func (f *fakeObjectStorage) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjectStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.NotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, pkgerrors.New(pkgerrors.NotFound)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeObjectStorage) RemoveObject(ctx context.Context, bucket, key string) error {
	delete(f.objects, bucket+"/"+key)
	return nil
}

func TestSourceStoreRoundTrip(t *testing.T) {
	t.Parallel()

	obj := newFakeObjectStorage()
	store := NewSourceStore(obj, "submissions")
	ctx := context.Background()

	code := "print('hello')\n"
	key, hash, err := store.Save(ctx, "sub-1", code)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if key != "submissions/sub-1/source.code" {
		t.Errorf("key = %q", key)
	}
	if len(hash) != 64 {
		t.Errorf("hash should be sha256 hex, got %q", hash)
	}

	got, err := store.Load(ctx, key, hash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != code {
		t.Errorf("Load = %q, want %q", got, code)
	}
}

func TestSourceStoreHashMismatch(t *testing.T) {
	t.Parallel()

	obj := newFakeObjectStorage()
	store := NewSourceStore(obj, "submissions")
	ctx := context.Background()

	key, _, err := store.Save(ctx, "sub-2", "original")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Corrupt the stored object underneath the hash.
	obj.objects["submissions/"+key] = []byte("tampered")

	_, err = store.Load(ctx, key, hashSource("original"))
	if pkgerrors.GetCode(err) != pkgerrors.StorageError {
		t.Fatalf("expected StorageError on hash mismatch, got %v", err)
	}
}

func TestSourceStoreLoadWithoutHashSkipsCheck(t *testing.T) {
	t.Parallel()

	obj := newFakeObjectStorage()
	store := NewSourceStore(obj, "submissions")
	ctx := context.Background()

	key, _, err := store.Save(ctx, "sub-3", "code")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Load(ctx, key, ""); err != nil {
		t.Errorf("Load without hash: %v", err)
	}
}

func TestSourceStoreValidation(t *testing.T) {
	t.Parallel()

	store := NewSourceStore(newFakeObjectStorage(), "submissions")
	ctx := context.Background()

	if _, _, err := store.Save(ctx, "", "code"); pkgerrors.GetCode(err) != pkgerrors.InvalidParams {
		t.Errorf("save without id: got %v", err)
	}
	if _, err := store.Load(ctx, "", ""); pkgerrors.GetCode(err) != pkgerrors.InvalidParams {
		t.Errorf("load without key: got %v", err)
	}
}
