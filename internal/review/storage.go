package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
)

// ErrFileNotFound is returned for a key with no stored file
var ErrFileNotFound = errors.New("file not found")

// Storage defines the interface for file storage operations
type Storage interface {
	// Save stores data under key and returns the reference to keep on the
	// document
	Save(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get retrieves a file by reference
	Get(ctx context.Context, ref string) ([]byte, error)

	// Delete removes a file. Deleting a missing file is not an error.
	Delete(ctx context.Context, ref string) error
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

func (l *LocalStorage) path(ref string) string {
	// Base strips any directory a caller smuggles into the reference
	return filepath.Join(l.basePath, filepath.Base(ref))
}

// Save saves a file to local storage
func (l *LocalStorage) Save(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.WriteFile(l.path(key), data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filepath.Base(key), nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.path(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// GCSStorage implements the Storage interface on a Cloud Storage bucket
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSStorage creates a GCSStorage for bucket using default credentials
func NewGCSStorage(ctx context.Context, bucket string) (*GCSStorage, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStorage{client: client, bucket: client.Bucket(bucket)}, nil
}

// Save writes the object only if it does not exist yet
func (g *GCSStorage) Save(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	w := g.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("writing object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing object %s: %w", key, err)
	}
	return key, nil
}

// Get reads an object
func (g *GCSStorage) Get(ctx context.Context, ref string) ([]byte, error) {
	r, err := g.bucket.Object(ref).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("opening object %s: %w", ref, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes an object
func (g *GCSStorage) Delete(ctx context.Context, ref string) error {
	err := g.bucket.Object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting object %s: %w", ref, err)
	}
	return nil
}

// Close releases the storage client
func (g *GCSStorage) Close() error {
	return g.client.Close()
}
