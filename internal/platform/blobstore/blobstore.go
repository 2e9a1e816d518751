// Package blobstore is the default Executor destination adapter:
// it writes the result bytes an executor streams to it (jobqd's
// reference executor streams CSV) to a GCS bucket named by the job's
// storage_account field.
// jobq's core package never imports this; only cmd/jobqd wires it in,
// keeping the queue agnostic to where results land (spec.md §6.2).
package blobstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/yungbote/jobq/internal/pkg/logger"
)

// Store writes result blobs to Google Cloud Storage. storage_account
// is interpreted as the bucket name and storage_container as an
// optional path prefix ahead of the computed blob path.
type Store struct {
	client *storage.Client
	log    *logger.Logger
}

func New(ctx context.Context, log *logger.Logger) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: new client: %w", err)
	}
	return &Store{client: client, log: log.With("component", "blobstore")}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Put uploads r's contents to bucket/container/blobPath, replacing any
// existing object at that path. Callers are responsible for closing r.
func (s *Store) Put(ctx context.Context, bucket, container, blobPath string, r io.Reader) error {
	name := blobPath
	if container != "" {
		name = container + "/" + blobPath
	}
	w := s.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("blobstore: write %s/%s: %w", bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blobstore: close writer %s/%s: %w", bucket, name, err)
	}
	return nil
}

// Exists reports whether bucket/container/blobPath already has an
// object, used by executors that want to refuse to clobber a prior
// attempt's output.
func (s *Store) Exists(ctx context.Context, bucket, container, blobPath string) (bool, error) {
	name := blobPath
	if container != "" {
		name = container + "/" + blobPath
	}
	_, err := s.client.Bucket(bucket).Object(name).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blobstore: stat %s/%s: %w", bucket, name, err)
	}
	return true, nil
}
