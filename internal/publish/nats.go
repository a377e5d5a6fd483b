package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher stores artifacts in a JetStream object store bucket.
type NATSPublisher struct {
	bucket string
	store  nats.ObjectStore
}

// NewNATSPublisher creates the bucket, or binds to it when it already exists.
func NewNATSPublisher(jetstreamContext nats.JetStreamContext, bucketName string) (*NATSPublisher, error) {
	if bucketName == "" {
		return nil, ErrNotConfigured
	}

	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Finished audiobooks and voice references for %s.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NATSPublisher{bucket: bucketName, store: store}, nil
}

// Publish streams the file at path into the bucket under key.
func (n *NATSPublisher) Publish(ctx context.Context, key, path string) (string, error) {
	file, err := os.Open(path) // #nosec G304 - artifact path is built by the pipeline
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	_, err = n.store.Put(&nats.ObjectMeta{Name: key}, file, nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return fmt.Sprintf("nats://%s/%s", n.bucket, key), nil
}

// Download retrieves an object from the bucket.
func (n *NATSPublisher) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}
