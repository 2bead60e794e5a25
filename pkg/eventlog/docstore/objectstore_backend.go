package docstore

import (
	"context"
	"errors"

	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/objectstore"
)

// ObjectStoreBackend adapts a generic S3-compatible object store (via
// pkg/eventlog/objectstore) to the docstore.Backend capability set. Each
// document is one object, keyed by "<objectName>/<objectId>".
type ObjectStoreBackend struct {
	client *objectstore.Client
}

// NewObjectStoreBackend wraps an objectstore.Client as a docstore.Backend.
func NewObjectStoreBackend(client *objectstore.Client) *ObjectStoreBackend {
	return &ObjectStoreBackend{client: client}
}

func (b *ObjectStoreBackend) EnsureContainer(ctx context.Context, container string, autoCreate bool) error {
	return b.client.EnsureBucket(ctx, container, autoCreate)
}

func (b *ObjectStoreBackend) Load(ctx context.Context, container, key string) ([]byte, string, error) {
	body, etag, err := b.client.GetObject(ctx, container, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, "", eventlog.DocumentNotFound(container, key)
		}
		return nil, "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "object store load failed for "+key, err)
	}
	return body, etag, nil
}

func (b *ObjectStoreBackend) Save(ctx context.Context, container, key string, body []byte, ifMatch string, createOnly bool) (string, error) {
	etag, err := b.client.PutObject(ctx, container, key, body, ifMatch, createOnly)
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return "", eventlog.OptimisticConflict("document precondition failed for "+key, err)
		}
		return "", eventlog.NewError(eventlog.CodeCommitPartialFailure, "object store save failed for "+key, err)
	}
	return etag, nil
}
