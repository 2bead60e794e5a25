package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/objectstore"
)

// simulatedEnvelope is how SimulatedAppendBackend represents an append blob
// on a plain object store: the whole object is rewritten on every append,
// with a block counter folded in so GetProperties doesn't need to scan the
// body to approximate Azure's committed-block-count semantics.
type simulatedEnvelope struct {
	Body       string `json:"body"`
	BlockCount int    `json:"blockCount"`
}

// SimulatedAppendBackend emulates append-blob semantics atop any
// S3-compatible object store via pkg/eventlog/objectstore, using whole-
// object conditional PUT (If-Match on the envelope's ETag) in place of a
// native append-block primitive. Used for backends/environments without a
// real append-blob service.
type SimulatedAppendBackend struct {
	client *objectstore.Client
}

// NewSimulatedAppendBackend wraps an objectstore.Client.
func NewSimulatedAppendBackend(client *objectstore.Client) *SimulatedAppendBackend {
	return &SimulatedAppendBackend{client: client}
}

func (b *SimulatedAppendBackend) load(ctx context.Context, container, blobPath string) (simulatedEnvelope, string, error) {
	body, etag, err := b.client.GetObject(ctx, container, blobPath)
	if err != nil {
		return simulatedEnvelope{}, "", err
	}
	var env simulatedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return simulatedEnvelope{}, "", fmt.Errorf("simulatedappend: corrupt envelope at %s: %w", blobPath, err)
	}
	return env, etag, nil
}

func (b *SimulatedAppendBackend) CreateGenesis(ctx context.Context, container, blobPath string, marker eventlog.CommitMarker) error {
	markerLine, err := eventlog.EncodeMarker(marker)
	if err != nil {
		return err
	}
	env := simulatedEnvelope{Body: string(markerLine) + "\n", BlockCount: 1}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, container, blobPath, payload, "", true)
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return fmt.Errorf("simulatedappend: blob %s already exists: %w", blobPath, err)
		}
		return fmt.Errorf("simulatedappend: create genesis %s: %w", blobPath, err)
	}
	return nil
}

func (b *SimulatedAppendBackend) Exists(ctx context.Context, container, blobPath string) (bool, error) {
	return b.client.Exists(ctx, container, blobPath)
}

func (b *SimulatedAppendBackend) GetProperties(ctx context.Context, container, blobPath string) (BlobProperties, error) {
	env, _, err := b.load(ctx, container, blobPath)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return BlobProperties{}, eventlog.NewError(eventlog.CodeValidationDocumentNotFound, "blob "+blobPath+" not found", err)
		}
		return BlobProperties{}, fmt.Errorf("simulatedappend: GetProperties %s: %w", blobPath, err)
	}
	return BlobProperties{Size: int64(len(env.Body)), BlockCount: env.BlockCount}, nil
}

func (b *SimulatedAppendBackend) ReadRange(ctx context.Context, container, blobPath string, start int64) ([]byte, error) {
	env, _, err := b.load(ctx, container, blobPath)
	if err != nil {
		return nil, fmt.Errorf("simulatedappend: ReadRange %s: %w", blobPath, err)
	}
	if start >= int64(len(env.Body)) {
		return nil, nil
	}
	return []byte(env.Body[start:]), nil
}

func (b *SimulatedAppendBackend) ReadFull(ctx context.Context, container, blobPath string) ([]byte, error) {
	env, _, err := b.load(ctx, container, blobPath)
	if err != nil {
		return nil, fmt.Errorf("simulatedappend: ReadFull %s: %w", blobPath, err)
	}
	return []byte(env.Body), nil
}

// Append rewrites the whole simulated blob, appending data at the end,
// conditioned on the envelope's current body length matching
// expectedOffset (standing in for Azure's append-position precondition)
// and its ETag not having moved since this call's own read (standing in
// for a native append blob's atomic append-at-offset guarantee).
func (b *SimulatedAppendBackend) Append(ctx context.Context, container, blobPath string, data []byte, expectedOffset int64) (int64, error) {
	env, etag, err := b.load(ctx, container, blobPath)
	if err != nil {
		return 0, fmt.Errorf("simulatedappend: Append load %s: %w", blobPath, err)
	}
	if int64(len(env.Body)) != expectedOffset {
		return 0, fmt.Errorf("simulatedappend: append to %s expected offset %d, actual %d", blobPath, expectedOffset, len(env.Body))
	}
	env.Body += string(data)
	env.BlockCount++
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	if _, err := b.client.PutObject(ctx, container, blobPath, payload, etag, false); err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return 0, fmt.Errorf("simulatedappend: concurrent append to %s: %w", blobPath, err)
		}
		return 0, fmt.Errorf("simulatedappend: Append put %s: %w", blobPath, err)
	}
	return int64(len(env.Body)), nil
}

// RemoveEventsForFailedCommit is unsupported on the simulated envelope:
// rewriting history would break the ETag chain every other reader depends
// on, so this always reports nothing removed.
func (b *SimulatedAppendBackend) RemoveEventsForFailedCommit(ctx context.Context, container, blobPath string, fromVersion int) (int, error) {
	return 0, nil
}
