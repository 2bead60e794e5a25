package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/blobstore"
	"github.com/fluxorio/eventstore/pkg/eventlog/docstore"
	"github.com/fluxorio/eventstore/pkg/eventlog/factory"
	"github.com/fluxorio/eventstore/pkg/eventlog/resilience"
)

type memDocBackend struct {
	docs  map[string][]byte
	etags map[string]string
	seq   int
}

func newMemDocBackend() *memDocBackend {
	return &memDocBackend{docs: make(map[string][]byte), etags: make(map[string]string)}
}

func (f *memDocBackend) EnsureContainer(ctx context.Context, container string, autoCreate bool) error {
	return nil
}

func (f *memDocBackend) Load(ctx context.Context, container, key string) ([]byte, string, error) {
	k := container + "|" + key
	body, ok := f.docs[k]
	if !ok {
		return nil, "", eventlog.DocumentNotFound(container, key)
	}
	return body, f.etags[k], nil
}

func (f *memDocBackend) Save(ctx context.Context, container, key string, body []byte, ifMatch string, createOnly bool) (string, error) {
	k := container + "|" + key
	_, exists := f.docs[k]
	if createOnly && exists {
		return "", eventlog.OptimisticConflict("already exists", nil)
	}
	if !createOnly && (!exists || (ifMatch != "" && f.etags[k] != ifMatch)) {
		return "", eventlog.OptimisticConflict("etag mismatch", nil)
	}
	f.seq++
	newETag := "etag-" + string(rune('a'+f.seq))
	f.docs[k] = append([]byte(nil), body...)
	f.etags[k] = newETag
	return newETag, nil
}

type memBlob struct {
	body       []byte
	blockCount int
}

type memBlobBackend struct {
	blobs map[string]*memBlob
}

func newMemBlobBackend() *memBlobBackend {
	return &memBlobBackend{blobs: make(map[string]*memBlob)}
}

func (f *memBlobBackend) CreateGenesis(ctx context.Context, container, blobPath string, marker eventlog.CommitMarker) error {
	if _, ok := f.blobs[blobPath]; ok {
		return eventlog.OptimisticConflict("already exists", nil)
	}
	line, err := eventlog.EncodeMarker(marker)
	if err != nil {
		return err
	}
	f.blobs[blobPath] = &memBlob{body: append(line, '\n'), blockCount: 1}
	return nil
}

func (f *memBlobBackend) Exists(ctx context.Context, container, blobPath string) (bool, error) {
	_, ok := f.blobs[blobPath]
	return ok, nil
}

func (f *memBlobBackend) GetProperties(ctx context.Context, container, blobPath string) (blobstore.BlobProperties, error) {
	b, ok := f.blobs[blobPath]
	if !ok {
		return blobstore.BlobProperties{}, eventlog.DocumentNotFound(container, blobPath)
	}
	return blobstore.BlobProperties{Size: int64(len(b.body)), BlockCount: b.blockCount}, nil
}

func (f *memBlobBackend) ReadRange(ctx context.Context, container, blobPath string, start int64) ([]byte, error) {
	b, ok := f.blobs[blobPath]
	if !ok {
		return nil, eventlog.DocumentNotFound(container, blobPath)
	}
	if start >= int64(len(b.body)) {
		return nil, nil
	}
	return b.body[start:], nil
}

func (f *memBlobBackend) ReadFull(ctx context.Context, container, blobPath string) ([]byte, error) {
	b, ok := f.blobs[blobPath]
	if !ok {
		return nil, eventlog.DocumentNotFound(container, blobPath)
	}
	return b.body, nil
}

func (f *memBlobBackend) Append(ctx context.Context, container, blobPath string, data []byte, expectedOffset int64) (int64, error) {
	b, ok := f.blobs[blobPath]
	if !ok {
		return 0, eventlog.DocumentNotFound(container, blobPath)
	}
	if int64(len(b.body)) != expectedOffset {
		return 0, eventlog.OptimisticConflict("offset mismatch", nil)
	}
	b.body = append(b.body, data...)
	b.blockCount++
	return int64(len(b.body)), nil
}

func (f *memBlobBackend) RemoveEventsForFailedCommit(ctx context.Context, container, blobPath string, fromVersion int) (int, error) {
	return 0, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	blobs := blobstore.New(newMemBlobBackend(), "streams", blobstore.Config{})
	docs := docstore.New(newMemDocBackend(), "objects", true, docstore.WithStreamInitializer(blobs))

	reg := factory.NewRegistry("widget")
	reg.Register("widget", factory.BackendPair{Docs: docs, Blobs: blobs})

	cfg := eventlog.Config{
		DefaultDocumentStore:     "objects",
		DefaultDataStore:         "streams",
		DefaultDocumentContainer: "objects",
		FallbackStreamType:       "widget",
	}
	cfg.ApplyDefaults()
	return New(cfg, reg)
}

func TestStore_EndToEndAppendAndRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetSession(ctx, "", "widget", "w-1", true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if err := sess.Append(ctx, "Widget.Created", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := sess.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	events, err := st.ReadAsync(ctx, "", "widget", "w-1", 0, 0, false)
	if err != nil {
		t.Fatalf("ReadAsync: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "Widget.Created" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStore_ReadAsyncFiltersByVersionRange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetSession(ctx, "", "widget", "w-range", true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if err := sess.Append(ctx, "Widget.Created", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := sess.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := sess.Append(ctx, "Widget.Renamed", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := sess.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	events, err := st.ReadAsync(ctx, "", "widget", "w-range", 1, 0, false)
	if err != nil {
		t.Fatalf("ReadAsync: %v", err)
	}
	if len(events) != 1 || events[0].Version != 1 {
		t.Fatalf("expected only version 1, got %+v", events)
	}

	events, err = st.ReadAsync(ctx, "", "widget", "w-range", 0, 1, false)
	if err != nil {
		t.Fatalf("ReadAsync: %v", err)
	}
	if len(events) != 1 || events[0].Version != 0 {
		t.Fatalf("expected only version 0, got %+v", events)
	}
}

// flakyMemBlobBackend fails the first N Append calls with a transient
// network error before delegating, to exercise Store.WithRetryPolicy
// reaching the sessions it vends.
type flakyMemBlobBackend struct {
	*memBlobBackend
	failures int
}

type fakeTransientErr struct{}

func (fakeTransientErr) Error() string   { return "simulated transient network error" }
func (fakeTransientErr) Timeout() bool   { return true }
func (fakeTransientErr) Temporary() bool { return true }

func (f *flakyMemBlobBackend) Append(ctx context.Context, container, blobPath string, data []byte, expectedOffset int64) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, fakeTransientErr{}
	}
	return f.memBlobBackend.Append(ctx, container, blobPath, data, expectedOffset)
}

func TestStore_WithRetryPolicyRecoversTransientAppendFailure(t *testing.T) {
	flaky := &flakyMemBlobBackend{memBlobBackend: newMemBlobBackend(), failures: 1}
	blobs := blobstore.New(flaky, "streams", blobstore.Config{})
	docs := docstore.New(newMemDocBackend(), "objects", true, docstore.WithStreamInitializer(blobs))
	reg := factory.NewRegistry("widget")
	reg.Register("widget", factory.BackendPair{Docs: docs, Blobs: blobs})

	cfg := eventlog.Config{FallbackStreamType: "widget"}
	cfg.ApplyDefaults()
	st := New(cfg, reg, WithRetryPolicy(resilience.Policy{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
	}))

	sess, err := st.GetSession(context.Background(), "", "widget", "w-retry", true)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if err := sess.Append(context.Background(), "Widget.Created", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := sess.Commit(context.Background()); err != nil {
		t.Fatalf("Commit should have retried past the transient failure: %v", err)
	}
}

func TestStore_RegisterUpcasterAfterFreezePanics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.GetSession(ctx, "", "widget", "w-2", true); err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected RegisterUpcaster after freeze to panic")
		}
	}()
	st.RegisterUpcaster("Widget.Renamed", "v1", func(e eventlog.EventRecord) (eventlog.EventRecord, error) { return e, nil })
}

func TestStore_UnregisteredStreamTypeWithoutFallback(t *testing.T) {
	blobs := blobstore.New(newMemBlobBackend(), "streams", blobstore.Config{})
	docs := docstore.New(newMemDocBackend(), "objects", true, docstore.WithStreamInitializer(blobs))
	reg := factory.NewRegistry("")
	reg.Register("widget", factory.BackendPair{Docs: docs, Blobs: blobs})
	st := New(eventlog.Config{FallbackStreamType: ""}, reg)

	_, err := st.GetSession(context.Background(), "gadget", "gadget", "g-1", true)
	if err == nil {
		t.Fatalf("expected an error for an unregistered stream type")
	}
	ce, ok := err.(*eventlog.Error)
	if !ok || ce.Code != eventlog.CodeConfigNoFactoryMatch {
		t.Fatalf("expected CodeConfigNoFactoryMatch, got %v", err)
	}
}
