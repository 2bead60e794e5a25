package docstore

import (
	"context"
	"testing"

	"github.com/fluxorio/eventstore/pkg/eventlog"
)

type fakeBackend struct {
	containers map[string]bool
	docs       map[string][]byte
	etags      map[string]string
	seq        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		containers: make(map[string]bool),
		docs:       make(map[string][]byte),
		etags:      make(map[string]string),
	}
}

func (f *fakeBackend) EnsureContainer(ctx context.Context, container string, autoCreate bool) error {
	f.containers[container] = true
	return nil
}

func (f *fakeBackend) Load(ctx context.Context, container, key string) ([]byte, string, error) {
	k := container + "|" + key
	body, ok := f.docs[k]
	if !ok {
		return nil, "", eventlog.DocumentNotFound(container, key)
	}
	return body, f.etags[k], nil
}

func (f *fakeBackend) Save(ctx context.Context, container, key string, body []byte, ifMatch string, createOnly bool) (string, error) {
	k := container + "|" + key
	existing, exists := f.docs[k]
	_ = existing
	if createOnly && exists {
		return "", eventlog.OptimisticConflict("already exists", nil)
	}
	if !createOnly {
		if !exists {
			return "", eventlog.OptimisticConflict("does not exist", nil)
		}
		if ifMatch != "" && f.etags[k] != ifMatch {
			return "", eventlog.OptimisticConflict("etag mismatch", nil)
		}
	}
	f.seq++
	newETag := "etag-" + string(rune('a'+f.seq))
	f.docs[k] = append([]byte(nil), body...)
	f.etags[k] = newETag
	return newETag, nil
}

func TestStore_CreateIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "objects", true)

	doc1, err := store.Create(context.Background(), "widgets", "w-1")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if doc1.Hash == "" {
		t.Fatalf("expected hash to be stamped on creation")
	}

	doc2, err := store.Create(context.Background(), "widgets", "w-1")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if doc2.Hash != doc1.Hash {
		t.Fatalf("expected idempotent create to return the same hash, got %s vs %s", doc2.Hash, doc1.Hash)
	}
}

func TestStore_SetRollsHashChainForward(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "objects", true)

	doc, err := store.Create(context.Background(), "widgets", "w-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	firstHash := doc.Hash

	doc.ActiveStream.CurrentStreamVersion = 3
	updated, err := store.Set(context.Background(), doc)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if updated.PrevHash != firstHash {
		t.Fatalf("expected PrevHash %s, got %s", firstHash, updated.PrevHash)
	}
	if updated.Hash == firstHash {
		t.Fatalf("expected Hash to change after Set")
	}
}

func TestStore_SetFailsOnStaleETag(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "objects", true)

	doc, err := store.Create(context.Background(), "widgets", "w-3")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale := *doc
	stale.ETag = "not-the-real-etag"

	if _, err := store.Set(context.Background(), doc); err != nil {
		t.Fatalf("Set with fresh doc should succeed: %v", err)
	}

	if _, err := store.Set(context.Background(), &stale); err == nil {
		t.Fatalf("expected Set with stale etag to fail")
	}
}

func TestStore_GetMissingReturnsDocumentNotFound(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "objects", true)

	_, err := store.Get(context.Background(), "widgets", "missing")
	if err == nil {
		t.Fatalf("expected error for missing document")
	}
	ce, ok := err.(*eventlog.Error)
	if !ok || ce.Code != eventlog.CodeValidationDocumentNotFound {
		t.Fatalf("expected CodeValidationDocumentNotFound, got %v", err)
	}
}

type fakeStreamInit struct {
	called []string
}

func (f *fakeStreamInit) CreateInitialStream(ctx context.Context, doc *eventlog.ObjectDocument) error {
	f.called = append(f.called, doc.ObjectID)
	return nil
}

func TestStore_CreateInvokesStreamInitializerOnce(t *testing.T) {
	backend := newFakeBackend()
	init := &fakeStreamInit{}
	store := New(backend, "objects", true, WithStreamInitializer(init))

	if _, err := store.Create(context.Background(), "widgets", "w-4"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(context.Background(), "widgets", "w-4"); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if len(init.called) != 1 {
		t.Fatalf("expected stream initializer to run exactly once, ran %d times", len(init.called))
	}
}
