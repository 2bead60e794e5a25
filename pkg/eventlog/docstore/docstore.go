// Package docstore implements the object-document store: the per-object
// metadata record (hash chain pointer, active stream pointer, terminated
// stream history) that phase one of the commit protocol updates under an
// ETag precondition.
package docstore

import (
	"context"
	"encoding/json"

	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/internal/workingset"
)

// Backend is the capability set a document-store implementation must
// provide. Two backends ship with this module: an objectstore-backed one
// (any S3-compatible store) and a sqlstore-backed one (a relational table).
type Backend interface {
	// EnsureContainer verifies (and optionally creates) the named
	// container/table before first use.
	EnsureContainer(ctx context.Context, container string, autoCreate bool) error

	// Load fetches the raw document body and its concurrency token. It
	// returns a *eventlog.Error with CodeValidationDocumentNotFound when
	// absent.
	Load(ctx context.Context, container, key string) (body []byte, etag string, err error)

	// Save writes the document body under a concurrency precondition:
	// ifMatch non-empty requires the existing token to equal it;
	// createOnly requires no existing document.
	Save(ctx context.Context, container, key string, body []byte, ifMatch string, createOnly bool) (newETag string, err error)
}

// TagStore resolves a tag to the object id that currently owns it, used by
// GetFirstByTag/GetByTag. Optional: in a Store without one, GetFirstByTag
// returns CodeValidationDocumentNotFound and GetByTag returns no documents.
type TagStore interface {
	ResolveTag(ctx context.Context, tagStoreName, tag string) (objectID string, err error)
	ResolveTagAll(ctx context.Context, tagStoreName, tag string) (objectIDs []string, err error)
}

// StreamInitializer is implemented by the data-store side of the commit
// protocol. Store.Create calls it once, right after the document itself is
// durably created, so a fresh object also gets a genesis append-blob.
type StreamInitializer interface {
	CreateInitialStream(ctx context.Context, doc *eventlog.ObjectDocument) error
}

// Store is the document-level façade over a Backend.
type Store struct {
	backend    Backend
	tags       TagStore
	streamInit StreamInitializer
	container  string
	autoCreate bool

	chunkingEnabled bool
	chunkSize       int

	verifiedContainers *workingset.Set
}

// Option configures a Store at construction.
type Option func(*Store)

// WithTagStore attaches a tag resolver.
func WithTagStore(ts TagStore) Option {
	return func(s *Store) { s.tags = ts }
}

// WithStreamInitializer attaches the data-store hook invoked on first
// creation of a document.
func WithStreamInitializer(si StreamInitializer) Option {
	return func(s *Store) { s.streamInit = si }
}

// WithChunking enables commit-chunked streams for every document this Store
// creates, seeding each fresh ObjectDocument's active stream with a fixed
// chunk size. A Store without this option creates unchunked streams.
func WithChunking(enabled bool, size int) Option {
	return func(s *Store) { s.chunkingEnabled = enabled; s.chunkSize = size }
}

// New builds a Store bound to one backend and container.
func New(backend Backend, container string, autoCreate bool, opts ...Option) *Store {
	s := &Store{
		backend:            backend,
		container:          container,
		autoCreate:         autoCreate,
		verifiedContainers: workingset.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func documentKey(name, id string) string {
	return name + "/" + id
}

func (s *Store) ensureContainer(ctx context.Context) error {
	if s.verifiedContainers.Contains(s.container) {
		return nil
	}
	if err := s.backend.EnsureContainer(ctx, s.container, s.autoCreate); err != nil {
		return eventlog.NewError(eventlog.CodeConfigMissingContainer, "failed to verify document container "+s.container, err)
	}
	s.verifiedContainers.TryAdd(s.container)
	return nil
}

// Get loads a document by (name, id).
func (s *Store) Get(ctx context.Context, name, id string) (*eventlog.ObjectDocument, error) {
	if err := s.ensureContainer(ctx); err != nil {
		return nil, err
	}
	body, etag, err := s.backend.Load(ctx, s.container, documentKey(name, id))
	if err != nil {
		return nil, err
	}
	var doc eventlog.ObjectDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, eventlog.NewError(eventlog.CodeValidationDocumentNotFound, "failed to decode document "+documentKey(name, id), err)
	}
	doc.ETag = etag
	return &doc, nil
}

// Create loads the existing document for (name, id), or creates and durably
// persists a fresh one if none exists. Creation is idempotent against a
// concurrent creator: a lost create-race falls back to Get.
func (s *Store) Create(ctx context.Context, name, id string) (*eventlog.ObjectDocument, error) {
	if err := s.ensureContainer(ctx); err != nil {
		return nil, err
	}
	if existing, err := s.Get(ctx, name, id); err == nil {
		return existing, nil
	} else if ce, ok := err.(*eventlog.Error); !ok || ce.Code != eventlog.CodeValidationDocumentNotFound {
		return nil, err
	}

	doc := eventlog.NewObjectDocument(name, id)
	if s.chunkingEnabled {
		doc.ActiveStream.ChunkingEnabled = true
		doc.ActiveStream.ChunkSize = s.chunkSize
	}
	if err := stampHash(doc); err != nil {
		return nil, err
	}
	final, err := eventlog.Canonicalize(doc)
	if err != nil {
		return nil, err
	}

	newETag, err := s.backend.Save(ctx, s.container, documentKey(name, id), final, "", true)
	if err != nil {
		// Lost the creation race: fall back to whatever is there now.
		if existing, getErr := s.Get(ctx, name, id); getErr == nil {
			return existing, nil
		}
		return nil, eventlog.NewError(eventlog.CodeCommitPartialFailure, "failed to create document "+documentKey(name, id), err)
	}
	doc.ETag = newETag

	if s.streamInit != nil {
		if err := s.streamInit.CreateInitialStream(ctx, doc); err != nil {
			return nil, eventlog.NewError(eventlog.CodePostCommitFailure, "failed to create initial stream for "+documentKey(name, id), err)
		}
	}
	return doc, nil
}

// Set writes doc back under an If-Match precondition keyed on doc.ETag,
// rolling the hash chain forward. On success doc.Hash/doc.PrevHash/doc.ETag
// reflect the newly persisted state; on failure doc is restored to the
// state it had before the call, since the caller typically retries after a
// fresh Get.
func (s *Store) Set(ctx context.Context, doc *eventlog.ObjectDocument) (*eventlog.ObjectDocument, error) {
	if err := s.ensureContainer(ctx); err != nil {
		return nil, err
	}
	origHash, origPrevHash, origETag := doc.Hash, doc.PrevHash, doc.ETag

	doc.PrevHash = origHash
	if err := stampHash(doc); err != nil {
		doc.Hash, doc.PrevHash = origHash, origPrevHash
		return nil, err
	}
	final, err := eventlog.Canonicalize(doc)
	if err != nil {
		doc.Hash, doc.PrevHash = origHash, origPrevHash
		return nil, err
	}

	newETag, err := s.backend.Save(ctx, s.container, documentKey(doc.ObjectName, doc.ObjectID), final, origETag, false)
	if err != nil {
		doc.Hash, doc.PrevHash, doc.ETag = origHash, origPrevHash, origETag
		return nil, eventlog.OptimisticConflict("failed to save document "+documentKey(doc.ObjectName, doc.ObjectID), err)
	}
	doc.ETag = newETag
	return doc, nil
}

// stampHash recomputes doc.Hash from the document's canonical bytes, with
// the Hash field itself excluded from the hash input (a document cannot
// hash over its own output).
func stampHash(doc *eventlog.ObjectDocument) error {
	work := *doc
	work.Hash = ""
	hash, _, err := eventlog.HashDocument(&work)
	if err != nil {
		return err
	}
	doc.Hash = hash
	return nil
}

// GetFirstByTag resolves a tag to a single object id via the configured
// TagStore, then loads that object's document.
func (s *Store) GetFirstByTag(ctx context.Context, name, tagStoreName, tag string) (*eventlog.ObjectDocument, error) {
	if s.tags == nil {
		return nil, eventlog.DocumentNotFound(name, "tag:"+tag)
	}
	id, err := s.tags.ResolveTag(ctx, tagStoreName, tag)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, name, id)
}

// GetByTag resolves a tag to every object id currently tagged with it, and
// loads each document.
func (s *Store) GetByTag(ctx context.Context, name, tagStoreName, tag string) ([]*eventlog.ObjectDocument, error) {
	if s.tags == nil {
		return nil, nil
	}
	ids, err := s.tags.ResolveTagAll(ctx, tagStoreName, tag)
	if err != nil {
		return nil, err
	}
	docs := make([]*eventlog.ObjectDocument, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Get(ctx, name, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
