// Package session implements the leased event-append session: a
// single-goroutine-only handle on one object's stream that buffers events,
// assigns them monotonic versions, and commits them through the two-phase
// protocol (docstore.Store.Set for the document metadata, then
// blobstore.Store.Append for the durable event bytes), transparently
// rolling the stream over to a continuation blob when the current chunk
// hits its block-count threshold, or partitioning across fixed-size
// commit-chunks when the object's stream has chunking enabled.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/blobstore"
	"github.com/fluxorio/eventstore/pkg/eventlog/docstore"
	"github.com/fluxorio/eventstore/pkg/eventlog/notify"
	"github.com/fluxorio/eventstore/pkg/eventlog/resilience"
	"github.com/fluxorio/eventstore/pkg/eventlog/upcaster"
)

// PreAppendHook runs before a candidate event is added to the pending
// batch. Returning an error aborts the Append call entirely: the event is
// never added to the pending batch and never consumes a version number.
type PreAppendHook func(ctx context.Context, doc *eventlog.ObjectDocument, pending []eventlog.EventRecord) error

// PostCommitHook runs after a batch has durably committed, once per
// Commit call, with the full set of events that just landed.
type PostCommitHook func(ctx context.Context, doc *eventlog.ObjectDocument, committed []eventlog.EventRecord)

// Deps wires a Session to the stores and collaborators it needs.
type Deps struct {
	Docs      *docstore.Store
	Blobs     *blobstore.Store
	Upcasters *upcaster.Registry // optional; nil means events pass through unchanged on read
	Observer  notify.Observer    // optional
	// Retry, if non-nil, wraps every docstore.Set/blobstore.Append call
	// Commit makes in an exponential-backoff retry of transient failures
	// (blobstore.CreateChunk runs once either way). Nil means calls
	// run once, uncushioned — the caller is expected to retry at a higher
	// level (or is fine failing fast, e.g. in tests against in-memory
	// backends that never fail transiently).
	Retry *resilience.Policy
}

// Session is a leased, single-goroutine-only handle on one object's active
// stream. It is not safe for concurrent use by multiple goroutines — the
// caller is expected to obtain one Session per logical unit of work and
// discard it after Commit (or on error).
type Session struct {
	deps Deps
	doc  *eventlog.ObjectDocument

	pending   []eventlog.EventRecord
	preHooks  []PreAppendHook
	postHooks []PostCommitHook

	now func() time.Time
}

// Open loads (or, if create is true, creates) the object document for
// (name, id) and returns a Session leased against its current state.
func Open(ctx context.Context, deps Deps, name, id string, create bool) (*Session, error) {
	var doc *eventlog.ObjectDocument
	var err error
	if create {
		doc, err = deps.Docs.Create(ctx, name, id)
	} else {
		doc, err = deps.Docs.Get(ctx, name, id)
	}
	if err != nil {
		return nil, err
	}
	return &Session{deps: deps, doc: doc, now: time.Now}, nil
}

// RegisterPreAppendHook adds a hook run on every Append call, in
// registration order.
func (s *Session) RegisterPreAppendHook(h PreAppendHook) {
	s.preHooks = append(s.preHooks, h)
}

// RegisterPostCommitHook adds a hook run once per successful Commit, in
// registration order.
func (s *Session) RegisterPostCommitHook(h PostCommitHook) {
	s.postHooks = append(s.postHooks, h)
}

// Document returns the session's current view of the object document. The
// caller must not mutate the returned value.
func (s *Session) Document() *eventlog.ObjectDocument {
	return s.doc
}

// withRetry runs fn directly when no retry policy is configured, or through
// resilience.Do otherwise, so every data-store round trip in Commit gets the
// same transient-failure cushioning regardless of which backend is wired.
func (s *Session) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.deps.Retry == nil {
		return fn(ctx)
	}
	return resilience.Do(ctx, *s.deps.Retry, fn)
}

// PendingVersion returns the version that would be assigned to the next
// appended event, without actually appending anything.
func (s *Session) PendingVersion() int {
	return s.doc.ActiveStream.CurrentStreamVersion + 1 + len(s.pending)
}

// Append validates and buffers one event. Versions are assigned only after
// every pre-append hook accepts the candidate: a hook rejection never
// consumes a version number, so a retried Append after a hook failure gets
// the same version the failed attempt would have had.
func (s *Session) Append(ctx context.Context, eventType string, payload json.RawMessage, meta *eventlog.ActionMetadata) error {
	if s.deps.Blobs.IsClosed(s.doc.ActiveStream.StreamID) {
		return &eventlog.EventStreamClosedError{ContinuationInfo: eventlog.ContinuationInfo{
			StreamIdentifier: s.doc.ActiveStream.StreamID,
			Reason:           "stream is closed",
		}}
	}

	candidate := eventlog.EventRecord{
		Version:        s.PendingVersion(),
		EventType:      eventType,
		Timestamp:      s.now().UTC(),
		Payload:        payload,
		ActionMetadata: meta,
	}
	prospective := append(append([]eventlog.EventRecord(nil), s.pending...), candidate)
	for _, hook := range s.preHooks {
		if err := hook(ctx, s.doc, prospective); err != nil {
			return err
		}
	}
	s.pending = prospective
	return nil
}

// CommitResult reports what a successful Commit durably wrote.
type CommitResult struct {
	Events []eventlog.EventRecord
	Marker *blobstore.AppendResult
	Closed bool
}

// Commit durably writes every buffered event via the two-phase commit
// protocol: phase one updates the object document (new hash, new
// CurrentStreamVersion) under its ETag precondition; phase two appends the
// event bytes and a matching commit marker to the active stream's blob
// under a byte-offset precondition. A stream with chunking enabled has its
// batch partitioned across the active stream's fixed-size chunks; one
// without it appends as a single batch, transparently rolling over to a
// continuation blob if the current chunk hits its block-count threshold.
func (s *Session) Commit(ctx context.Context) (*CommitResult, error) {
	if len(s.pending) == 0 {
		return &CommitResult{}, nil
	}

	closing := false
	for _, e := range s.pending {
		if e.IsStreamClosedEvent() {
			closing = true
		}
	}

	prevVersion := s.doc.ActiveStream.CurrentStreamVersion
	prevHash := s.doc.Hash

	workDoc := *s.doc
	workDoc.ActiveStream.CurrentStreamVersion = s.pending[len(s.pending)-1].Version
	var savedDoc *eventlog.ObjectDocument
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var setErr error
		savedDoc, setErr = s.deps.Docs.Set(ctx, &workDoc)
		return setErr
	}); err != nil {
		return nil, err
	}

	var result *blobstore.AppendResult
	var err error
	if savedDoc.ActiveStream.ChunkingEnabled && savedDoc.ActiveStream.ChunkSize > 0 {
		result, err = s.commitChunked(ctx, savedDoc, prevVersion, prevHash, closing)
	} else {
		req := blobstore.AppendRequest{
			StreamID:            savedDoc.ActiveStream.StreamID,
			Events:              s.pending,
			ExpectedPrevVersion: prevVersion,
			ExpectedPrevHash:    prevHash,
			NewHash:              savedDoc.Hash,
			Close:                closing,
		}
		err = s.withRetry(ctx, func(ctx context.Context) error {
			var appendErr error
			result, appendErr = s.deps.Blobs.Append(ctx, req)
			return appendErr
		})
		var closedErr *eventlog.EventStreamClosedError
		if errors.As(err, &closedErr) && closedErr.ContinuationStreamID != "" {
			result, err = s.rolloverAndAppend(ctx, savedDoc, req, closedErr.ContinuationStreamID)
		}
	}
	if err != nil {
		return nil, &eventlog.CommitPartialFailure{CommitErr: err}
	}

	committed := s.pending
	s.pending = nil
	s.doc = savedDoc

	for _, hook := range s.postHooks {
		hook(ctx, s.doc, committed)
	}
	if s.deps.Observer != nil {
		s.deps.Observer.OnCommit(ctx, notify.CommitEvent{
			ObjectName:   s.doc.ObjectName,
			ObjectID:     s.doc.ObjectID,
			StreamID:     s.doc.ActiveStream.StreamID,
			FirstVersion: committed[0].Version,
			LastVersion:  committed[len(committed)-1].Version,
			MarkerHash:   result.MarkerHash,
			Closed:       closing,
		})
	}

	return &CommitResult{Events: committed, Marker: result, Closed: closing}, nil
}

// partitionForChunking splits pending into groups aligned to the active
// stream's chunk boundaries: the first group is sized to exactly fill out
// whatever room remains in the currently-open chunk
// (chunkSize - (nextVersion mod chunkSize)), and every group after it is a
// full chunkSize, clipped to however many events remain.
func partitionForChunking(pending []eventlog.EventRecord, chunkSize, nextVersion int) [][]eventlog.EventRecord {
	if chunkSize <= 0 || len(pending) == 0 {
		return [][]eventlog.EventRecord{pending}
	}
	var groups [][]eventlog.EventRecord
	size := chunkSize - (nextVersion % chunkSize)
	for i := 0; i < len(pending); {
		if size > len(pending)-i {
			size = len(pending) - i
		}
		groups = append(groups, pending[i:i+size])
		i += size
		size = chunkSize
	}
	return groups
}

// commitChunked partitions the pending batch across the active stream's
// fixed-size chunks. Each partition is appended to its own chunk blob
// under the same stream id; a partition that exactly fills its chunk seals
// it and opens the next one, so the following partition (in this or a later
// Commit) lands in a fresh chunk.
func (s *Session) commitChunked(ctx context.Context, doc *eventlog.ObjectDocument, prevVersion int, prevHash string, closing bool) (*blobstore.AppendResult, error) {
	groups := partitionForChunking(s.pending, doc.ActiveStream.ChunkSize, prevVersion+1)

	var result *blobstore.AppendResult
	groupPrevHash := prevHash
	for gi, group := range groups {
		active, ok := doc.ActiveStream.LastChunk()
		if !ok {
			return nil, eventlog.NewError(eventlog.CodeCommitPartialFailure, "chunked stream has no open chunk", nil)
		}

		isLastGroup := gi == len(groups)-1
		req := blobstore.AppendRequest{
			StreamID:            doc.ActiveStream.StreamID,
			ChunkID:             &active.ChunkID,
			Events:              group,
			ExpectedPrevVersion: group[0].Version - 1,
			ExpectedPrevHash:    groupPrevHash,
			NewHash:              doc.Hash,
			Close:                closing && isLastGroup,
		}
		if err := s.withRetry(ctx, func(ctx context.Context) error {
			var appendErr error
			result, appendErr = s.deps.Blobs.Append(ctx, req)
			return appendErr
		}); err != nil {
			return nil, err
		}
		groupPrevHash = result.MarkerHash

		active.LastVersion = group[len(group)-1].Version
		doc.ActiveStream.Chunks[len(doc.ActiveStream.Chunks)-1] = active

		full := active.LastVersion-active.FirstVersion+1 >= doc.ActiveStream.ChunkSize
		if !full {
			continue
		}

		nextChunkID := active.ChunkID + 1
		genesis := eventlog.NewCommitMarker(doc.Hash, groupPrevHash, active.LastVersion, 0, false)
		if err := s.deps.Blobs.CreateChunk(ctx, doc.ActiveStream.StreamID, &nextChunkID, genesis); err != nil {
			return nil, err
		}
		doc.ActiveStream.Chunks = append(doc.ActiveStream.Chunks, eventlog.StreamChunk{
			ChunkID:      nextChunkID,
			FirstVersion: active.LastVersion + 1,
			LastVersion:  active.LastVersion,
		})
		if err := s.withRetry(ctx, func(ctx context.Context) error {
			_, setErr := s.deps.Docs.Set(ctx, doc)
			return setErr
		}); err != nil {
			return nil, eventlog.NewError(eventlog.CodePostCommitFailure, "failed to persist chunk boundary", err)
		}

		if s.deps.Observer != nil {
			closedChunkID := active.ChunkID
			s.deps.Observer.OnChunkClosed(ctx, notify.ChunkClosedEvent{
				ObjectName:    doc.ObjectName,
				ObjectID:      doc.ObjectID,
				StreamID:      doc.ActiveStream.StreamID,
				ClosedChunkID: &closedChunkID,
			})
		}
	}
	return result, nil
}

// rolloverAndAppend handles a chunk that has reached its block-count
// threshold: it seeds a continuation stream's blob with a marker carrying
// forward the version/hash the exhausted chunk left off at, records the
// rollover in the document's terminated-stream history, and retries the
// append against the new blob. newStreamID is the continuation id the
// blob layer already computed and returned via EventStreamClosedError.
func (s *Session) rolloverAndAppend(ctx context.Context, doc *eventlog.ObjectDocument, req blobstore.AppendRequest, newStreamID string) (*blobstore.AppendResult, error) {
	oldStreamID := doc.ActiveStream.StreamID

	genesis := eventlog.NewCommitMarker(req.ExpectedPrevHash, doc.PrevHash, req.ExpectedPrevVersion, 0, false)
	if err := s.deps.Blobs.CreateChunk(ctx, newStreamID, nil, genesis); err != nil {
		return nil, err
	}

	doc.TerminatedStreams = append(doc.TerminatedStreams, eventlog.TerminatedStream{
		StreamID:             oldStreamID,
		ContinuationStreamID: newStreamID,
		Reason:               "chunk reached its block-count threshold",
	})
	doc.ActiveStream.StreamID = newStreamID
	doc.ActiveStream.Chunks = nil

	if err := s.withRetry(ctx, func(ctx context.Context) error {
		_, setErr := s.deps.Docs.Set(ctx, doc)
		return setErr
	}); err != nil {
		return nil, eventlog.NewError(eventlog.CodePostCommitFailure, "failed to persist continuation stream pointer", err)
	}

	req.StreamID = newStreamID
	var result *blobstore.AppendResult
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var appendErr error
		result, appendErr = s.deps.Blobs.Append(ctx, req)
		return appendErr
	}); err != nil {
		return nil, err
	}

	if s.deps.Observer != nil {
		s.deps.Observer.OnChunkClosed(ctx, notify.ChunkClosedEvent{
			ObjectName:           doc.ObjectName,
			ObjectID:             doc.ObjectID,
			StreamID:             oldStreamID,
			ContinuationStreamID: newStreamID,
		})
	}
	return result, nil
}

// chunkIDsFor returns the chunk identifiers to read for a stream whose
// active-stream chunk list is chunks. A commit-chunked stream is stored as
// one blob per chunk under the same stream id; everything else (including
// streams terminated via block-count rollover, which are always
// unchunked) is a single unchunked blob.
func chunkIDsFor(chunks []eventlog.StreamChunk) []*int {
	if len(chunks) == 0 {
		return []*int{nil}
	}
	ids := make([]*int, len(chunks))
	for i := range chunks {
		id := chunks[i].ChunkID
		ids[i] = &id
	}
	return ids
}

// ReadRawEvents returns every event committed to the object's stream
// history (including terminated, rolled-over chunks) whose version falls
// in the half-open range [startVersion, untilVersion), without upcasting.
// startVersion <= 0 means from the beginning; untilVersion <= 0 means
// through the tail.
func (s *Session) ReadRawEvents(ctx context.Context, startVersion, untilVersion int) ([]eventlog.EventRecord, error) {
	var all []eventlog.EventRecord
	for _, t := range s.doc.TerminatedStreams {
		events, err := s.deps.Blobs.ReadEvents(ctx, t.StreamID, []*int{nil}, startVersion, untilVersion)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}

	chunkIDs := chunkIDsFor(s.doc.ActiveStream.Chunks)
	events, err := s.deps.Blobs.ReadEvents(ctx, s.doc.ActiveStream.StreamID, chunkIDs, startVersion, untilVersion)
	if err != nil {
		return nil, err
	}
	all = append(all, events...)
	return all, nil
}

// ReadEvents returns every event ever committed to the object's stream
// history (including terminated, rolled-over chunks), upcast to current
// schema versions if an upcaster.Registry is configured.
func (s *Session) ReadEvents(ctx context.Context) ([]eventlog.EventRecord, error) {
	all, err := s.ReadRawEvents(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	if s.deps.Upcasters == nil {
		return all, nil
	}
	return s.deps.Upcasters.ApplyAll(all)
}
