// Package stream is the public façade over the event store: it owns the
// registration surface (pre-append/post-commit hooks, upcasters), resolves
// a stream type to its backend pair via the factory registry, and vends
// leased sessions and read operations. It is the one package application
// code is expected to import directly.
package stream

import (
	"context"
	"sort"
	"sync"

	coreconfig "github.com/fluxorio/eventstore/pkg/config"
	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/factory"
	"github.com/fluxorio/eventstore/pkg/eventlog/notify"
	"github.com/fluxorio/eventstore/pkg/eventlog/resilience"
	"github.com/fluxorio/eventstore/pkg/eventlog/session"
	"github.com/fluxorio/eventstore/pkg/eventlog/telemetry"
	"github.com/fluxorio/eventstore/pkg/eventlog/upcaster"
)

// SnapshotStore is an optional collaborator: a cache of materialized
// projections keyed by (objectName, objectId), reached through the Store's
// LoadSnapshot/SaveSnapshot passthroughs. ReadAsync does not consult it;
// it always replays the stream. The event store never writes to it
// automatically — callers invalidate/populate it from their own
// post-commit hooks.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, objectName, objectID string) (payload []byte, asOfVersion int, found bool, err error)
	SaveSnapshot(ctx context.Context, objectName, objectID string, payload []byte, asOfVersion int) error
}

// LoadConfig reads an eventlog.Config from a YAML or JSON file, applying
// environment variable overrides under the given prefix and filling in
// tunable defaults, in the same two-step shape the rest of this module's
// host applications already use for their own configuration.
func LoadConfig(path, envPrefix string) (*eventlog.Config, error) {
	var cfg eventlog.Config
	if err := coreconfig.LoadWithEnv(path, envPrefix, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Store is the façade: one per process, shared across every object.
type Store struct {
	config   eventlog.Config
	factory  *factory.Registry
	snapshot SnapshotStore
	metrics  *telemetry.Metrics

	mu        sync.Mutex
	upcasters *upcaster.Registry
	preHooks  []session.PreAppendHook
	postHooks []session.PostCommitHook
	observer  notify.Observer
	retry     *resilience.Policy
	frozen    bool
}

// Option configures a Store at construction.
type Option func(*Store)

// WithSnapshotStore attaches an optional snapshot collaborator.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(st *Store) { st.snapshot = s }
}

// WithMetrics attaches a telemetry.Metrics collector and chains it into
// the observer pipeline.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(st *Store) {
		st.metrics = m
		st.observer = notify.NewChainObserver(appendObserver(st.observer, notify.NewMetricsObserver(m))...)
	}
}

// WithObserver chains an additional notify.Observer (logging, NATS, ...)
// into the commit lifecycle pipeline.
func WithObserver(o notify.Observer) Option {
	return func(st *Store) {
		st.observer = notify.NewChainObserver(appendObserver(st.observer, o)...)
	}
}

// WithRetryPolicy configures every session's Commit to retry transient
// docstore/blobstore failures with exponential backoff. Without this
// option, sessions run each data-store call once and surface failures
// immediately.
func WithRetryPolicy(policy resilience.Policy) Option {
	return func(st *Store) { st.retry = &policy }
}

func appendObserver(existing notify.Observer, next notify.Observer) []notify.Observer {
	if existing == nil {
		return []notify.Observer{next}
	}
	return []notify.Observer{existing, next}
}

// New builds a Store bound to a factory registry and configuration.
func New(cfg eventlog.Config, reg *factory.Registry, opts ...Option) *Store {
	st := &Store{
		config:    cfg,
		factory:   reg,
		upcasters: upcaster.NewRegistry(),
	}
	for _, o := range opts {
		o(st)
	}
	return st
}

// RegisterUpcaster adds an upcast transform, usable until the first
// GetSession/ReadAsync call freezes the upcaster registry.
func (st *Store) RegisterUpcaster(eventType, fromSchemaVersion string, transform upcaster.Transform) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.frozen {
		panic("stream: RegisterUpcaster called after the store has started serving sessions")
	}
	st.upcasters.Register(eventType, fromSchemaVersion, transform)
}

// RegisterPreAppendHook adds a hook every session's Append calls will run.
func (st *Store) RegisterPreAppendHook(h session.PreAppendHook) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.frozen {
		panic("stream: RegisterPreAppendHook called after the store has started serving sessions")
	}
	st.preHooks = append(st.preHooks, h)
}

// RegisterPostCommitHook adds a hook every session's Commit calls will run.
func (st *Store) RegisterPostCommitHook(h session.PostCommitHook) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.frozen {
		panic("stream: RegisterPostCommitHook called after the store has started serving sessions")
	}
	st.postHooks = append(st.postHooks, h)
}

func (st *Store) freeze() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.frozen {
		st.upcasters.Freeze()
		st.frozen = true
	}
}

// GetSession leases a single-goroutine-only session against one object's
// stream, resolving the backend pair via streamType (falling back to the
// store's configured default when streamType is empty).
func (st *Store) GetSession(ctx context.Context, streamType, objectName, objectID string, create bool) (*session.Session, error) {
	st.freeze()

	if streamType == "" {
		streamType = st.config.FallbackStreamType
	}
	pair, err := st.factory.Select(streamType)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "eventlog.GetSession", objectName, objectID)
	defer span.End()

	sess, err := session.Open(ctx, session.Deps{
		Docs:      pair.Docs,
		Blobs:     pair.Blobs,
		Upcasters: st.upcasters,
		Observer:  st.observer,
		Retry:     st.retry,
	}, objectName, objectID, create)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	for _, h := range st.preHooks {
		sess.RegisterPreAppendHook(h)
	}
	for _, h := range st.postHooks {
		sess.RegisterPostCommitHook(h)
	}
	return sess, nil
}

// ReadAsync replays the events committed to an object's stream within the
// half-open version range [startVersion, untilVersion) (startVersion <= 0
// means from the beginning; untilVersion <= 0 means through the tail).
// When useExternalSequencer is set, the raw events are stably re-sorted by
// eventlog.EventRecord.ExternalSequencer before upcasting — for callers
// whose ordering is governed by an externally assigned sequence number
// rather than commit order.
func (st *Store) ReadAsync(ctx context.Context, streamType, objectName, objectID string, startVersion, untilVersion int, useExternalSequencer bool) ([]eventlog.EventRecord, error) {
	sess, err := st.GetSession(ctx, streamType, objectName, objectID, false)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "eventlog.ReadAsync", objectName, objectID)
	defer span.End()

	events, err := sess.ReadRawEvents(ctx, startVersion, untilVersion)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}

	if useExternalSequencer {
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].ExternalSequencer < events[j].ExternalSequencer
		})
	}

	if st.upcasters != nil {
		events, err = st.upcasters.ApplyAll(events)
	}
	telemetry.EndSpan(span, err)
	return events, err
}

// LoadSnapshot delegates to the configured SnapshotStore, if any. When
// none is configured it reports found=false so callers always fall back
// to a full replay.
func (st *Store) LoadSnapshot(ctx context.Context, objectName, objectID string) (payload []byte, asOfVersion int, found bool, err error) {
	if st.snapshot == nil {
		return nil, 0, false, nil
	}
	return st.snapshot.LoadSnapshot(ctx, objectName, objectID)
}

// SaveSnapshot delegates to the configured SnapshotStore, if any; it is a
// no-op when none is configured.
func (st *Store) SaveSnapshot(ctx context.Context, objectName, objectID string, payload []byte, asOfVersion int) error {
	if st.snapshot == nil {
		return nil
	}
	return st.snapshot.SaveSnapshot(ctx, objectName, objectID, payload, asOfVersion)
}
