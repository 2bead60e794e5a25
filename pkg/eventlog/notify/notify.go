// Package notify implements the observer surface a leased session runs
// after a successful commit and after a stream closes: logging, metrics,
// and cluster-wide NATS notifications. Observers run on the calling
// goroutine unless wrapped in AsyncObserver, which dispatches them through
// a bounded worker pool so a slow observer doesn't stall a committer.
package notify

import (
	"context"

	"github.com/fluxorio/eventstore/pkg/core"
	"github.com/fluxorio/eventstore/pkg/core/concurrency"
	"github.com/fluxorio/eventstore/pkg/eventlog"
)

// CommitEvent is what an Observer sees after a batch of events commits.
type CommitEvent struct {
	ObjectName    string
	ObjectID      string
	StreamID      string
	FirstVersion  int
	LastVersion   int
	MarkerHash    string
	Closed        bool
}

// ChunkClosedEvent is what an Observer sees when a chunk rolls over to a
// continuation stream, or when one chunk of a commit-chunked stream fills
// up and a new chunk opens under the same stream id. ContinuationStreamID
// is set only for the former; ClosedChunkID only for the latter.
type ChunkClosedEvent struct {
	ObjectName           string
	ObjectID             string
	StreamID             string
	ContinuationStreamID string
	ClosedChunkID        *int
}

// Observer reacts to commit lifecycle events. Implementations must not
// block the caller for long: ChainObserver runs each observer on the
// committing goroutine; only AsyncObserver moves the work off it.
type Observer interface {
	OnCommit(ctx context.Context, evt CommitEvent)
	OnChunkClosed(ctx context.Context, evt ChunkClosedEvent)
}

// ChainObserver fans a single notification out to every observer in order,
// synchronously. Compose it with Async to run the whole chain off the
// calling goroutine.
type ChainObserver struct {
	observers []Observer
}

// NewChainObserver builds a ChainObserver over zero or more observers.
func NewChainObserver(observers ...Observer) *ChainObserver {
	return &ChainObserver{observers: observers}
}

func (c *ChainObserver) OnCommit(ctx context.Context, evt CommitEvent) {
	for _, o := range c.observers {
		o.OnCommit(ctx, evt)
	}
}

func (c *ChainObserver) OnChunkClosed(ctx context.Context, evt ChunkClosedEvent) {
	for _, o := range c.observers {
		o.OnChunkClosed(ctx, evt)
	}
}

// AsyncObserver submits each notification to a worker pool instead of
// running it on the caller's goroutine. A full queue drops the
// notification and logs it, rather than applying backpressure to a
// committer.
type AsyncObserver struct {
	next Observer
	pool concurrency.WorkerPool
	log  core.Logger
}

// NewAsyncObserver wraps next so every call dispatches through pool.
func NewAsyncObserver(next Observer, pool concurrency.WorkerPool, log core.Logger) *AsyncObserver {
	return &AsyncObserver{next: next, pool: pool, log: log}
}

func (a *AsyncObserver) OnCommit(ctx context.Context, evt CommitEvent) {
	err := a.pool.Submit(concurrency.NewNamedTask("notify.OnCommit", func(taskCtx context.Context) error {
		a.next.OnCommit(taskCtx, evt)
		return nil
	}))
	if err != nil {
		a.log.Warnf("notify: dropped OnCommit notification for %s/%s: %v", evt.ObjectName, evt.ObjectID, err)
	}
}

func (a *AsyncObserver) OnChunkClosed(ctx context.Context, evt ChunkClosedEvent) {
	err := a.pool.Submit(concurrency.NewNamedTask("notify.OnChunkClosed", func(taskCtx context.Context) error {
		a.next.OnChunkClosed(taskCtx, evt)
		return nil
	}))
	if err != nil {
		a.log.Warnf("notify: dropped OnChunkClosed notification for %s/%s: %v", evt.ObjectName, evt.ObjectID, err)
	}
}

// LoggingObserver writes a structured log line per event: one line per
// commit or chunk closure, no batching.
type LoggingObserver struct {
	log core.Logger
}

// NewLoggingObserver builds a LoggingObserver.
func NewLoggingObserver(log core.Logger) *LoggingObserver {
	return &LoggingObserver{log: log}
}

func (l *LoggingObserver) OnCommit(ctx context.Context, evt CommitEvent) {
	l.log.WithContext(ctx).WithFields(map[string]interface{}{
		"objectName":   evt.ObjectName,
		"objectId":     evt.ObjectID,
		"streamId":     evt.StreamID,
		"firstVersion": evt.FirstVersion,
		"lastVersion":  evt.LastVersion,
		"closed":       evt.Closed,
	}).Info("eventlog: batch committed")
}

func (l *LoggingObserver) OnChunkClosed(ctx context.Context, evt ChunkClosedEvent) {
	fields := map[string]interface{}{
		"objectName":           evt.ObjectName,
		"objectId":             evt.ObjectID,
		"streamId":             evt.StreamID,
		"continuationStreamId": evt.ContinuationStreamID,
	}
	if evt.ClosedChunkID != nil {
		fields["closedChunkId"] = *evt.ClosedChunkID
	}
	l.log.WithContext(ctx).WithFields(fields).Info("eventlog: stream chunk closed")
}

// MetricsCollector is the narrow surface notify needs from the telemetry
// package, kept separate to avoid an import cycle between notify and
// telemetry.
type MetricsCollector interface {
	ObserveCommit(eventCount int, closed bool)
	ObserveChunkRollover()
}

// MetricsObserver records commit lifecycle events as metrics.
type MetricsObserver struct {
	metrics MetricsCollector
}

// NewMetricsObserver builds a MetricsObserver over a MetricsCollector.
func NewMetricsObserver(metrics MetricsCollector) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

func (m *MetricsObserver) OnCommit(ctx context.Context, evt CommitEvent) {
	m.metrics.ObserveCommit(evt.LastVersion-evt.FirstVersion+1, evt.Closed)
}

func (m *MetricsObserver) OnChunkClosed(ctx context.Context, evt ChunkClosedEvent) {
	m.metrics.ObserveChunkRollover()
}
