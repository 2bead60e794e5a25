// Package factory dispatches a stream type string to the concrete
// document-store/data-store backend pair it should use, with a
// configurable fallback for unregistered types.
package factory

import (
	"github.com/fluxorio/eventstore/pkg/core/failfast"
	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/blobstore"
	"github.com/fluxorio/eventstore/pkg/eventlog/docstore"
)

// BackendPair bundles the document store and data store a stream type is
// served by.
type BackendPair struct {
	Docs  *docstore.Store
	Blobs *blobstore.Store
}

// Registry maps stream type names to BackendPairs, with an optional
// fallback type name for unregistered lookups.
type Registry struct {
	pairs    map[string]BackendPair
	fallback string
}

// NewRegistry builds an empty Registry. fallbackStreamType may be empty,
// meaning unregistered stream types are a hard error.
func NewRegistry(fallbackStreamType string) *Registry {
	return &Registry{pairs: make(map[string]BackendPair), fallback: fallbackStreamType}
}

// Register binds a stream type name to a backend pair. Panics if either
// backend is nil: a misconfigured registry is a programming error the
// fail-fast idiom surfaces immediately rather than at first use.
func (r *Registry) Register(streamType string, pair BackendPair) *Registry {
	failfast.NotNil(pair.Docs, "factory: docstore backend for "+streamType)
	failfast.NotNil(pair.Blobs, "factory: blobstore backend for "+streamType)
	r.pairs[streamType] = pair
	return r
}

// Select resolves a stream type to its backend pair, falling back to the
// registry's configured fallback type if the exact type isn't registered.
// It returns a *eventlog.Error with CodeConfigNoFactoryMatch if neither
// resolves.
func (r *Registry) Select(streamType string) (BackendPair, error) {
	if pair, ok := r.pairs[streamType]; ok {
		return pair, nil
	}
	if r.fallback != "" {
		if pair, ok := r.pairs[r.fallback]; ok {
			return pair, nil
		}
	}
	return BackendPair{}, eventlog.NewError(eventlog.CodeConfigNoFactoryMatch,
		"no document/data store backend registered for stream type "+streamType, nil)
}

// StreamTypes returns every registered stream type name, for diagnostics.
func (r *Registry) StreamTypes() []string {
	types := make([]string, 0, len(r.pairs))
	for t := range r.pairs {
		types = append(types, t)
	}
	return types
}
