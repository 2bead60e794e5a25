package factory

import (
	"testing"

	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/blobstore"
	"github.com/fluxorio/eventstore/pkg/eventlog/docstore"
)

func minimalPair() BackendPair {
	return BackendPair{
		Docs:  docstore.New(nil, "objects", false),
		Blobs: blobstore.New(nil, "streams", blobstore.Config{}),
	}
}

func TestRegistry_SelectExactMatch(t *testing.T) {
	reg := NewRegistry("")
	pair := minimalPair()
	reg.Register("widget", pair)

	got, err := reg.Select("widget")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Docs != pair.Docs || got.Blobs != pair.Blobs {
		t.Fatalf("expected exact registered pair back")
	}
}

func TestRegistry_SelectFallsBackWhenConfigured(t *testing.T) {
	fallback := minimalPair()
	reg := NewRegistry("default")
	reg.Register("default", fallback)

	got, err := reg.Select("unregistered-type")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Docs != fallback.Docs {
		t.Fatalf("expected fallback pair back")
	}
}

func TestRegistry_SelectFailsWithoutFallback(t *testing.T) {
	reg := NewRegistry("")
	_, err := reg.Select("unregistered-type")
	if err == nil {
		t.Fatalf("expected an error for an unregistered type with no fallback")
	}
	ce, ok := err.(*eventlog.Error)
	if !ok || ce.Code != eventlog.CodeConfigNoFactoryMatch {
		t.Fatalf("expected CodeConfigNoFactoryMatch, got %v", err)
	}
}
