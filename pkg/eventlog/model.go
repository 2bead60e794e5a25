package eventlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// streamIDSuffixWidth is the zero-padded width of a stream identifier's
// numeric suffix.
const streamIDSuffixWidth = 10

// NewStreamID builds the genesis stream identifier for a prefix, e.g. the
// object id with dashes stripped.
func NewStreamID(prefix string) string {
	return fmt.Sprintf("%s-%0*d", prefix, streamIDSuffixWidth, 0)
}

// NextStreamID increments the numeric suffix of a stream identifier,
// producing the continuation stream id.
func NextStreamID(id string) (string, error) {
	prefix, n, err := splitStreamID(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%0*d", prefix, streamIDSuffixWidth, n+1), nil
}

func splitStreamID(id string) (prefix string, suffix int, err error) {
	idx := strings.LastIndex(id, "-")
	if idx < 0 || idx == len(id)-1 {
		return "", 0, NewError(CodeValidationBadObjectID, fmt.Sprintf("malformed stream identifier %q", id), nil)
	}
	n, convErr := strconv.Atoi(id[idx+1:])
	if convErr != nil {
		return "", 0, NewError(CodeValidationBadObjectID, fmt.Sprintf("malformed stream identifier %q", id), convErr)
	}
	return id[:idx], n, nil
}

// ActionMetadata carries causation/correlation identifiers for an event.
type ActionMetadata struct {
	CausationID   string `json:"causationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// EventRecord is one immutable, append-only line in a stream.
type EventRecord struct {
	Version           int               `json:"eventVersion"`
	EventType         string            `json:"eventType"`
	Timestamp         time.Time         `json:"timestamp"`
	Payload           json.RawMessage   `json:"payload"`
	ActionMetadata    *ActionMetadata   `json:"actionMetadata,omitempty"`
	ExternalSequencer string            `json:"externalSequencer,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	SchemaVersion     string            `json:"schemaVersion,omitempty"`
}

// IsStreamClosedEvent reports whether this event is the sentinel that
// marks a stream as administratively closed.
func (e EventRecord) IsStreamClosedEvent() bool {
	return e.EventType == "EventStream.Closed"
}

// CommitMarker is the in-line sentinel that closes a batch and records the
// document hash chain. Marker is always "c"; present so the ndjson codec
// can recognize marker lines by structural inspection alone.
type CommitMarker struct {
	Marker   string `json:"$m"`
	Hash     string `json:"h"`
	PrevHash string `json:"ph"`
	Version  int    `json:"v"`
	Offset   *int64 `json:"o,omitempty"`
	Closed   *bool  `json:"closed,omitempty"`
}

// IsClosed reports whether this marker's closed flag is set.
func (m CommitMarker) IsClosed() bool {
	return m.Closed != nil && *m.Closed
}

// NewCommitMarker builds a marker, defaulting Marker to "c".
func NewCommitMarker(hash, prevHash string, version int, offset int64, closed bool) CommitMarker {
	m := CommitMarker{Marker: "c", Hash: hash, PrevHash: prevHash, Version: version}
	m.Offset = &offset
	if closed {
		m.Closed = &closed
	}
	return m
}

// StreamChunk is one bounded-size segment of a chunked stream.
type StreamChunk struct {
	ChunkID      int `json:"chunkId"`
	FirstVersion int `json:"firstVersion"`
	LastVersion  int `json:"lastVersion"`
}

// ActiveStreamInfo is the object document's pointer to its currently
// writable stream.
type ActiveStreamInfo struct {
	StreamID             string        `json:"streamIdentifier"`
	CurrentStreamVersion int           `json:"currentStreamVersion"`
	DataStore            string        `json:"dataStore,omitempty"`
	DocumentStore        string        `json:"documentStore,omitempty"`
	DocumentTagStore     string        `json:"documentTagStore,omitempty"`
	StreamTagStore       string        `json:"streamTagStore,omitempty"`
	SnapshotStore        string        `json:"snapshotStore,omitempty"`
	ChunkingEnabled      bool          `json:"chunkingEnabled,omitempty"`
	ChunkSize            int           `json:"chunkSize,omitempty"`
	Chunks                []StreamChunk `json:"chunks,omitempty"`
}

// LastChunk returns the active stream's last chunk, if chunking is enabled
// and at least one chunk exists.
func (a *ActiveStreamInfo) LastChunk() (StreamChunk, bool) {
	if len(a.Chunks) == 0 {
		return StreamChunk{}, false
	}
	return a.Chunks[len(a.Chunks)-1], true
}

// TerminatedStream records a stream that has been closed, with its
// continuation target.
type TerminatedStream struct {
	StreamID                  string `json:"streamIdentifier"`
	ContinuationStreamID      string `json:"continuationStreamId,omitempty"`
	ContinuationStreamType    string `json:"continuationStreamType,omitempty"`
	ContinuationDataStore     string `json:"continuationDataStore,omitempty"`
	ContinuationDocumentStore string `json:"continuationDocumentStore,omitempty"`
	Reason                    string `json:"reason,omitempty"`
}

// ObjectDocument is the mutable per-object metadata document. ETag is the
// backend concurrency token observed on the most recent load; it is never
// serialized to the wire format.
type ObjectDocument struct {
	ObjectName        string             `json:"objectName"`
	ObjectID          string             `json:"objectId"`
	SchemaVersion     string             `json:"schemaVersion,omitempty"`
	Hash              string             `json:"hash,omitempty"`
	PrevHash          string             `json:"prevHash,omitempty"`
	TerminatedStreams []TerminatedStream `json:"terminatedStreams,omitempty"`
	ActiveStream      ActiveStreamInfo   `json:"activeStream"`

	ETag string `json:"-"`
}

// legacyObjectDocument accepts older field-layout aliases on read, so
// documents written by earlier schema versions still load cleanly.
type legacyObjectDocument struct {
	ObjectName        string             `json:"objectName"`
	ObjectID          string             `json:"objectId"`
	LegacyObjectID    string             `json:"id,omitempty"`
	SchemaVersion     string             `json:"schemaVersion,omitempty"`
	LegacySchemaVer   string             `json:"docVersion,omitempty"`
	Hash              string             `json:"hash,omitempty"`
	PrevHash          string             `json:"prevHash,omitempty"`
	TerminatedStreams []TerminatedStream `json:"terminatedStreams,omitempty"`
	ActiveStream      *ActiveStreamInfo  `json:"activeStream,omitempty"`
	LegacyStream      *ActiveStreamInfo  `json:"stream,omitempty"`
}

// UnmarshalJSON accepts both the current field layout and the legacy
// aliases ("id" for objectId, "docVersion" for schemaVersion, "stream" for
// activeStream) used by documents written before a migration.
func (d *ObjectDocument) UnmarshalJSON(data []byte) error {
	var legacy legacyObjectDocument
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	d.ObjectName = legacy.ObjectName
	d.ObjectID = legacy.ObjectID
	if d.ObjectID == "" {
		d.ObjectID = legacy.LegacyObjectID
	}
	d.SchemaVersion = legacy.SchemaVersion
	if d.SchemaVersion == "" {
		d.SchemaVersion = legacy.LegacySchemaVer
	}
	d.Hash = legacy.Hash
	d.PrevHash = legacy.PrevHash
	d.TerminatedStreams = legacy.TerminatedStreams
	switch {
	case legacy.ActiveStream != nil:
		d.ActiveStream = *legacy.ActiveStream
	case legacy.LegacyStream != nil:
		d.ActiveStream = *legacy.LegacyStream
	default:
		d.ActiveStream = ActiveStreamInfo{CurrentStreamVersion: -1}
	}
	return nil
}

// NewObjectDocument constructs a fresh document with default routing and an
// empty active stream, per docstore.Create's defaulting rules.
func NewObjectDocument(name, id string) *ObjectDocument {
	return &ObjectDocument{
		ObjectName: name,
		ObjectID:   id,
		ActiveStream: ActiveStreamInfo{
			StreamID:             NewStreamID(strings.ReplaceAll(id, "-", "")),
			CurrentStreamVersion: -1,
		},
	}
}
