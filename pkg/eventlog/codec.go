package eventlog

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// markerPrefix is the structural signature that distinguishes a commit
// marker line from an event line, per the on-blob line format.
const markerPrefix = `{"$m":`

// EncodeEvent serializes an event record to a single ndjson line (without
// trailing newline). The payload field is copied through as raw JSON: it
// is never re-quoted, though encoding/json compacts it (insignificant
// whitespace removed) and escapes HTML characters in it.
func EncodeEvent(e EventRecord) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, NewError(CodeValidationUnregisteredEvent, "failed to encode event", err)
	}
	return b, nil
}

// DecodeEvent parses one ndjson line into an event record.
func DecodeEvent(line []byte) (EventRecord, error) {
	var e EventRecord
	if err := json.Unmarshal(line, &e); err != nil {
		return EventRecord{}, NewError(CodeValidationUnregisteredEvent, "failed to decode event line", err)
	}
	return e, nil
}

// EncodeMarker serializes a commit marker to a single ndjson line.
func EncodeMarker(m CommitMarker) ([]byte, error) {
	m.Marker = "c"
	b, err := json.Marshal(m)
	if err != nil {
		return nil, NewError(CodeValidationUnregisteredEvent, "failed to encode commit marker", err)
	}
	return b, nil
}

// DecodeMarker parses one ndjson line into a commit marker.
func DecodeMarker(line []byte) (CommitMarker, error) {
	var m CommitMarker
	if err := json.Unmarshal(line, &m); err != nil {
		return CommitMarker{}, NewError(CodeValidationUnregisteredEvent, "failed to decode commit marker", err)
	}
	return m, nil
}

// IsMarkerLine reports whether a raw ndjson line is structurally a commit
// marker rather than an event, without fully parsing it.
func IsMarkerLine(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(line), []byte(markerPrefix))
}

// ParsedLine is one decoded line from an append-blob body: exactly one of
// Event or Marker is set.
type ParsedLine struct {
	Event  *EventRecord
	Marker *CommitMarker
	// Offset is the byte offset of this line's first byte from the start
	// of the blob, when known (tail scans always know it).
	Offset int64
}

// ParseLines splits ndjson content into events and markers, in document
// order. startOffset is the byte offset of the first byte of r within the
// blob (0 for a full download, non-zero for a ranged tail read).
func ParseLines(r io.Reader, startOffset int64) ([]ParsedLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []ParsedLine
	offset := startOffset
	for scanner.Scan() {
		raw := scanner.Bytes()
		lineLen := int64(len(raw)) + 1 // + newline
		if len(bytes.TrimSpace(raw)) == 0 {
			offset += lineLen
			continue
		}
		if IsMarkerLine(raw) {
			m, err := DecodeMarker(raw)
			if err != nil {
				return nil, err
			}
			cp := m
			out = append(out, ParsedLine{Marker: &cp, Offset: offset})
		} else {
			e, err := DecodeEvent(raw)
			if err != nil {
				return nil, err
			}
			cp := e
			out = append(out, ParsedLine{Event: &cp, Offset: offset})
		}
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return nil, NewError(CodeValidationUnregisteredEvent, "failed to scan ndjson body", err)
	}
	return out, nil
}

// Canonicalize produces the canonical JSON bytes for a document, used both
// as the wire representation and as the SHA-256 hash input. All writers
// must use this function (or hash the exact bytes it returns) so the hash
// chain stays valid across backends — see the canonical-hashing design
// note.
func Canonicalize(doc *ObjectDocument) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, NewError(CodeValidationUnregisteredEvent, "failed to canonicalize document", err)
	}
	return b, nil
}

// HashDocument returns the hex-encoded SHA-256 digest of a document's
// canonical bytes.
func HashDocument(doc *ObjectDocument) (string, []byte, error) {
	canonical, err := Canonicalize(doc)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

// GenesisMarker builds the first marker written to a new blob.
func GenesisMarker(documentHash string) CommitMarker {
	h := documentHash
	if h == "" {
		h = "*"
	}
	var zero int64
	return CommitMarker{Marker: "c", Hash: h, PrevHash: "*", Version: 0, Offset: &zero}
}

// FormatBlobPath computes the on-backend object key for a stream or stream
// chunk.
func FormatBlobPath(streamID string, chunkID *int) string {
	if chunkID == nil {
		return fmt.Sprintf("%s.ndjson", streamID)
	}
	return fmt.Sprintf("%s-%0*d.ndjson", streamID, streamIDSuffixWidth, *chunkID)
}
