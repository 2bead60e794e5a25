package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// NATSObserver republishes commit lifecycle events to a NATS subject,
// letting other processes (read replicas, projections, cache invalidators)
// react to commits without polling the document store. Publish-only: no
// consumer-group or JetStream semantics required here.
type NATSObserver struct {
	conn           *nats.Conn
	commitSubject  string
	closedSubject  string
}

// NewNATSObserver wraps an already-connected *nats.Conn. commitSubject and
// closedSubject name the subjects OnCommit/OnChunkClosed publish to.
func NewNATSObserver(conn *nats.Conn, commitSubject, closedSubject string) *NATSObserver {
	return &NATSObserver{conn: conn, commitSubject: commitSubject, closedSubject: closedSubject}
}

func (n *NATSObserver) OnCommit(ctx context.Context, evt CommitEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = n.conn.Publish(n.commitSubject, payload)
}

func (n *NATSObserver) OnChunkClosed(ctx context.Context, evt ChunkClosedEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = n.conn.Publish(n.closedSubject, payload)
}
