package audit

import (
	"context"
	"log"
)

// Recorder writes audit entries without ever failing the caller's primary
// operation. Issuance, revocation and approval must stay durable even when
// the audit write fails; the failure is logged and pushed to connected
// stream subscribers instead.
type Recorder struct {
	store *Store
	hub   *Hub
}

// NewRecorder creates a Recorder. hub may be nil (no live stream).
func NewRecorder(store *Store, hub *Hub) *Recorder {
	return &Recorder{store: store, hub: hub}
}

// Store exposes the underlying store for queries.
func (r *Recorder) Store() *Store { return r.store }

// Record appends an entry to the audit log. It never returns an error: a
// failed write is reported on the operational log and to stream
// subscribers as an audit_write_failed frame.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if err := r.store.Insert(ctx, entry); err != nil {
		log.Printf("audit: write failed (event_type=%s action=%s): %v", entry.EventType, entry.Action, err)
		if r.hub != nil {
			r.hub.NotifyWriteFailed(entry, err)
		}
		return
	}
	if r.hub != nil {
		r.hub.Broadcast(entry)
	}
}
