// Package master provides MasterHandler implementations: an in-process
// handler over a master-side store, plus NATS and HTTP transports for
// reaching a remote master.
package master

import (
	"context"
	"encoding/json"

	"github.com/codetrek/forkdb/pkg/model"
)

// Backend is a master-side store for one collection. Implementations exist
// in memory and over MongoDB; Put assigns the backend's replication
// revision and appends to the change feed.
type Backend interface {
	// Get returns the current state for an id, model.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*model.Document, error)

	// Put applies a new document state and returns it with the revision the
	// backend assigned.
	Put(ctx context.Context, doc *model.Document) (*model.Document, error)

	// ChangesSince returns up to limit changes after the given feed
	// position, in feed order, plus the new position.
	ChangesSince(ctx context.Context, since int64, limit int) ([]*model.Document, int64, error)

	// Watch returns a live feed of applied changes, closed when ctx ends.
	Watch(ctx context.Context) (<-chan *model.Document, error)
}

// tokenPosition decodes a checkpoint token back into a feed position.
// Tokens round-trip through JSON on the remote transports, so numbers may
// arrive as float64 or json.Number.
func tokenPosition(token interface{}) int64 {
	switch t := token.(type) {
	case nil:
		return 0
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}
