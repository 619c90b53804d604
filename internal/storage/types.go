package storage

import "github.com/codetrek/forkdb/pkg/model"

// EventType represents the type of change
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event represents a change observed through a store's Watch feed.
type Event struct {
	Id        string          `json:"id"`
	Type      EventType       `json:"type"`
	Document  *model.Document `json:"document,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WatchOptions defines options for watching changes
type WatchOptions struct {
	// Buffer is the subscriber channel capacity; events beyond it are
	// dropped for that subscriber rather than blocking the writer.
	Buffer int
}

// EventFor derives the event for a freshly stored document state.
func EventFor(doc *model.Document, existed bool) Event {
	evt := Event{
		Id:        doc.Id,
		Document:  doc,
		Timestamp: doc.UpdatedAt,
	}
	switch {
	case doc.Deleted:
		evt.Type = EventDelete
	case existed:
		evt.Type = EventUpdate
	default:
		evt.Type = EventCreate
	}
	return evt
}
