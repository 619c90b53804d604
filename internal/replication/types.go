package replication

import (
	"context"

	"github.com/codetrek/forkdb/pkg/model"
)

// Direction identifies one side of the sync protocol. Checkpoints are scoped
// to a direction and are never compared across directions.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Checkpoint is an opaque resume token for one direction of sync.
// Token is produced and consumed by the backend and passed back verbatim.
// Seq is a batch-sequence counter; it only orders checkpoints produced
// within a single direction.
type Checkpoint struct {
	Token interface{} `json:"token"`
	Seq   int64       `json:"seq"`
}

// IsZero reports whether the checkpoint is the start-of-history marker.
func (c Checkpoint) IsZero() bool {
	return c.Token == nil && c.Seq == 0
}

// CheckpointStore persists checkpoints for one collection. A Save that did
// not complete must leave the previous checkpoint intact.
type CheckpointStore interface {
	// Load returns the last saved checkpoint for the direction, or nil if
	// none has been saved yet.
	Load(ctx context.Context, direction Direction) (*Checkpoint, error)

	// Save persists the checkpoint. Implementations reject regressions:
	// saving a checkpoint with a lower Seq than the stored one is an error.
	Save(ctx context.Context, direction Direction, cp Checkpoint) error
}

// WriteIntent is a locally queued document write not yet acknowledged by
// master. AssumedMasterState is what the fork believed the master held when
// the write was queued; nil means "believed to not exist".
type WriteIntent struct {
	NewDocumentState   *model.Document `json:"newDocumentState"`
	AssumedMasterState *model.Document `json:"assumedMasterState,omitempty"`
}

// PullResponse is one batch of master changes plus the checkpoint that
// summarizes them.
type PullResponse struct {
	Documents  []*model.Document `json:"documents"`
	Checkpoint Checkpoint        `json:"checkpoint"`
}

// PushResult is the master's verdict for one pushed row. Accepted rows carry
// no state; conflicting rows carry the master's actual current state at the
// time the push was evaluated (nil if the master held no document).
type PushResult struct {
	Accepted    bool            `json:"accepted"`
	MasterState *model.Document `json:"masterState,omitempty"`
}

// MasterHandler is the fork's view of the authoritative replica. It is
// transport-agnostic: implementations exist over in-process stores, NATS
// and HTTP.
type MasterHandler interface {
	// PullChanges returns up to limit documents changed since the checkpoint,
	// in change order, plus the checkpoint summarizing the batch.
	PullChanges(ctx context.Context, cp Checkpoint, limit int) (*PullResponse, error)

	// PushRows sends a batch of write intents. The result slice is parallel
	// to rows. A transport-level failure is reported via the error return;
	// data conflicts are reported per row.
	PushRows(ctx context.Context, rows []WriteIntent) ([]PushResult, error)

	// ChangeStream returns a live feed of master-side changes. The channel is
	// closed when ctx is cancelled or the stream fails.
	ChangeStream(ctx context.Context) (<-chan *model.Document, error)
}

// BulkWriteRow is one row of a local bulk write.
type BulkWriteRow struct {
	// Document is the new state to persist.
	Document *model.Document

	// Expected is the state the caller believes is currently stored. The
	// write succeeds only if the stored revision matches (nil expects the
	// document to be absent). This is the per-document compare-and-write the
	// protocol relies on.
	Expected *model.Document

	// FromMaster marks the row as originating at master. Such rows are not
	// queued for push and they update the recorded master-known state.
	FromMaster bool

	// AssumedMaster overrides the assumed master state recorded with the
	// queued write intent. Only meaningful when FromMaster is false; when
	// nil the adapter's recorded master-known state is used.
	AssumedMaster *model.Document
}

// BulkWriteResult reports the outcome of one row. A revision conflict sets
// Err to model.ErrConflict and CurrentState to the state actually stored.
type BulkWriteResult struct {
	Id           string
	Err          error
	CurrentState *model.Document
}

// ConsumedIntent marks one write intent as settled with master.
// MasterState is the state master holds for the document after the push
// (the pushed document for accepted rows, the resolution otherwise).
type ConsumedIntent struct {
	Intent      WriteIntent
	MasterState *model.Document
}

// LocalStorage is the fork-side storage adapter consumed by the engines.
// The adapter is scoped to a single collection. It keeps, besides document
// state, a coalesced per-id ledger of unreplicated write intents.
type LocalStorage interface {
	// BulkWrite applies rows with per-row optimistic-concurrency checks.
	// The result slice is parallel to rows.
	BulkWrite(ctx context.Context, rows []BulkWriteRow) ([]BulkWriteResult, error)

	// ChangesSince returns unreplicated write intents queued after the
	// checkpoint, ordered by local write time (ties broken by id), plus the
	// checkpoint summarizing the batch.
	ChangesSince(ctx context.Context, cp Checkpoint, limit int) ([]WriteIntent, Checkpoint, error)

	// FindByID returns the current stored state for each id. Absent ids are
	// missing from the map.
	FindByID(ctx context.Context, ids []string) (map[string]*model.Document, error)

	// PendingIntents returns the unreplicated write intent per id, for ids
	// that currently have one.
	PendingIntents(ctx context.Context, ids []string) (map[string]WriteIntent, error)

	// ConsumeIntents clears pending intents whose queued state still matches
	// the given intent, and records each document's master-known state.
	// An intent superseded by a newer local write is left pending.
	ConsumeIntents(ctx context.Context, consumed []ConsumedIntent) error
}
