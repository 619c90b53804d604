// Package memory provides in-memory storage for forkdb: a fork-side local
// storage adapter and a master-side store. Both are used by embedders that
// do not need durability and throughout the test suite.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/internal/storage"
	"github.com/codetrek/forkdb/pkg/model"
)

type pendingEntry struct {
	intent replication.WriteIntent
	seq    int64
}

// Store is an in-memory fork-side storage adapter for one collection. It
// implements replication.LocalStorage and offers a small application-facing
// API (Put, Delete, Get, Query, Watch).
type Store struct {
	collection string

	mu          sync.Mutex
	docs        map[string]*model.Document
	pending     map[string]pendingEntry
	masterKnown map[string]*model.Document
	seq         int64
	subs        map[int]chan storage.Event
	nextSub     int

	// onWrite fires after each locally originated write. The services
	// wiring points it at the replication state's push trigger.
	onWrite func()
}

// NewStore creates an empty store for one collection.
func NewStore(collection string) *Store {
	return &Store{
		collection:  collection,
		docs:        make(map[string]*model.Document),
		pending:     make(map[string]pendingEntry),
		masterKnown: make(map[string]*model.Document),
		subs:        make(map[int]chan storage.Event),
	}
}

// OnLocalWrite registers a callback fired after every locally originated
// write. Must be set before the store is used concurrently.
func (s *Store) OnLocalWrite(fn func()) { s.onWrite = fn }

// Collection returns the collection this store holds.
func (s *Store) Collection() string { return s.collection }

// BulkWrite applies rows with per-row revision compare-and-write.
func (s *Store) BulkWrite(_ context.Context, rows []replication.BulkWriteRow) ([]replication.BulkWriteResult, error) {
	s.mu.Lock()

	results := make([]replication.BulkWriteResult, len(rows))
	var events []storage.Event
	localWrite := false

	for i, row := range rows {
		id := row.Document.Id
		cur := s.docs[id]

		if !revisionMatches(row.Expected, cur) {
			results[i] = replication.BulkWriteResult{
				Id:           id,
				Err:          model.ErrConflict,
				CurrentState: cur.Clone(),
			}
			continue
		}

		existed := cur != nil && !cur.Deleted
		stored := row.Document.Clone()
		s.docs[id] = stored

		if row.FromMaster {
			delete(s.pending, id)
			s.masterKnown[id] = stored.Clone()
		} else {
			assumed := row.AssumedMaster
			if assumed == nil {
				assumed = s.masterKnown[id]
			}
			s.seq++
			s.pending[id] = pendingEntry{
				intent: replication.WriteIntent{
					NewDocumentState:   stored.Clone(),
					AssumedMasterState: assumed.Clone(),
				},
				seq: s.seq,
			}
			localWrite = true
		}

		results[i] = replication.BulkWriteResult{Id: id}
		events = append(events, storage.EventFor(stored.Clone(), existed))
	}

	for _, evt := range events {
		s.broadcastLocked(evt)
	}
	onWrite := s.onWrite
	s.mu.Unlock()

	if localWrite && onWrite != nil {
		onWrite()
	}
	return results, nil
}

// ChangesSince returns pending write intents queued after the checkpoint in
// local write order.
func (s *Store) ChangesSince(_ context.Context, cp replication.Checkpoint, limit int) ([]replication.WriteIntent, replication.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]pendingEntry, 0, len(s.pending))
	for _, e := range s.pending {
		if e.seq > cp.Seq {
			entries = append(entries, e)
		}
	}
	sortPending(entries)

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	if len(entries) == 0 {
		return nil, cp, nil
	}

	intents := make([]replication.WriteIntent, len(entries))
	for i, e := range entries {
		intents[i] = cloneIntent(e.intent)
	}
	last := entries[len(entries)-1].seq
	return intents, replication.Checkpoint{Token: last, Seq: last}, nil
}

// FindByID returns the current stored state for the given ids, including
// soft-deleted documents.
func (s *Store) FindByID(_ context.Context, ids []string) (map[string]*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*model.Document, len(ids))
	for _, id := range ids {
		if doc, ok := s.docs[id]; ok {
			out[id] = doc.Clone()
		}
	}
	return out, nil
}

// PendingIntents returns the unreplicated write intent per id.
func (s *Store) PendingIntents(_ context.Context, ids []string) (map[string]replication.WriteIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]replication.WriteIntent)
	for _, id := range ids {
		if e, ok := s.pending[id]; ok {
			out[id] = cloneIntent(e.intent)
		}
	}
	return out, nil
}

// ConsumeIntents clears settled intents and records master-known state.
// Intents superseded by newer local writes stay pending.
func (s *Store) ConsumeIntents(_ context.Context, consumed []replication.ConsumedIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range consumed {
		id := c.Intent.NewDocumentState.Id
		if e, ok := s.pending[id]; ok && e.intent.NewDocumentState.Revision == c.Intent.NewDocumentState.Revision {
			delete(s.pending, id)
		}
		s.masterKnown[id] = c.MasterState.Clone()
	}
	return nil
}

// Put writes document data locally, queueing it for push.
func (s *Store) Put(ctx context.Context, id string, data map[string]interface{}) (*model.Document, error) {
	s.mu.Lock()
	cur := s.docs[id]
	s.mu.Unlock()

	doc := &model.Document{
		Id:         id,
		Collection: s.collection,
		Data:       data,
		UpdatedAt:  time.Now().UnixMilli(),
		Revision:   model.NewRevision(),
	}
	results, err := s.BulkWrite(ctx, []replication.BulkWriteRow{{Document: doc, Expected: cur}})
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return doc, nil
}

// Delete soft-deletes a document locally, queueing the deletion for push.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	cur := s.docs[id]
	s.mu.Unlock()

	if cur == nil || cur.Deleted {
		return model.ErrNotFound
	}

	doc := cur.Clone()
	doc.Deleted = true
	doc.UpdatedAt = time.Now().UnixMilli()
	doc.Revision = model.NewRevision()

	results, err := s.BulkWrite(ctx, []replication.BulkWriteRow{{Document: doc, Expected: cur}})
	if err != nil {
		return err
	}
	return results[0].Err
}

// Get returns a document by id. Soft-deleted documents read as not found.
func (s *Store) Get(_ context.Context, id string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok || doc.Deleted {
		return nil, model.ErrNotFound
	}
	return doc.Clone(), nil
}

// Query applies a declarative query to the stored documents.
func (s *Store) Query(_ context.Context, q model.Query) ([]*model.Document, error) {
	s.mu.Lock()
	docs := make([]*model.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc.Clone())
	}
	s.mu.Unlock()

	if q.Collection == "" {
		q.Collection = s.collection
	}
	return model.ApplyQuery(docs, q)
}

// Watch subscribes to local change events. The subscription ends when ctx
// is cancelled.
func (s *Store) Watch(ctx context.Context, opts storage.WatchOptions) (<-chan storage.Event, error) {
	buf := opts.Buffer
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan storage.Event, buf)

	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subs[key] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (s *Store) broadcastLocked(evt storage.Event) {
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func revisionMatches(expected, current *model.Document) bool {
	if expected == nil || current == nil {
		return expected == nil && current == nil
	}
	return expected.Revision == current.Revision
}

func cloneIntent(in replication.WriteIntent) replication.WriteIntent {
	return replication.WriteIntent{
		NewDocumentState:   in.NewDocumentState.Clone(),
		AssumedMasterState: in.AssumedMasterState.Clone(),
	}
}

func sortPending(entries []pendingEntry) {
	// Insertion sort: batches are small and seq values are unique.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].seq < entries[j-1].seq; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
