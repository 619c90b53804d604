package memory

import (
	"context"
	"sync"
	"time"

	"github.com/codetrek/forkdb/pkg/model"
)

// MasterStore is an in-memory master-side store for one collection. It keeps
// an ordered change log so pulls can resume from a checkpoint, and fans
// applied changes out to watchers.
type MasterStore struct {
	collection string

	mu      sync.Mutex
	docs    map[string]*model.Document
	log     []*model.Document
	subs    map[int]chan *model.Document
	nextSub int
}

func NewMasterStore(collection string) *MasterStore {
	return &MasterStore{
		collection: collection,
		docs:       make(map[string]*model.Document),
		subs:       make(map[int]chan *model.Document),
	}
}

// Get returns the current master state for a document id, including
// soft-deleted rows. Absent ids return model.ErrNotFound.
func (m *MasterStore) Get(_ context.Context, id string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return doc.Clone(), nil
}

// Put applies a new document state, assigning the master's revision, and
// appends it to the change log.
func (m *MasterStore) Put(_ context.Context, doc *model.Document) (*model.Document, error) {
	stored := doc.Clone()
	stored.Collection = m.collection
	stored.Revision = model.NewRevision()
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = time.Now().UnixMilli()
	}

	m.mu.Lock()
	m.docs[stored.Id] = stored
	m.log = append(m.log, stored)
	for _, ch := range m.subs {
		select {
		case ch <- stored.Clone():
		default:
		}
	}
	m.mu.Unlock()

	return stored.Clone(), nil
}

// ChangesSince returns up to limit log entries after the given position.
func (m *MasterStore) ChangesSince(_ context.Context, since int64, limit int) ([]*model.Document, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if since < 0 {
		since = 0
	}
	if since >= int64(len(m.log)) {
		return nil, since, nil
	}

	end := int64(len(m.log))
	if limit > 0 && since+int64(limit) < end {
		end = since + int64(limit)
	}

	out := make([]*model.Document, 0, end-since)
	for _, doc := range m.log[since:end] {
		out = append(out, doc.Clone())
	}
	return out, end, nil
}

// Watch subscribes to applied changes. The channel closes when ctx ends.
func (m *MasterStore) Watch(ctx context.Context) (<-chan *model.Document, error) {
	ch := make(chan *model.Document, 16)

	m.mu.Lock()
	key := m.nextSub
	m.nextSub++
	m.subs[key] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, key)
		m.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
