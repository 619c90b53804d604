// Package sqlite provides a durable fork-side storage adapter backed by
// SQLite, suitable for embedding the database in a single process. Document
// state, the pending write-intent ledger and the recorded master-known
// state live in one database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/pkg/model"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		doc        TEXT NOT NULL,
		revision   TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	)`,

	// Coalesced pending queue: one unreplicated write intent per document.
	`CREATE TABLE IF NOT EXISTS sync_pending (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		intent     TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_master_state (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		doc        TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	)`,

	// Persistent write counter so sequence numbers never regress, even
	// after consumed pending rows are deleted.
	`CREATE TABLE IF NOT EXISTS sync_seq (
		collection TEXT NOT NULL PRIMARY KEY,
		next       INTEGER NOT NULL
	)`,
}

// Open opens (or creates) a forkdb SQLite database file.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	return db, nil
}

// Store is a SQLite-backed fork-side storage adapter for one collection.
type Store struct {
	db         *sql.DB
	collection string
	onWrite    func()
}

// NewStore prepares the schema and returns a store scoped to a collection.
func NewStore(db *sql.DB, collection string) (*Store, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create sync table: %w", err)
		}
	}
	return &Store{db: db, collection: collection}, nil
}

// OnLocalWrite registers a callback fired after every locally originated
// write. Must be set before the store is used concurrently.
func (s *Store) OnLocalWrite(fn func()) { s.onWrite = fn }

// Collection returns the collection this store holds.
func (s *Store) Collection() string { return s.collection }

// BulkWrite applies rows with per-row revision compare-and-write inside a
// single transaction.
func (s *Store) BulkWrite(ctx context.Context, rows []replication.BulkWriteRow) ([]replication.BulkWriteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk write: %w", err)
	}
	defer tx.Rollback()

	results := make([]replication.BulkWriteResult, len(rows))
	localWrite := false

	for i, row := range rows {
		id := row.Document.Id

		cur, err := s.getDocTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}

		if !revisionMatches(row.Expected, cur) {
			results[i] = replication.BulkWriteResult{
				Id:           id,
				Err:          model.ErrConflict,
				CurrentState: cur,
			}
			continue
		}

		raw, err := json.Marshal(row.Document)
		if err != nil {
			return nil, fmt.Errorf("encode document %q: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, doc, revision) VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc, revision = excluded.revision
		`, s.collection, id, string(raw), row.Document.Revision)
		if err != nil {
			return nil, fmt.Errorf("write document %q: %w", id, err)
		}

		if row.FromMaster {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM sync_pending WHERE collection = ? AND id = ?`, s.collection, id); err != nil {
				return nil, fmt.Errorf("clear pending %q: %w", id, err)
			}
			if err := s.putMasterStateTx(ctx, tx, id, row.Document); err != nil {
				return nil, err
			}
		} else {
			assumed := row.AssumedMaster
			if assumed == nil {
				assumed, err = s.getMasterStateTx(ctx, tx, id)
				if err != nil {
					return nil, err
				}
			}
			if err := s.queueIntentTx(ctx, tx, id, replication.WriteIntent{
				NewDocumentState:   row.Document,
				AssumedMasterState: assumed,
			}); err != nil {
				return nil, err
			}
			localWrite = true
		}

		results[i] = replication.BulkWriteResult{Id: id}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk write: %w", err)
	}

	if localWrite && s.onWrite != nil {
		s.onWrite()
	}
	return results, nil
}

// ChangesSince returns pending write intents queued after the checkpoint in
// local write order.
func (s *Store) ChangesSince(ctx context.Context, cp replication.Checkpoint, limit int) ([]replication.WriteIntent, replication.Checkpoint, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent, seq FROM sync_pending
		WHERE collection = ? AND seq > ?
		ORDER BY seq LIMIT ?
	`, s.collection, cp.Seq, limit)
	if err != nil {
		return nil, cp, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var intents []replication.WriteIntent
	var last int64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw, &last); err != nil {
			return nil, cp, fmt.Errorf("scan pending: %w", err)
		}
		var intent replication.WriteIntent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			return nil, cp, fmt.Errorf("%w: undecodable pending intent", model.ErrCorrupted)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, cp, fmt.Errorf("iterate pending: %w", err)
	}

	if len(intents) == 0 {
		return nil, cp, nil
	}
	return intents, replication.Checkpoint{Token: last, Seq: last}, nil
}

// FindByID returns the current stored state for the given ids, including
// soft-deleted documents.
func (s *Store) FindByID(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	if len(ids) == 0 {
		return map[string]*model.Document{}, nil
	}

	query := fmt.Sprintf(`
		SELECT id, doc FROM documents
		WHERE collection = ? AND id IN (%s)
	`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, args(s.collection, ids)...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*model.Document, len(ids))
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: undecodable document %q", model.ErrCorrupted, id)
		}
		out[id] = &doc
	}
	return out, rows.Err()
}

// PendingIntents returns the unreplicated write intent per id.
func (s *Store) PendingIntents(ctx context.Context, ids []string) (map[string]replication.WriteIntent, error) {
	if len(ids) == 0 {
		return map[string]replication.WriteIntent{}, nil
	}

	query := fmt.Sprintf(`
		SELECT id, intent FROM sync_pending
		WHERE collection = ? AND id IN (%s)
	`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, args(s.collection, ids)...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	out := make(map[string]replication.WriteIntent)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		var intent replication.WriteIntent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			return nil, fmt.Errorf("%w: undecodable pending intent %q", model.ErrCorrupted, id)
		}
		out[id] = intent
	}
	return out, rows.Err()
}

// ConsumeIntents clears settled intents and records master-known state.
// Intents superseded by newer local writes stay pending.
func (s *Store) ConsumeIntents(ctx context.Context, consumed []replication.ConsumedIntent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback()

	for _, c := range consumed {
		id := c.Intent.NewDocumentState.Id

		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT intent FROM sync_pending WHERE collection = ? AND id = ?`,
			s.collection, id).Scan(&raw)
		if err == nil {
			var pending replication.WriteIntent
			if jerr := json.Unmarshal([]byte(raw), &pending); jerr != nil {
				return fmt.Errorf("%w: undecodable pending intent %q", model.ErrCorrupted, id)
			}
			if pending.NewDocumentState.Revision == c.Intent.NewDocumentState.Revision {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM sync_pending WHERE collection = ? AND id = ?`, s.collection, id); err != nil {
					return fmt.Errorf("delete pending %q: %w", id, err)
				}
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup pending %q: %w", id, err)
		}

		if err := s.putMasterStateTx(ctx, tx, id, c.MasterState); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Put writes document data locally, queueing it for push.
func (s *Store) Put(ctx context.Context, id string, data map[string]interface{}) (*model.Document, error) {
	cur, err := s.findOne(ctx, id)
	if err != nil {
		return nil, err
	}

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
	cur, err := s.findOne(ctx, id)
	if err != nil {
		return err
	}
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
func (s *Store) Get(ctx context.Context, id string) (*model.Document, error) {
	doc, err := s.findOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, model.ErrNotFound
	}
	return doc, nil
}

// Query loads the collection and applies a declarative query in memory.
func (s *Store) Query(ctx context.Context, q model.Query) ([]*model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM documents WHERE collection = ?`, s.collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: undecodable document", model.ErrCorrupted)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.Collection == "" {
		q.Collection = s.collection
	}
	return model.ApplyQuery(docs, q)
}

func (s *Store) findOne(ctx context.Context, id string) (*model.Document, error) {
	docs, err := s.FindByID(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return docs[id], nil
}

func (s *Store) getDocTx(ctx context.Context, tx *sql.Tx, id string) (*model.Document, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`,
		s.collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup document %q: %w", id, err)
	}
	var doc model.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: undecodable document %q", model.ErrCorrupted, id)
	}
	return &doc, nil
}

func (s *Store) getMasterStateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Document, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT doc FROM sync_master_state WHERE collection = ? AND id = ?`,
		s.collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup master state %q: %w", id, err)
	}
	var doc model.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: undecodable master state %q", model.ErrCorrupted, id)
	}
	return &doc, nil
}

func (s *Store) putMasterStateTx(ctx context.Context, tx *sql.Tx, id string, doc *model.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode master state %q: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_master_state (collection, id, doc) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc
	`, s.collection, id, string(raw))
	if err != nil {
		return fmt.Errorf("write master state %q: %w", id, err)
	}
	return nil
}

func (s *Store) queueIntentTx(ctx context.Context, tx *sql.Tx, id string, intent replication.WriteIntent) error {
	var next int64
	err := tx.QueryRowContext(ctx,
		`SELECT next FROM sync_seq WHERE collection = ?`, s.collection).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		next = 1
	} else if err != nil {
		return fmt.Errorf("read seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_seq (collection, next) VALUES (?, ?)
		ON CONFLICT (collection) DO UPDATE SET next = excluded.next
	`, s.collection, next+1); err != nil {
		return fmt.Errorf("advance seq: %w", err)
	}

	raw, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode intent %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_pending (collection, id, intent, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET intent = excluded.intent, seq = excluded.seq
	`, s.collection, id, string(raw), next); err != nil {
		return fmt.Errorf("queue intent %q: %w", id, err)
	}
	return nil
}

func revisionMatches(expected, current *model.Document) bool {
	if expected == nil || current == nil {
		return expected == nil && current == nil
	}
	return expected.Revision == current.Revision
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(collection string, ids []string) []interface{} {
	out := make([]interface{}, 0, len(ids)+1)
	out = append(out, collection)
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
