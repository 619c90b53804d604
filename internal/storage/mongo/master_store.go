// Package mongo provides a MongoDB-backed master-side store. Change feed
// positions are monotonically assigned sequence numbers, and the live feed
// rides MongoDB change streams (a replica set is required for Watch).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/codetrek/forkdb/pkg/model"
)

// Connect dials MongoDB with a bounded handshake timeout.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

type storedDoc struct {
	model.Document `bson:",inline"`
	Seq            int64 `bson:"seq"`
}

// MasterStore holds one logical collection in its own MongoDB collection.
type MasterStore struct {
	docs       *mongo.Collection
	counters   *mongo.Collection
	collection string
}

func NewMasterStore(db *mongo.Database, collection string) *MasterStore {
	return &MasterStore{
		docs:       db.Collection("docs_" + collection),
		counters:   db.Collection("counters"),
		collection: collection,
	}
}

// EnsureIndexes creates the change-feed index.
func (m *MasterStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.docs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seq", Value: 1}},
	})
	return err
}

func (m *MasterStore) Get(ctx context.Context, id string) (*model.Document, error) {
	var stored storedDoc
	err := m.docs.FindOne(ctx, bson.M{"_id": id}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find document %q: %w", id, err)
	}
	doc := stored.Document
	return &doc, nil
}

func (m *MasterStore) Put(ctx context.Context, doc *model.Document) (*model.Document, error) {
	seq, err := m.nextSeq(ctx)
	if err != nil {
		return nil, err
	}

	stored := storedDoc{Document: *doc.Clone(), Seq: seq}
	stored.Collection = m.collection
	stored.Revision = model.NewRevision()
	if stored.UpdatedAt == 0 {
		stored.UpdatedAt = time.Now().UnixMilli()
	}

	_, err = m.docs.ReplaceOne(ctx, bson.M{"_id": doc.Id}, stored, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("write document %q: %w", doc.Id, err)
	}

	out := stored.Document
	return &out, nil
}

// ChangesSince returns documents whose latest change is after the given
// position, in change order. A document appears once, at its latest
// position, so replays converge instead of repeating stale states.
func (m *MasterStore) ChangesSince(ctx context.Context, since int64, limit int) ([]*model.Document, int64, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.docs.Find(ctx, bson.M{"seq": bson.M{"$gt": since}}, opts)
	if err != nil {
		return nil, since, fmt.Errorf("query changes: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*model.Document
	pos := since
	for cursor.Next(ctx) {
		var stored storedDoc
		if err := cursor.Decode(&stored); err != nil {
			return nil, since, fmt.Errorf("decode change: %w", err)
		}
		doc := stored.Document
		out = append(out, &doc)
		pos = stored.Seq
	}
	if err := cursor.Err(); err != nil {
		return nil, since, fmt.Errorf("iterate changes: %w", err)
	}
	return out, pos, nil
}

// Watch opens a change stream on the collection and emits the full document
// for every insert and replace.
func (m *MasterStore) Watch(ctx context.Context) (<-chan *model.Document, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := m.docs.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, fmt.Errorf("open change stream: %w", err)
	}

	ch := make(chan *model.Document, 16)
	go func() {
		defer close(ch)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var evt struct {
				FullDocument storedDoc `bson:"fullDocument"`
			}
			if err := stream.Decode(&evt); err != nil {
				log.Printf("[Mongo] Failed to decode change event: %v", err)
				continue
			}
			if evt.FullDocument.Id == "" {
				continue
			}
			doc := evt.FullDocument.Document
			select {
			case ch <- &doc:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (m *MasterStore) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": m.collection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("advance change feed position: %w", err)
	}
	return counter.Seq, nil
}
