package model

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Document represents a replicated document in the database
type Document struct {
	// Id is the unique identifier for the document within its collection
	Id string `json:"id" bson:"_id"`

	// Collection is the owning collection name
	Collection string `json:"collection" bson:"collection"`

	// Data is the actual content of the document
	Data map[string]interface{} `json:"data" bson:"data"`

	// Deleted indicates if the document is soft-deleted.
	// Deletions replicate like any other write.
	Deleted bool `json:"deleted,omitempty" bson:"deleted,omitempty"`

	// UpdatedAt is the timestamp of the last write (Unix milliseconds)
	UpdatedAt int64 `json:"updatedAt" bson:"updated_at"`

	// Revision is the backend-assigned replication revision. It is opaque:
	// revisions are compared for equality only, never ordered.
	Revision string `json:"revision" bson:"revision"`
}

// CalculateID calculates a document ID (hash) from the full path
func CalculateID(fullpath string) string {
	hash := blake3.Sum256([]byte(fullpath))
	return hex.EncodeToString(hash[:16])
}

// NewRevision mints a fresh opaque revision token.
func NewRevision() string {
	return uuid.New().String()
}

// NewDocument creates a new document instance with initialized metadata
func NewDocument(collection string, id string, data map[string]interface{}) *Document {
	if id == "" {
		id = uuid.New().String()
	}

	return &Document{
		Id:         id,
		Collection: collection,
		Data:       data,
		UpdatedAt:  time.Now().UnixMilli(),
		Revision:   NewRevision(),
	}
}

// Clone returns a deep-enough copy of the document. Data values are shared,
// but the Data map itself is copied so callers can add or remove fields.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Data != nil {
		c.Data = make(map[string]interface{}, len(d.Data))
		for k, v := range d.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// SameRevision reports whether both documents carry the same revision token.
// A nil document only matches another nil document.
func SameRevision(a, b *Document) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Revision == b.Revision
}
