package model

import "sort"

// Query represents a declarative query applied to a batch of documents
type Query struct {
	Collection  string  `json:"collection"`
	Filters     Filters `json:"filters"`
	OrderBy     []Order `json:"orderBy"`
	Limit       int     `json:"limit"`
	StartAfter  string  `json:"startAfter"` // Cursor (usually the last document ID)
	ShowDeleted bool    `json:"showDeleted"`
}

// ApplyQuery evaluates a query against an in-memory batch of documents.
// Query planning and index selection live with the storage backends; this is
// the shared filter/sort/paginate step for batches already in memory.
func ApplyQuery(docs []*Document, q Query) ([]*Document, error) {
	out := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if q.Collection != "" && doc.Collection != q.Collection {
			continue
		}
		if doc.Deleted && !q.ShowDeleted {
			continue
		}
		ok, err := q.Filters.Match(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			av, _ := fieldValue(out[i], o.Field)
			bv, _ := fieldValue(out[j], o.Field)
			c := compareValues(av, bv)
			if c == 0 {
				continue
			}
			if o.Direction == "desc" {
				return c > 0
			}
			return c < 0
		}
		// Stable tiebreak on id so pagination cursors are deterministic.
		return out[i].Id < out[j].Id
	})

	if q.StartAfter != "" {
		skip := 0
		for i, doc := range out {
			if doc.Id == q.StartAfter {
				skip = i + 1
				break
			}
		}
		out = out[skip:]
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
