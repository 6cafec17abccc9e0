package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/gradolab/tagline/internal/store"
)

// labelDoc is the indexed shape of one dictionary entry.
type labelDoc struct {
	OwnerID string `json:"owner_id"`
	Label   string `json:"label"`
	Status  string `json:"status"`
}

// Hit is one label match.
type Hit struct {
	TagID  string  `json:"tag_id"`
	Label  string  `json:"label"`
	Status string  `json:"status"`
	Score  float64 `json:"score"`
}

// LabelIndex is an in-memory full-text index over dictionary labels,
// rebuilt from the store on demand. Teachers use it to find near matches
// before hand-editing tag sets.
type LabelIndex struct {
	mu    sync.RWMutex
	idx   bleve.Index
	meta  map[string]labelDoc
	store interface {
		ListTagEntries(ctx context.Context, ownerID string) ([]store.TagDictionaryEntry, error)
	}
}

func NewLabelIndex(st interface {
	ListTagEntries(ctx context.Context, ownerID string) ([]store.TagDictionaryEntry, error)
}) (*LabelIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("bleve: %w", err)
	}
	return &LabelIndex{idx: idx, meta: map[string]labelDoc{}, store: st}, nil
}

// RefreshOwner reindexes one owner's dictionary, dropping stale docs first.
func (l *LabelIndex) RefreshOwner(ctx context.Context, ownerID string) error {
	entries, err := l.store.ListTagEntries(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list dictionary: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, doc := range l.meta {
		if doc.OwnerID != ownerID {
			continue
		}
		if err := l.idx.Delete(id); err != nil {
			return err
		}
		delete(l.meta, id)
	}
	for _, e := range entries {
		doc := labelDoc{OwnerID: e.OwnerID, Label: e.Label, Status: e.Status}
		if err := l.idx.Index(e.ID, doc); err != nil {
			return err
		}
		l.meta[e.ID] = doc
	}
	return nil
}

// Search runs a query-string search restricted to one owner's labels.
func (l *LabelIndex) Search(ownerID, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k*3, 0, false)

	l.mu.RLock()
	defer l.mu.RUnlock()
	res, err := l.idx.Search(req)
	if err != nil {
		return nil, err
	}
	var out []Hit
	for _, hit := range res.Hits {
		doc, ok := l.meta[hit.ID]
		if !ok || doc.OwnerID != ownerID {
			continue
		}
		out = append(out, Hit{TagID: hit.ID, Label: doc.Label, Status: doc.Status, Score: hit.Score})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}
