// Package search derives fuzzy-match indices from the local entity store
// so lookups keep working offline.
//
// Indices are snapshots: one per searchable entity type, rebuilt on first
// use and after each full sync's pull phase — never per individual
// mutation, which bounds rebuild cost. Queries run against every index
// independently, then merge and truncate per type, returning the same
// shape as the online search API so callers are mode-agnostic.
package search

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/store"
	"github.com/sahilm/fuzzy"
)

// DefaultLimit is the per-type result cap when the caller passes none.
const DefaultLimit = 20

// Match is one search hit.
type Match struct {
	EntityType inventory.EntityType `json:"entityType"`
	ID         string               `json:"id"`
	Score      int                  `json:"score"`
	Text       string               `json:"text"`
	Record     inventory.Record     `json:"record"`
}

// Response mirrors the online search API's result shape.
type Response struct {
	Query   string                             `json:"query"`
	Results map[inventory.EntityType][]Match   `json:"results"`
	Total   int                                `json:"total"`
	Indexed map[inventory.EntityType]time.Time `json:"indexed"`
}

// typeIndex is the snapshot for one entity type.
type typeIndex struct {
	ids         []string
	texts       []string
	records     []inventory.Record
	lastUpdated time.Time
}

// String implements fuzzy.Source.
func (ix *typeIndex) String(i int) string { return ix.texts[i] }

// Len implements fuzzy.Source.
func (ix *typeIndex) Len() int { return len(ix.texts) }

// Builder builds and queries the per-type fuzzy indices for one workspace.
type Builder struct {
	store       *store.Store
	workspaceID string
	logger      *log.Logger

	mu      sync.RWMutex
	indices map[inventory.EntityType]*typeIndex
}

// NewBuilder creates a Builder over the local entity store.
//
// If logger is nil, a default logger writing to stderr is used.
func NewBuilder(st *store.Store, workspaceID string, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.New(os.Stderr, "[search] ", log.LstdFlags)
	}
	return &Builder{
		store:       st,
		workspaceID: workspaceID,
		logger:      logger,
		indices:     make(map[inventory.EntityType]*typeIndex),
	}
}

// BuildIndices snapshots the store and rebuilds every searchable index.
func (b *Builder) BuildIndices(ctx context.Context) error {
	fresh := make(map[inventory.EntityType]*typeIndex, len(inventory.SearchableTypes()))

	for _, entityType := range inventory.SearchableTypes() {
		records, err := b.store.ListRecords(ctx, b.workspaceID, entityType)
		if err != nil {
			return fmt.Errorf("failed to snapshot %s for indexing: %w", entityType, err)
		}

		ix := &typeIndex{lastUpdated: time.Now()}
		for _, rec := range records {
			text := inventory.SearchText(entityType, rec.Data)
			if text == "" {
				continue
			}
			ix.ids = append(ix.ids, rec.ID)
			ix.texts = append(ix.texts, text)
			ix.records = append(ix.records, rec)
		}
		fresh[entityType] = ix
	}

	b.mu.Lock()
	b.indices = fresh
	b.mu.Unlock()

	b.logger.Printf("Rebuilt search indices for %d entity types", len(fresh))
	return nil
}

// LastUpdated returns when the index for the given type was last rebuilt,
// or the zero time if it has never been built.
func (b *Builder) LastUpdated(entityType inventory.EntityType) time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ix, ok := b.indices[entityType]; ok {
		return ix.lastUpdated
	}
	return time.Time{}
}

// Search queries every index for the fuzzy pattern, truncating each type's
// hits to limit (DefaultLimit when <= 0). Indices are built lazily on
// first use.
func (b *Builder) Search(ctx context.Context, query string, limit int) (*Response, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	b.mu.RLock()
	empty := len(b.indices) == 0
	b.mu.RUnlock()
	if empty {
		if err := b.BuildIndices(ctx); err != nil {
			return nil, err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	resp := &Response{
		Query:   query,
		Results: make(map[inventory.EntityType][]Match),
		Indexed: make(map[inventory.EntityType]time.Time),
	}

	for entityType, ix := range b.indices {
		resp.Indexed[entityType] = ix.lastUpdated

		hits := fuzzy.FindFrom(query, ix)
		if len(hits) > limit {
			hits = hits[:limit]
		}

		matches := make([]Match, 0, len(hits))
		for _, hit := range hits {
			matches = append(matches, Match{
				EntityType: entityType,
				ID:         ix.ids[hit.Index],
				Score:      hit.Score,
				Text:       ix.texts[hit.Index],
				Record:     ix.records[hit.Index],
			})
		}
		if len(matches) > 0 {
			resp.Results[entityType] = matches
		}
		resp.Total += len(matches)
	}

	return resp, nil
}
