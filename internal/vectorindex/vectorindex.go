// Package vectorindex wraps github.com/liliang-cn/sqvect/v2 as the
// broker's vector backend (§4.4): every message insert dual-writes a
// row to the relational store and a vector to this index, keyed by the
// same message id, so semantic search (internal/search) can hydrate
// full message rows from relational hits after an ANN lookup here.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/liliang-cn/sqvect/v2/pkg/core"

	"github.com/claude-slack/broker/internal/brokererr"
	"github.com/claude-slack/broker/internal/filter"
)

// Index is a thin façade over a sqvect collection, scoped to one
// embedding dimensionality for the life of the process.
type Index struct {
	store core.VectorStore
	dims  int
}

// Config selects where the vector store persists and what
// dimensionality it is opened with. Path is a local sqvect database
// file; URL/APIKey select a remote sqvect-compatible endpoint instead
// when set (§6 VECTOR_URL/VECTOR_API_KEY).
type Config struct {
	Path       string
	URL        string
	APIKey     string
	Dimensions int
}

// Open creates or opens the underlying sqvect store.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	coreCfg := core.Config{
		Path:       cfg.Path,
		URL:        cfg.URL,
		APIKey:     cfg.APIKey,
		Dimensions: cfg.Dimensions,
	}
	st, err := core.NewStore(ctx, coreCfg)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "vectorindex.Open", fmt.Errorf("open vector store: %w", err))
	}
	return &Index{store: st, dims: cfg.Dimensions}, nil
}

// Close releases the underlying store's resources.
func (idx *Index) Close() error {
	return idx.store.Close()
}

// Dimensions reports the vector width this index was opened with.
func (idx *Index) Dimensions() int { return idx.dims }

// Upsert writes or replaces the vector for messageID, carrying the
// message's channel id and any filterable metadata fields alongside it
// so Search can prefilter at the ANN layer instead of over-fetching and
// filtering in the caller. Called by internal/facade after
// store.InsertMessage as the second half of the dual write (§4.1); the relational row is
// always written first so a crash between the two halves leaves a
// recoverable vector_synced=0 row rather than an orphaned vector.
func (idx *Index) Upsert(ctx context.Context, messageID string, vector []float32, channelID string, metadata filter.VectorFilter) error {
	if len(vector) != idx.dims {
		return brokererr.New(brokererr.KindInvalidArgument, "vectorindex.Upsert",
			fmt.Errorf("vector has %d dims, index expects %d", len(vector), idx.dims))
	}
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["channel_id"] = channelID

	doc := core.Document{
		ID:       messageID,
		Vector:   vector,
		Metadata: meta,
	}
	if err := idx.store.Upsert(ctx, doc); err != nil {
		return brokererr.New(brokererr.KindUnavailable, "vectorindex.Upsert", fmt.Errorf("upsert %s: %w", messageID, err))
	}
	return nil
}

// Delete removes a message's vector. Nothing in the broker calls it:
// soft-deleted messages (the normal path, §4.3) keep their vector, and
// search drops them when it fetches the hits' rows
// (store.FetchMessagesByIDs skips deleted rows).
func (idx *Index) Delete(ctx context.Context, messageID string) error {
	if err := idx.store.Delete(ctx, messageID); err != nil {
		return brokererr.New(brokererr.KindUnavailable, "vectorindex.Delete", fmt.Errorf("delete %s: %w", messageID, err))
	}
	return nil
}

// Hit is one ANN search result: a message id and its similarity score.
type Hit struct {
	MessageID string
	Score     float64
}

// Search runs an ANN query over the index, restricted to channelIDs
// (the caller's permission-scoped visible-channel set, §4.2) and any
// additional metadata predicate compiled by internal/filter. topK
// bounds the number of hits returned.
func (idx *Index) Search(ctx context.Context, queryVector []float32, channelIDs []string, extra filter.VectorFilter, topK int) ([]Hit, error) {
	if len(queryVector) != idx.dims {
		return nil, brokererr.New(brokererr.KindInvalidArgument, "vectorindex.Search",
			fmt.Errorf("query vector has %d dims, index expects %d", len(queryVector), idx.dims))
	}
	if topK <= 0 {
		topK = 20
	}

	where := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		where[k] = v
	}
	if len(channelIDs) > 0 {
		where["channel_id"] = map[string]any{"$in": toAnySlice(channelIDs)}
	}

	results, err := idx.store.Search(ctx, core.SearchQuery{
		Vector:   queryVector,
		TopK:     topK,
		Metadata: where,
	})
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "vectorindex.Search", fmt.Errorf("search: %w", err))
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{MessageID: r.ID, Score: r.Score})
	}
	return hits, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
