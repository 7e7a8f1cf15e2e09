// Package search implements the broker's hybrid search and ranking
// engine (§4.5): a filter-only mode over the relational store and a
// semantic mode that fans out to the vector index before fetching full
// rows and computing a combined score. Grounded on the concurrent
// fan-out-then-merge shape of a TEMPR-style multi-channel recall
// pipeline, adapted to two sources (vector ANN + relational hydrate)
// and the spec's own weighted-sum score instead of reciprocal rank
// fusion. The two sources are queried one after the other, since the
// relational fetch needs the ANN hits' ids; nothing runs concurrently.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/claude-slack/broker/internal/brokererr"
	"github.com/claude-slack/broker/internal/embedding"
	"github.com/claude-slack/broker/internal/filter"
	"github.com/claude-slack/broker/internal/permission"
	"github.com/claude-slack/broker/internal/store"
	"github.com/claude-slack/broker/internal/vectorindex"
)

// Profile fixes the three ranking weights and the recency half-life
// the combined score is computed with.
type Profile struct {
	HalfLife time.Duration
	WeightSim  float64
	WeightConf float64
	WeightRec  float64
}

// Named profiles, per §4.5.
var (
	ProfileRecent     = Profile{HalfLife: 24 * time.Hour, WeightSim: 0.30, WeightConf: 0.10, WeightRec: 0.60}
	ProfileQuality    = Profile{HalfLife: 30 * 24 * time.Hour, WeightSim: 0.40, WeightConf: 0.50, WeightRec: 0.10}
	ProfileBalanced   = Profile{HalfLife: 7 * 24 * time.Hour, WeightSim: 0.34, WeightConf: 0.33, WeightRec: 0.33}
	ProfileSimilarity = Profile{HalfLife: 365 * 24 * time.Hour, WeightSim: 1.00, WeightConf: 0.00, WeightRec: 0.00}
)

// defaultConfidence is substituted when a message carries no confidence.
const defaultConfidence = 0.5

// semanticFanoutFactor widens the vector index's top-K beyond the
// caller's requested N so the combined-score reranking below has
// enough candidates to reorder, per §4.5 ("K ≈ 3×N").
const semanticFanoutFactor = 3

// Result is one ranked search hit.
type Result struct {
	Message *store.Message
	Score   float64
}

// Query is one search request: at most one of Text (semantic) or a
// pure filter (filter-only) drives the result set; both may combine
// with a filter predicate restricting either mode.
type Query struct {
	Text    string
	Filter  *filter.Node
	Limit   int
	Profile Profile
	Now     time.Time // if zero, time.Now() is used; tests inject a fixed value
}

// Engine composes the relational store, vector index, embedding
// provider and filter compiler into the two search modes of §4.5.
type Engine struct {
	store      *store.Store
	index      *vectorindex.Index
	embedder   embedding.Provider
	compiler   *filter.Compiler
	permission *permission.Resolver
}

// New creates an Engine. index may be nil: queries without Text then run
// filter-only as usual, and a query with Text fails with
// brokererr.KindUnavailable (there is no fallback to filter-only).
func New(st *store.Store, idx *vectorindex.Index, embedder embedding.Provider, compiler *filter.Compiler, perm *permission.Resolver) *Engine {
	return &Engine{store: st, index: idx, embedder: embedder, compiler: compiler, permission: perm}
}

// Search runs an unscoped query against every channel (administrative
// callers only, per §4.6 — "a separate unscoped variant... clearly
// named").
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	return e.search(ctx, q, nil)
}

// SearchForAgent runs a permission-scoped query, intersecting the
// candidate channel set with the agent's visible channels before
// dispatch (§4.5). An agent with no visible channel gets no results.
func (e *Engine) SearchForAgent(ctx context.Context, agentID string, q Query) ([]Result, error) {
	visible, err := e.permission.VisibleChannels(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return nil, nil
	}
	return e.search(ctx, q, visible)
}

func (e *Engine) search(ctx context.Context, q Query, channelIDs []string) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	profile := q.Profile
	if profile == (Profile{}) {
		profile = ProfileBalanced
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if q.Text == "" {
		return e.searchFilterOnly(ctx, q, channelIDs, limit)
	}
	return e.searchSemantic(ctx, q, channelIDs, limit, profile, now)
}

// searchFilterOnly compiles the filter to SQL and orders by
// (timestamp desc, confidence desc), per §4.5's filter-only mode.
func (e *Engine) searchFilterOnly(ctx context.Context, q Query, channelIDs []string, limit int) ([]Result, error) {
	whereSQL, whereArgs, err := filter.ToSQL(q.Filter, "metadata")
	if err != nil {
		return nil, err
	}
	messages, err := e.store.QueryMessagesSQL(ctx, channelIDs, whereSQL, whereArgs, limit)
	if err != nil {
		return nil, err
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	results := make([]Result, 0, len(messages))
	for _, m := range messages {
		results = append(results, Result{Message: m, Score: recencyOf(m, now)})
	}
	return results, nil
}

// searchSemantic embeds the query text, asks the vector index for a
// widened candidate set under the compiled predicate, hydrates full
// rows from the relational store, computes the combined score, and
// returns the top `limit` by score.
func (e *Engine) searchSemantic(ctx context.Context, q Query, channelIDs []string, limit int, profile Profile, now time.Time) ([]Result, error) {
	if e.index == nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "search.searchSemantic", errNoVectorIndex)
	}
	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "search.searchSemantic", err)
	}

	vf, err := filter.ToVectorFilter(q.Filter)
	if err != nil {
		return nil, err
	}

	hits, err := e.index.Search(ctx, vec, channelIDs, vf, limit*semanticFanoutFactor)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	scoreByID := make(map[string]float64, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.MessageID)
		scoreByID[h.MessageID] = h.Score
	}

	messages, err := e.store.FetchMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(messages))
	for _, m := range messages {
		sim := scoreByID[m.MessageID]
		conf := defaultConfidence
		if m.Confidence != nil {
			conf = *m.Confidence
		}
		rec := decay(ageHours(m, now), profile.HalfLife)
		results = append(results, Result{Message: m, Score: combinedScore(sim, conf, rec, profile)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Message.CreatedAt != results[j].Message.CreatedAt {
			return results[i].Message.CreatedAt > results[j].Message.CreatedAt
		}
		return results[i].Message.MessageID < results[j].Message.MessageID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// combinedScore implements §4.5's formula:
//
//	score = (w_sim·sim + w_conf·conf + w_rec·decay) / (w_sim + w_conf + w_rec)
func combinedScore(sim, conf, decay float64, p Profile) float64 {
	denom := p.WeightSim + p.WeightConf + p.WeightRec
	if denom == 0 {
		return 0
	}
	return (p.WeightSim*sim + p.WeightConf*conf + p.WeightRec*decay) / denom
}

// decay implements the exponential half-life recency curve:
// decay(age_h, half_life_h) = 2^(-age_h/half_life_h).
func decay(ageHours, halfLife time.Duration) float64 {
	hlHours := halfLife.Hours()
	if hlHours <= 0 {
		return 0
	}
	return math.Pow(2, -ageHours.Hours()/hlHours)
}

func ageHours(m *store.Message, now time.Time) time.Duration {
	ts, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return 0
	}
	age := now.Sub(ts)
	if age < 0 {
		return 0
	}
	return age
}

// recencyOf annotates a filter-only result with a standalone recency
// score (no similarity/confidence term is available in that mode),
// using the balanced profile's half-life as the default decay curve.
func recencyOf(m *store.Message, now time.Time) float64 {
	return decay(ageHours(m, now), ProfileBalanced.HalfLife)
}

var errNoVectorIndex = &noVectorIndexErr{}

type noVectorIndexErr struct{}

func (*noVectorIndexErr) Error() string {
	return "search: semantic search requested but no vector index is configured"
}
