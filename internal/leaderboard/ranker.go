package leaderboard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"quorum/internal/domain"
)

// Store is the slice of the accuracy ledger the ranker needs.
type Store interface {
	ListVoteAccuracy(ctx context.Context) ([]domain.VoteAccuracy, error)
}

const cacheKey = "ranking"

// Ranker derives an accuracy-ordered ranking from the accuracy ledger.
// Rebuilds are full, not incremental; the ranked population is bounded.
type Ranker struct {
	store     Store
	log       *zap.Logger
	minSample int

	mu    sync.Mutex
	cache *expirable.LRU[string, []domain.RankedVoter]
}

func New(store Store, minSample int, ttl time.Duration, log *zap.Logger) *Ranker {
	if minSample <= 0 {
		minSample = 3
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ranker{
		store:     store,
		log:       log,
		minSample: minSample,
		cache:     expirable.NewLRU[string, []domain.RankedVoter](1, nil, ttl),
	}
}

// Ranking returns the cached ranking, rebuilding it on a cache miss.
func (r *Ranker) Ranking(ctx context.Context) ([]domain.RankedVoter, error) {
	if ranked, ok := r.cache.Get(cacheKey); ok {
		return ranked, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have rebuilt while we waited.
	if ranked, ok := r.cache.Get(cacheKey); ok {
		return ranked, nil
	}
	records, err := r.store.ListVoteAccuracy(ctx)
	if err != nil {
		return nil, err
	}
	ranked := r.build(records)
	r.cache.Add(cacheKey, ranked)
	r.log.Debug("leaderboard rebuilt",
		zap.Int("records", len(records)),
		zap.Int("ranked", len(ranked)))
	return ranked, nil
}

// InvalidateCache drops the snapshot so the next read rebuilds.
func (r *Ranker) InvalidateCache() {
	r.cache.Remove(cacheKey)
}

// TopPercentile filters the ranking to percentile <= p.
func (r *Ranker) TopPercentile(ctx context.Context, p float64) ([]domain.RankedVoter, error) {
	ranked, err := r.Ranking(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.RankedVoter
	for _, v := range ranked {
		if v.Percentile <= p {
			res = append(res, v)
		}
	}
	return res, nil
}

// TopN returns the best n ranked voters, or all of them if fewer exist.
func (r *Ranker) TopN(ctx context.Context, n int) ([]domain.RankedVoter, error) {
	ranked, err := r.Ranking(ctx)
	if err != nil {
		return nil, err
	}
	if len(ranked) < n {
		n = len(ranked)
	}
	return ranked[:n], nil
}

func (r *Ranker) build(records []domain.VoteAccuracy) []domain.RankedVoter {
	type tally struct {
		total   int
		correct int
	}
	byUser := map[string]*tally{}
	for _, rec := range records {
		t := byUser[rec.UserID]
		if t == nil {
			t = &tally{}
			byUser[rec.UserID] = t
		}
		t.total++
		if rec.IsCorrect {
			t.correct++
		}
	}
	var ranked []domain.RankedVoter
	for userID, t := range byUser {
		if t.total < r.minSample {
			continue
		}
		ranked = append(ranked, domain.RankedVoter{
			UserID:     userID,
			Accuracy:   float64(t.correct) / float64(t.total),
			TotalVotes: t.total,
		})
	}
	// More evidence outranks less evidence at equal accuracy.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Accuracy != ranked[j].Accuracy {
			return ranked[i].Accuracy > ranked[j].Accuracy
		}
		if ranked[i].TotalVotes != ranked[j].TotalVotes {
			return ranked[i].TotalVotes > ranked[j].TotalVotes
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
		ranked[i].Percentile = float64(i+1) / float64(len(ranked))
	}
	return ranked
}
