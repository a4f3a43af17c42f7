package resources

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"mixdeck/internal/catalog"
	"mixdeck/internal/core"
	"mixdeck/pkg/fuzzy"
)

const (
	DefaultSearchCacheSize = 128
	DefaultSearchCacheTTL  = 5 * time.Minute
)

// Searcher runs upstream searches over tracks, artists and albums and keeps
// recent results.
type Searcher struct {
	api        core.CatalogAPI
	logger     *zap.Logger
	normalizer *fuzzy.Normalizer
	cache      *expirable.LRU[string, *core.SearchResults]
}

func NewSearcher(api core.CatalogAPI, size int, ttl time.Duration, logger *zap.Logger) *Searcher {
	if size <= 0 {
		size = DefaultSearchCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultSearchCacheTTL
	}
	return &Searcher{
		api:        api,
		logger:     logger,
		normalizer: fuzzy.NewNormalizer(),
		cache:      expirable.NewLRU[string, *core.SearchResults](size, nil, ttl),
	}
}

// Search returns formatted results for query. Blank queries return no results.
func (s *Searcher) Search(ctx context.Context, query string) (*core.SearchResults, error) {
	key := s.normalizer.Normalize(query)
	if key == "" {
		return &core.SearchResults{}, nil
	}

	if cached, ok := s.cache.Get(key); ok {
		s.logger.Debug("Search cache hit", zap.String("query", key))
		return cached, nil
	}

	raw, err := s.api.Search(ctx, query, core.SearchAll)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := &core.SearchResults{
		Tracks:  catalog.FormatTracks(raw.Tracks),
		Artists: raw.Artists,
		Albums:  raw.Albums,
	}
	s.cache.Add(key, results)
	return results, nil
}
