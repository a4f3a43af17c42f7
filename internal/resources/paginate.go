package resources

import (
	"context"

	"golang.org/x/sync/errgroup"

	"mixdeck/internal/core"
)

// PageFunc fetches one page of a paginated upstream collection.
type PageFunc[T any] func(ctx context.Context, opts core.PageOptions) (core.Page[T], error)

// FetchAll fetches page 0, then every remaining page concurrently. Results are
// concatenated in page order regardless of completion order.
func FetchAll[T any](ctx context.Context, pageSize int, fetch PageFunc[T]) ([]T, error) {
	first, err := fetch(ctx, core.PageOptions{Offset: 0, Limit: pageSize})
	if err != nil {
		return nil, err
	}

	limit := pageSize
	if first.Limit > 0 {
		limit = first.Limit
	}
	if limit <= 0 || first.Total <= limit {
		return first.Items, nil
	}

	pages := (first.Total + limit - 1) / limit
	results := make([][]T, pages)
	results[0] = first.Items

	g, gctx := errgroup.WithContext(ctx)
	for p := 1; p < pages; p++ {
		g.Go(func() error {
			page, err := fetch(gctx, core.PageOptions{Offset: p * limit, Limit: limit})
			if err != nil {
				return err
			}
			results[p] = page.Items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]T, 0, first.Total)
	for _, items := range results {
		out = append(out, items...)
	}
	return out, nil
}
