package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"creditgate/internal/types"
)

// AccountLister pages through every account, ordered by ID.
type AccountLister interface {
	ListAccounts(ctx context.Context, afterID string, limit int) ([]*types.Account, error)
}

// outcome is what a per-account step reports back to the fan-out.
type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)

// fanOut runs fn for every account with at most concurrency calls in flight.
// A failing account is counted, never fatal; only a listing error aborts.
func fanOut(ctx context.Context, lister AccountLister, pageSize, concurrency int, result *Result,
	fn func(ctx context.Context, account *types.Account) outcome) error {
	var mu sync.Mutex
	afterID := ""
	for {
		page, err := lister.ListAccounts(ctx, afterID, pageSize)
		if err != nil {
			return fmt.Errorf("listing accounts after %q: %w", afterID, err)
		}
		if len(page) == 0 {
			return nil
		}

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, account := range page {
			g.Go(func() error {
				o := fn(gCtx, account)
				mu.Lock()
				switch o {
				case outcomeProcessed:
					result.Processed++
				case outcomeSkipped:
					result.Skipped++
				default:
					result.Failed++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}
