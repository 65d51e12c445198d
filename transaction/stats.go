package transaction

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"taskmarket/platform"
	"taskmarket/process"
)

const (
	statsPageSize    = 100
	statsConcurrency = 4
	currencyAED      = "AED"
)

// TransactionQuerier queries every transaction of the marketplace.
type TransactionQuerier interface {
	HasIntegrationCredentials() bool
	QueryTransactions(ctx context.Context, query platform.TransactionQuery) (platform.Document[[]platform.Transaction], error)
}

// StatsService computes Stats. Concurrent callers share one in-flight fetch.
type StatsService struct {
	source TransactionQuerier
	group  singleflight.Group
	logger *zap.Logger
}

func NewStatsService(source TransactionQuerier, logger *zap.Logger) *StatsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsService{source: source, logger: logger}
}

// Compute returns the number of completed tasks and their AED total.
func (s *StatsService) Compute(ctx context.Context) (Stats, error) {
	if s.source == nil || !s.source.HasIntegrationCredentials() {
		return Stats{}, ErrStatsUnavailable
	}
	v, err, _ := s.group.Do("stats", func() (any, error) {
		return s.compute(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

func (s *StatsService) compute(ctx context.Context) (Stats, error) {
	all, err := s.fetchAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Summarize(all)
	s.logger.Info("platform stats",
		zap.Int("fetched", len(all)),
		zap.Int("completed", stats.TotalCompletedTasks),
		zap.Float64("total_aed", stats.TotalSumAED),
	)
	return stats, nil
}

func (s *StatsService) fetchAll(ctx context.Context) ([]platform.Transaction, error) {
	query := func(page int) platform.TransactionQuery {
		return platform.TransactionQuery{Include: []string{"listing"}, Page: page, PerPage: statsPageSize}
	}

	first, err := s.source.QueryTransactions(ctx, query(1))
	if err != nil {
		return nil, fmt.Errorf("transaction: stats page 1: %w", err)
	}
	totalPages := 1
	if first.Meta != nil && first.Meta.TotalPages > 1 {
		totalPages = first.Meta.TotalPages
	}
	if totalPages == 1 {
		return first.Data, nil
	}

	pages := make([][]platform.Transaction, totalPages)
	pages[0] = first.Data
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for page := 2; page <= totalPages; page++ {
		g.Go(func() error {
			doc, err := s.source.QueryTransactions(gctx, query(page))
			if err != nil {
				return fmt.Errorf("transaction: stats page %d: %w", page, err)
			}
			mu.Lock()
			pages[page-1] = doc.Data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []platform.Transaction
	for _, p := range pages {
		all = append(all, p...)
	}
	return all, nil
}

// Summarize counts completed transactions and sums their AED value. A
// payin total in AED is taken in minor units; otherwise an AED offer price
// in the protected data is used as is.
func Summarize(txs []platform.Transaction) Stats {
	var stats Stats
	for _, tx := range txs {
		if !process.IsCompleted(process.Transition(tx.Attributes.LastTransition)) {
			continue
		}
		stats.TotalCompletedTasks++

		if payin := tx.Attributes.PayinTotal; payin != nil && payin.Currency == currencyAED {
			stats.TotalSumAED += float64(payin.Amount) / 100
			continue
		}
		if price, ok := offerPriceAED(tx.Attributes.ProtectedData); ok {
			stats.TotalSumAED += price
		}
	}
	return stats
}

func offerPriceAED(protected map[string]any) (float64, bool) {
	offer, ok := protected["offer"].(map[string]any)
	if !ok {
		return 0, false
	}
	if currency, _ := offer["currency"].(string); currency != currencyAED {
		return 0, false
	}
	price, ok := offer["price"].(float64)
	if !ok || price == 0 {
		return 0, false
	}
	return price, true
}
