// Package search discovers product pages that match a keyword.
//
// Each Provider walks one retailer's search results on a browser session
// from the shared pool. Searcher runs every provider at once and merges their
// hits through one bounded channel, dropping repeated item ids.
package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
	"github.com/JakeFAU/realtime-product-stream/internal/pool"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// DefaultBuffer is the capacity of the merged hit channel.
const DefaultBuffer = 64

// Emit hands one hit to the merger. It blocks while the channel is full and
// fails once the search is cancelled.
type Emit func(hit product.Hit) error

// Provider searches one retailer.
type Provider interface {
	Source() product.Source
	Search(ctx context.Context, session browser.Session, keyword string, emit Emit) error
}

// Searcher fans a keyword out to every provider.
type Searcher struct {
	pool      *pool.Pool
	providers []Provider
	buffer    int
	logger    *zap.Logger
}

// New builds a Searcher. buffer <= 0 selects DefaultBuffer.
func New(p *pool.Pool, providers []Provider, buffer int, logger *zap.Logger) (*Searcher, error) {
	if p == nil {
		return nil, fmt.Errorf("search pool is required")
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{pool: p, providers: providers, buffer: buffer, logger: logger}, nil
}

// Sources lists the providers' sources in registration order.
func (s *Searcher) Sources() []product.Source {
	out := make([]product.Source, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.Source())
	}
	return out
}

// Search returns the distinct hits for keyword in arrival order. The first
// provider error cancels the others and is returned.
func (s *Searcher) Search(ctx context.Context, keyword string) ([]product.Hit, error) {
	hits := make(chan product.Hit, s.buffer)
	errc := make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range s.providers {
		g.Go(func() error {
			return s.produce(gctx, provider, keyword, hits)
		})
	}
	go func() {
		errc <- g.Wait()
		close(hits)
	}()

	seen := make(map[string]struct{})
	var out []product.Hit
	for hit := range hits {
		if _, dup := seen[hit.ItemID]; dup {
			continue
		}
		seen[hit.ItemID] = struct{}{}
		out = append(out, hit)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Searcher) produce(ctx context.Context, provider Provider, keyword string, hits chan<- product.Hit) error {
	src := provider.Source()
	count := 0
	err := s.pool.Do(ctx, func(ctx context.Context, session browser.Session) error {
		return provider.Search(ctx, session, keyword, func(hit product.Hit) error {
			if hit.Source == "" {
				hit.Source = src
			}
			select {
			case hits <- hit:
				count++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})
	metrics.ObserveSearchHits(string(src), count)
	if err != nil {
		s.logger.Warn("search provider failed", zap.String("source", string(src)), zap.String("keyword", keyword), zap.Error(err))
		return fmt.Errorf("search %s: %w", src, err)
	}
	s.logger.Info("search provider finished", zap.String("source", string(src)), zap.Int("hits", count))
	return nil
}
