package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// MarketDirectory looks markets up on the Gamma API.
type MarketDirectory interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error)
}

// MarketService resolves human-facing market slugs into the IDs the stream
// and the order builder work with.
type MarketService struct {
	dir    MarketDirectory
	logger *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(dir MarketDirectory, logger *slog.Logger) *MarketService {
	return &MarketService{dir: dir, logger: logger.With(slog.String("component", "market_service"))}
}

// Market returns the market by Gamma ID.
func (s *MarketService) Market(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.dir.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", id, err)
	}
	return m, nil
}

// Subscriptions builds a market channel subscription covering every
// outcome token of the given slugs. Closed markets are skipped.
func (s *MarketService) Subscriptions(ctx context.Context, slugs []string) ([]domain.Subscription, error) {
	var assets []string
	for _, slug := range slugs {
		m, err := s.dir.GetMarketBySlug(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("market_service: resolve %s: %w", slug, err)
		}
		if m.Closed {
			s.logger.WarnContext(ctx, "skipping closed market", slog.String("slug", slug))
			continue
		}
		assets = append(assets, m.TokenIDs...)
	}
	if len(assets) == 0 {
		return nil, nil
	}
	return []domain.Subscription{{Channel: domain.ChannelMarket, AssetIDs: assets}}, nil
}
