package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// MetadataSource fetches market parameters from the exchange.
type MetadataSource interface {
	MarketMetadata(ctx context.Context, tokenID string) (domain.MarketMetadata, error)
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error)
}

// MetadataService resolves the MarketMetadata an order is built against.
// Tick size, fee and neg-risk come from the cache when fresh; the book is
// taken from the stream-fed book cache, or fetched over REST.
type MetadataService struct {
	source MetadataSource
	cache  domain.MarketMetadataCache
	books  domain.OrderbookCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewMetadataService creates a MetadataService. cache and books may be nil.
func NewMetadataService(source MetadataSource, cache domain.MarketMetadataCache, books domain.OrderbookCache, ttl time.Duration, logger *slog.Logger) *MetadataService {
	return &MetadataService{
		source: source,
		cache:  cache,
		books:  books,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "metadata_service")),
	}
}

// Metadata returns the metadata for tokenID, with a book attached when
// withBook is set.
func (s *MetadataService) Metadata(ctx context.Context, tokenID string, withBook bool) (domain.MarketMetadata, error) {
	if s.cache != nil {
		meta, err := s.cache.Get(ctx, tokenID)
		switch {
		case err == nil:
			if withBook {
				book, err := s.book(ctx, tokenID)
				if err != nil {
					return domain.MarketMetadata{}, err
				}
				meta.Book = &book
			}
			return meta, nil
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "metadata cache get failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}

	// the REST path returns a fresh book along with the parameters
	meta, err := s.source.MarketMetadata(ctx, tokenID)
	if err != nil {
		return domain.MarketMetadata{}, fmt.Errorf("metadata_service: %s: %w", tokenID, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, meta, s.ttl); err != nil {
			s.logger.WarnContext(ctx, "metadata cache set failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
	if !withBook {
		meta.Book = nil
	}
	return meta, nil
}

func (s *MetadataService) book(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	if s.books != nil {
		book, err := s.books.GetSnapshot(ctx, tokenID)
		if err == nil {
			return book, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "book cache get failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
	book, err := s.source.GetOrderBook(ctx, tokenID)
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("metadata_service: book %s: %w", tokenID, err)
	}
	return book, nil
}
