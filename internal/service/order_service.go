// Package service composes the builder, signer, exchange client and the
// persistence layers into the order workflow.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/notify"
)

// OrderBuilder turns a request into an unsigned order.
type OrderBuilder interface {
	Build(req domain.OrderRequest, meta domain.MarketMetadata) (domain.UnsignedOrder, error)
}

// OrderSigner signs orders with the wallet key.
type OrderSigner interface {
	SignOrder(o domain.UnsignedOrder) (domain.SignedOrder, error)
}

// Exchange submits and cancels orders.
type Exchange interface {
	PostOrder(ctx context.Context, order domain.SignedOrder) (domain.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) ([]string, error)
	Creds() (domain.APICreds, bool)
}

// MetadataResolver supplies the market parameters for a token.
type MetadataResolver interface {
	Metadata(ctx context.Context, tokenID string, withBook bool) (domain.MarketMetadata, error)
}

// OrderLimits bounds submission.
type OrderLimits struct {
	Key     string // rate limit bucket, usually the maker address
	Limit   int    // submissions allowed per Window; zero disables limiting
	Window  time.Duration
	LockTTL time.Duration // how long a submission holds the order hash lock
}

// OrderService handles the order lifecycle from request to exchange ack.
// The persistence, limiting and alerting collaborators are optional.
type OrderService struct {
	builder  OrderBuilder
	signer   OrderSigner
	meta     MetadataResolver
	exchange Exchange

	orders   domain.OrderStore
	audit    domain.AuditStore
	locks    domain.LockManager
	limiter  domain.RateLimiter
	notifier *notify.Notifier
	limits   OrderLimits

	now    func() time.Time
	logger *slog.Logger
}

// OrderServiceDeps lists the collaborators of an OrderService.
type OrderServiceDeps struct {
	Builder  OrderBuilder
	Signer   OrderSigner
	Metadata MetadataResolver
	Exchange Exchange

	Orders   domain.OrderStore
	Audit    domain.AuditStore
	Locks    domain.LockManager
	Limiter  domain.RateLimiter
	Notifier *notify.Notifier
	Limits   OrderLimits
}

// NewOrderService creates an OrderService.
func NewOrderService(deps OrderServiceDeps, logger *slog.Logger) *OrderService {
	limits := deps.Limits
	if limits.Window <= 0 {
		limits.Window = time.Second
	}
	if limits.LockTTL <= 0 {
		limits.LockTTL = 30 * time.Second
	}
	return &OrderService{
		builder:  deps.Builder,
		signer:   deps.Signer,
		meta:     deps.Metadata,
		exchange: deps.Exchange,
		orders:   deps.Orders,
		audit:    deps.Audit,
		locks:    deps.Locks,
		limiter:  deps.Limiter,
		notifier: deps.Notifier,
		limits:   limits,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "order_service")),
	}
}

// BuildAndSign validates req against fresh market metadata and returns the
// signed order. The order is recorded with status signed but not sent.
func (s *OrderService) BuildAndSign(ctx context.Context, req domain.OrderRequest) (domain.SignedOrder, error) {
	withBook := req.Kind == domain.OrderKindMarket && req.Price.IsZero()
	meta, err := s.meta.Metadata(ctx, req.TokenID, withBook)
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("order_service: metadata: %w", err)
	}

	unsigned, err := s.builder.Build(req, meta)
	if err != nil {
		return domain.SignedOrder{}, err
	}
	signed, err := s.signer.SignOrder(unsigned)
	if err != nil {
		return domain.SignedOrder{}, err
	}
	if creds, ok := s.exchange.Creds(); ok {
		signed.Owner = creds.Key
	}

	hash := signed.Hash.Hex()
	if s.orders != nil {
		if err := s.orders.Create(ctx, domain.NewOrderRecord(signed, s.now().UTC())); err != nil {
			return domain.SignedOrder{}, fmt.Errorf("order_service: persist %s: %w", hash, err)
		}
	}
	s.auditLog(ctx, "order.signed", map[string]any{
		"hash":         hash,
		"token_id":     req.TokenID,
		"side":         signed.Side.String(),
		"order_type":   string(signed.OrderType),
		"maker_amount": signed.MakerAmount.String(),
		"taker_amount": signed.TakerAmount.String(),
	})
	s.logger.InfoContext(ctx, "order signed",
		slog.String("hash", hash),
		slog.String("side", signed.Side.String()),
		slog.String("order_type", string(signed.OrderType)),
	)
	return signed, nil
}

// PlaceOrder builds, signs and submits req.
func (s *OrderService) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.SignedOrder, domain.OrderAck, error) {
	signed, err := s.BuildAndSign(ctx, req)
	if err != nil {
		return domain.SignedOrder{}, domain.OrderAck{}, err
	}
	ack, err := s.Submit(ctx, signed)
	return signed, ack, err
}

// Submit posts a signed order. Each order hash is submitted at most once:
// a concurrent or repeated submission returns domain.ErrAlreadySubmitted.
func (s *OrderService) Submit(ctx context.Context, signed domain.SignedOrder) (domain.OrderAck, error) {
	hash := signed.Hash.Hex()

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "order:"+hash, s.limits.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return domain.OrderAck{}, fmt.Errorf("order_service: %s: %w", hash, domain.ErrAlreadySubmitted)
			}
			return domain.OrderAck{}, fmt.Errorf("order_service: lock %s: %w", hash, err)
		}
		defer unlock()
	}

	if s.orders != nil {
		rec, err := s.orders.GetByHash(ctx, hash)
		switch {
		case err == nil && rec.Status != domain.OrderStatusSigned:
			return domain.OrderAck{}, fmt.Errorf("order_service: %s is %s: %w", hash, rec.Status, domain.ErrAlreadySubmitted)
		case errors.Is(err, domain.ErrNotFound):
			// signed elsewhere, record it before sending
			if err := s.orders.Create(ctx, domain.NewOrderRecord(signed, s.now().UTC())); err != nil {
				return domain.OrderAck{}, fmt.Errorf("order_service: persist %s: %w", hash, err)
			}
		case err != nil:
			return domain.OrderAck{}, fmt.Errorf("order_service: load %s: %w", hash, err)
		}
	}

	if s.limiter != nil && s.limits.Limit > 0 {
		allowed, err := s.limiter.Allow(ctx, "orders:"+s.limits.Key, s.limits.Limit, s.limits.Window)
		if err != nil {
			return domain.OrderAck{}, fmt.Errorf("order_service: rate limiter: %w", err)
		}
		if !allowed {
			return domain.OrderAck{}, fmt.Errorf("order_service: submit %s: %w", hash, domain.ErrRateLimited)
		}
	}

	ack, err := s.exchange.PostOrder(ctx, signed)
	if err != nil {
		var rej *domain.OrderRejectedError
		if errors.As(err, &rej) {
			s.record(ctx, hash, domain.OrderStatusRejected, "", rej.Reason)
			s.auditLog(ctx, "order.rejected", map[string]any{"hash": hash, "reason": rej.Reason, "status": rej.Status})
			if nerr := s.notifier.OrderRejected(ctx, hash, err); nerr != nil {
				s.logger.WarnContext(ctx, "rejection alert failed", slog.String("error", nerr.Error()))
			}
		}
		s.logger.WarnContext(ctx, "order submission failed",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		return domain.OrderAck{}, fmt.Errorf("order_service: submit %s: %w", hash, err)
	}

	s.record(ctx, hash, ack.Status, ack.OrderID, "")
	s.auditLog(ctx, "order.placed", map[string]any{
		"hash":     hash,
		"order_id": ack.OrderID,
		"status":   string(ack.Status),
	})
	if nerr := s.notifier.OrderPlaced(ctx, hash, ack); nerr != nil {
		s.logger.WarnContext(ctx, "placement alert failed", slog.String("error", nerr.Error()))
	}
	s.logger.InfoContext(ctx, "order placed",
		slog.String("hash", hash),
		slog.String("order_id", ack.OrderID),
		slog.String("status", string(ack.Status)),
	)
	return ack, nil
}

// CancelOrder cancels an order by exchange ID and records the outcome.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.exchange.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("order_service: cancel %s: %w", orderID, err)
	}

	if s.orders != nil {
		rec, err := s.orders.GetByOrderID(ctx, orderID)
		switch {
		case err == nil:
			s.record(ctx, rec.Hash, domain.OrderStatusCancelled, "", "cancelled by request")
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "load cancelled order failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.auditLog(ctx, "order.cancelled", map[string]any{"order_id": orderID})
	s.logger.InfoContext(ctx, "order cancelled", slog.String("order_id", orderID))
	return nil
}

// CancelAll cancels every open order of the wallet and returns the
// cancelled exchange IDs.
func (s *OrderService) CancelAll(ctx context.Context) ([]string, error) {
	ids, err := s.exchange.CancelAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("order_service: cancel all: %w", err)
	}
	if s.orders != nil {
		for _, id := range ids {
			rec, err := s.orders.GetByOrderID(ctx, id)
			if err != nil {
				continue
			}
			s.record(ctx, rec.Hash, domain.OrderStatusCancelled, "", "cancel all")
		}
	}
	s.auditLog(ctx, "order.cancelled_all", map[string]any{"order_ids": ids})
	s.logger.InfoContext(ctx, "all orders cancelled", slog.Int("count", len(ids)))
	return ids, nil
}

// record updates the stored status. Failures are logged; the exchange
// outcome stands regardless.
func (s *OrderService) record(ctx context.Context, hash string, status domain.OrderStatus, orderID, reason string) {
	if s.orders == nil {
		return
	}
	if err := s.orders.UpdateStatus(ctx, hash, status, orderID, reason); err != nil {
		s.logger.WarnContext(ctx, "order status update failed",
			slog.String("hash", hash),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
