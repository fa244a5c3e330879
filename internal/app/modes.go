package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/polyclob/internal/blob/s3"
	"github.com/alanyoungcy/polyclob/internal/cache/redis"
	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/notify"
	"github.com/alanyoungcy/polyclob/internal/server"
	"github.com/alanyoungcy/polyclob/internal/server/handler"
	"github.com/alanyoungcy/polyclob/internal/server/ws"
	"github.com/alanyoungcy/polyclob/internal/service"
	"github.com/alanyoungcy/polyclob/internal/stream"
)

var errNoWallet = errors.New("app: mode requires a wallet")

// StreamMode runs the streaming session and its consumers: the event
// publisher, the book recorder, the archiver and stream alerts.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if _, err := a.startStream(ctx, g, deps); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	return g.Wait()
}

// TradeMode serves the order API and the WebSocket relay. Stream events
// reach the relay through the event bus from a separate stream process.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if err := a.startAPI(ctx, g, deps, nil); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	return g.Wait()
}

// FullMode runs the stream and the API in one process. The API controls
// the in-process session's subscriptions.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	session, err := a.startStream(ctx, g, deps)
	if err == nil {
		err = a.startAPI(ctx, g, deps, session)
	}
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// startStream opens the session with every configured consumer attached and
// registers their goroutines on g. The session-watch goroutine returns the
// session's terminal error, which stops the whole group.
func (a *App) startStream(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*stream.Session, error) {
	sc := a.cfg.Stream

	initial, err := a.initialSubscriptions(ctx, deps)
	if err != nil {
		return nil, err
	}

	var handlers []stream.EventHandler

	alerts := notify.NewStreamAlerts(deps.Notifier, a.cfg.Notify.DegradedAfter, a.logger)
	handlers = append(handlers, alerts.Handle)
	g.Go(func() error { return alerts.Run(ctx) })

	if sc.Publish && deps.EventBus != nil {
		pub := redis.NewEventPublisher(deps.EventBus, sc.QueueSize, a.logger)
		handlers = append(handlers, pub.Handle)
		g.Go(func() error { return pub.Run(ctx) })
	}

	if deps.BookCache != nil {
		rec := redis.NewBookRecorder(deps.BookCache, deps.MetadataCache, sc.QueueSize, a.logger)
		handlers = append(handlers, rec.Handle)
		g.Go(func() error { return rec.Run(ctx) })
	}

	if sc.Archive && deps.BlobWriter != nil {
		arc := s3blob.NewArchiver(s3blob.ArchiverConfig{
			Prefix:        a.cfg.S3.Prefix,
			MaxEvents:     sc.ArchiveBatch,
			FlushInterval: sc.ArchiveEvery.Duration,
			Buffer:        sc.QueueSize,
		}, deps.BlobWriter, deps.AuditStore, a.logger)
		handlers = append(handlers, arc.Handle)
		g.Go(func() error { return arc.Run(ctx) })
	}

	session, err := stream.Open(ctx, stream.Config{
		URL:              a.cfg.Polymarket.WsURL,
		ConnectTimeout:   sc.ConnectTimeout.Duration,
		HandshakeTimeout: sc.HandshakeTimeout.Duration,
		StaleAfter:       sc.StaleAfter.Duration,
		WriteTimeout:     sc.WriteTimeout.Duration,
		PingInterval:     sc.PingInterval.Duration,
		Backoff: stream.BackoffConfig{
			InitialInterval:     sc.Backoff.Initial.Duration,
			Multiplier:          sc.Backoff.Multiplier,
			MaxInterval:         sc.Backoff.Max.Duration,
			RandomizationFactor: sc.Backoff.Jitter,
			MaxAttempts:         sc.Backoff.MaxAttempts,
			MaxElapsed:          sc.Backoff.MaxElapsed.Duration,
			StableAfter:         sc.Backoff.StableAfter.Duration,
		},
		QueueSize: sc.QueueSize,
		Handlers:  handlers,
		Logger:    a.logger,
	}, initial)
	if err != nil {
		return nil, fmt.Errorf("app: open stream: %w", err)
	}

	a.logger.InfoContext(ctx, "stream session opened",
		slog.String("url", a.cfg.Polymarket.WsURL),
		slog.Int("subscriptions", len(initial)),
	)

	g.Go(func() error {
		select {
		case <-ctx.Done():
			_ = session.Close()
			return nil
		case err, ok := <-session.Err():
			if !ok || err == nil {
				return nil
			}
			a.logger.ErrorContext(ctx, "stream unavailable", slog.String("error", err.Error()))
			alerts.Unavailable(ctx, err)
			return fmt.Errorf("app: stream: %w", err)
		}
	})

	return session, nil
}

// initialSubscriptions builds the startup subscription set from the
// configured asset IDs, market slugs and user channel settings.
func (a *App) initialSubscriptions(ctx context.Context, deps *Dependencies) ([]domain.Subscription, error) {
	sc := a.cfg.Stream
	var subs []domain.Subscription

	if len(sc.AssetIDs) > 0 {
		subs = append(subs, domain.Subscription{
			Channel:  domain.ChannelMarket,
			AssetIDs: append([]string(nil), sc.AssetIDs...),
		})
	}

	if len(sc.MarketSlugs) > 0 {
		bySlug, err := service.NewMarketService(deps.Gamma, a.logger).Subscriptions(ctx, sc.MarketSlugs)
		if err != nil {
			return nil, fmt.Errorf("app: resolve market slugs: %w", err)
		}
		subs = append(subs, bySlug...)
	}

	if sc.User {
		if deps.Creds.Empty() {
			return nil, errors.New("app: user channel requires api credentials")
		}
		creds := deps.Creds
		subs = append(subs, domain.Subscription{
			Channel: domain.ChannelUser,
			Markets: append([]string(nil), sc.UserMarkets...),
			Auth:    &creds,
		})
	}
	return subs, nil
}

// ---------------------------------------------------------------------------
// API
// ---------------------------------------------------------------------------

// startAPI builds the order service and HTTP handlers and registers the
// server and WebSocket hub on g. session is nil when no stream runs in
// this process.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies, session *stream.Session) error {
	if deps.Signer == nil || deps.Clob == nil {
		return errNoWallet
	}

	metadataSvc := service.NewMetadataService(deps.Clob, deps.MetadataCache, deps.BookCache, a.cfg.Orders.MetadataTTL.Duration, a.logger)
	marketSvc := service.NewMarketService(deps.Gamma, a.logger)
	orderSvc := service.NewOrderService(service.OrderServiceDeps{
		Builder:  deps.Builder,
		Signer:   deps.Signer,
		Metadata: metadataSvc,
		Exchange: deps.Clob,
		Orders:   deps.OrderStore,
		Audit:    deps.AuditStore,
		Locks:    deps.LockManager,
		Limiter:  deps.RateLimiter,
		Notifier: deps.Notifier,
		Limits: service.OrderLimits{
			Key:     deps.Signer.Address().Hex(),
			Limit:   a.cfg.Orders.RateLimit,
			Window:  a.cfg.Orders.RateWindow.Duration,
			LockTTL: a.cfg.Orders.LockTTL.Duration,
		},
	}, a.logger)

	checks := make(map[string]handler.HealthCheck, len(deps.Health)+1)
	for name, check := range deps.Health {
		checks[name] = check
	}
	if session != nil {
		checks["stream"] = func(context.Context) error {
			if st := session.State(); st != domain.StateSubscribed {
				return fmt.Errorf("stream %s", st)
			}
			return nil
		}
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, deps.Signer.Address().Hex(), a.startedAt),
		Orders:  handler.NewOrderHandler(orderSvc, deps.OrderStore, a.logger),
		Markets: handler.NewMarketHandler(marketSvc, metadataSvc, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.cfg.S3.Prefix, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	hubCfg := ws.Config{Mode: a.cfg.Mode, StartedAt: a.startedAt}
	if session != nil {
		handlers.Stream = handler.NewStreamHandler(session, deps.Clob.Creds, a.logger)
		hubCfg.State = session.State
	}

	var hub *ws.Hub
	if deps.EventBus != nil {
		hub = ws.NewHub(deps.EventBus, a.logger, hubCfg)
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Orders.RateLimit,
		RateWindow:  a.cfg.Orders.RateWindow.Duration,
	}, handlers, hub, a.logger)
	g.Go(func() error { return srv.Run(ctx) })

	a.logger.InfoContext(ctx, "api server configured",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("ws_relay", hub != nil),
		slog.Bool("stream_control", session != nil),
	)
	return nil
}
