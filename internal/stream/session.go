// Package stream maintains one resilient, multiplexed subscription session
// against the CLOB WebSocket feed and delivers typed events per channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// Config configures a Session. Zero values take the defaults below.
type Config struct {
	URL string

	ConnectTimeout   time.Duration // whole dial, including the upgrade
	HandshakeTimeout time.Duration // websocket upgrade only
	StaleAfter       time.Duration // silence before the link is considered dead
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	// More than MalformedBurst undecodable frames within MalformedWindow
	// degrades the session.
	MalformedBurst  int
	MalformedWindow time.Duration

	Backoff   BackoffConfig
	QueueSize int

	// Handlers are registered before the session starts, so they observe
	// the first state transition.
	Handlers []EventHandler

	Dialer Dialer
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.MalformedBurst <= 0 {
		c.MalformedBurst = 20
	}
	if c.MalformedWindow <= 0 {
		c.MalformedWindow = 10 * time.Second
	}
	def := DefaultBackoff()
	if c.Backoff.InitialInterval <= 0 {
		c.Backoff.InitialInterval = def.InitialInterval
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = def.Multiplier
	}
	if c.Backoff.MaxInterval <= 0 {
		c.Backoff.MaxInterval = def.MaxInterval
	}
	if c.Backoff.RandomizationFactor < 0 || c.Backoff.RandomizationFactor >= 1 {
		c.Backoff.RandomizationFactor = def.RandomizationFactor
	}
	if c.Backoff.StableAfter <= 0 {
		c.Backoff.StableAfter = def.StableAfter
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{HandshakeTimeout: c.HandshakeTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

var (
	errStale          = errors.New("no frames within staleness window")
	errMalformedBurst = errors.New("too many malformed frames")
)

type intakeOp int

const (
	opSubscribe intakeOp = iota
	opUnsubscribe
	opList
)

type intakeReq struct {
	op    intakeOp
	sub   domain.Subscription
	reply chan []domain.Subscription
}

type inbound struct {
	data []byte
	err  error
	at   time.Time
}

// Session is a single logical streaming connection. One goroutine owns the
// transport, the desired subscription list and every write; callers talk
// to it through the intake queue.
type Session struct {
	cfg    Config
	logger *slog.Logger
	disp   *Dispatcher
	recon  *reconnector

	ctx    context.Context
	cancel context.CancelFunc
	intake chan intakeReq
	done   chan struct{}
	errs   chan error

	state atomic.Int32

	connMu sync.Mutex
	conn   Conn

	closeOnce sync.Once

	// owned by run
	subs      []domain.Subscription
	seq       map[domain.Channel]uint64
	malformed []time.Time
	stable    bool
}

// Open validates cfg and the initial subscriptions and starts the session.
// It does not wait for the first connection; progress is reported through
// ConnectionStateChange events. Cancelling ctx closes the session.
func Open(ctx context.Context, cfg Config, initial []domain.Subscription) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream: url is required")
	}
	for _, sub := range initial {
		if err := validateSubscription(sub); err != nil {
			return nil, err
		}
	}
	cfg = cfg.withDefaults()

	sctx, cancel := context.WithCancel(ctx)
	logger := cfg.Logger.With(slog.String("component", "stream"))
	s := &Session{
		cfg:    cfg,
		logger: logger,
		disp:   NewDispatcher(cfg.QueueSize, cfg.Logger),
		recon:  newReconnector(cfg.Backoff, time.Now),
		ctx:    sctx,
		cancel: cancel,
		intake: make(chan intakeReq, 64),
		done:   make(chan struct{}),
		errs:   make(chan error, 1),
		seq:    make(map[domain.Channel]uint64, 3),
	}
	for _, h := range cfg.Handlers {
		s.disp.OnEvent(h)
	}
	for _, sub := range initial {
		s.addSub(sub)
	}
	s.state.Store(int32(domain.StateDisconnected))

	go s.run()
	return s, nil
}

// OnEvent registers an event consumer. Register consumers before events
// are expected; a handler must not call Close.
func (s *Session) OnEvent(h EventHandler) {
	s.disp.OnEvent(h)
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	return domain.ConnectionState(s.state.Load())
}

// Err delivers at most one *domain.StreamUnavailableError and is closed
// when the session ends.
func (s *Session) Err() <-chan error {
	return s.errs
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events the channel's queue discarded.
func (s *Session) Dropped(ch domain.Channel) uint64 {
	return s.disp.Dropped(ch)
}

// Subscribe adds a desired subscription. It is sent immediately when
// connected and replayed after every reconnect.
func (s *Session) Subscribe(ctx context.Context, sub domain.Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}
	return s.submit(ctx, intakeReq{op: opSubscribe, sub: sub})
}

// Unsubscribe removes the listed asset IDs or markets from the desired
// subscriptions of sub.Channel. A user-channel unsubscribe without markets
// removes the user subscription that covers all markets.
func (s *Session) Unsubscribe(ctx context.Context, sub domain.Subscription) error {
	switch sub.Channel {
	case domain.ChannelMarket:
		if len(sub.AssetIDs) == 0 {
			return errors.New("stream: market unsubscribe needs asset ids")
		}
	case domain.ChannelUser:
	default:
		return fmt.Errorf("stream: cannot unsubscribe from channel %q", sub.Channel)
	}
	return s.submit(ctx, intakeReq{op: opUnsubscribe, sub: sub})
}

// Subscriptions returns the desired subscriptions in request order.
func (s *Session) Subscriptions(ctx context.Context) ([]domain.Subscription, error) {
	reply := make(chan []domain.Subscription, 1)
	if err := s.submit(ctx, intakeReq{op: opList, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case subs := <-reply:
		return subs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, domain.ErrSessionClosed
	}
}

func (s *Session) submit(ctx context.Context, req intakeReq) error {
	select {
	case <-s.ctx.Done():
		return domain.ErrSessionClosed
	default:
	}
	select {
	case s.intake <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return domain.ErrSessionClosed
	}
}

// Close stops the session: the live connection is closed, which unblocks
// any pending read or write, queued events are delivered, and the state
// becomes Closed. It never triggers a reconnect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
	})
	<-s.done
	return nil
}

// --------------------------------------------------------------------------
// Session goroutine
// --------------------------------------------------------------------------

func (s *Session) run() {
	defer func() {
		s.setState(domain.StateClosed, 0, nil)
		s.disp.Stop()
		close(s.errs)
		close(s.done)
	}()
	defer s.cancel()

	for {
		conn, err := s.connect()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			attempt := s.recon.attempt()
			s.logger.WarnContext(s.ctx, "connect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			s.setState(domain.StateDegraded, attempt, err)
			if !s.retry(err) {
				return
			}
			continue
		}

		s.stable = false
		s.setState(domain.StateSubscribed, 0, nil)

		err = s.serve(conn)
		s.dropConn(conn)
		if s.ctx.Err() != nil {
			return
		}
		if s.stable {
			s.logger.WarnContext(s.ctx, "connection lost", slog.String("error", err.Error()))
			s.setState(domain.StateDegraded, 0, err)
			if !s.idle(s.recon.lost(err)) {
				return
			}
			continue
		}
		attempt := s.recon.attempt()
		s.logger.WarnContext(s.ctx, "connection dropped before it was stable",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		s.setState(domain.StateDegraded, attempt, err)
		if !s.retry(err) {
			return
		}
	}
}

// retry counts a failed attempt and waits out the backoff. It returns
// false once the budget is spent or the session was closed.
func (s *Session) retry(err error) bool {
	wait, giveUp := s.recon.failed(err)
	if giveUp != nil {
		s.giveUp(giveUp)
		return false
	}
	return s.idle(wait)
}

// markStable resets the retry schedule the first time the current
// connection proves healthy.
func (s *Session) markStable() {
	if s.stable {
		return
	}
	s.stable = true
	s.recon.succeeded()
}

// connect dials and replays every desired subscription in request order.
func (s *Session) connect() (Conn, error) {
	s.setState(domain.StateConnecting, s.recon.attempt(), nil)

	dctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	conn, err := s.cfg.Dialer.Dial(dctx, s.cfg.URL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	if s.ctx.Err() != nil {
		s.dropConn(conn)
		return nil, s.ctx.Err()
	}

	for _, sub := range s.subs {
		if err := s.writeSubscribe(conn, sub); err != nil {
			s.dropConn(conn)
			return nil, err
		}
	}
	return conn, nil
}

func (s *Session) dropConn(conn Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	_ = conn.Close()
}

// serve pumps one live connection until it fails or the session closes.
func (s *Session) serve(conn Conn) error {
	frames := make(chan inbound)
	stop := make(chan struct{})
	defer close(stop)
	go readLoop(conn, frames, stop)

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	stale := time.NewTimer(s.cfg.StaleAfter)
	defer stale.Stop()
	stable := time.NewTimer(s.cfg.Backoff.StableAfter)
	defer stable.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case f := <-frames:
			if f.err != nil {
				return fmt.Errorf("%w: read: %v", domain.ErrTransport, f.err)
			}
			stale.Reset(s.cfg.StaleAfter)
			if err := s.handleFrame(conn, f); err != nil {
				return err
			}

		case <-stale.C:
			return fmt.Errorf("%w: %w", domain.ErrTransport, errStale)

		case <-stable.C:
			s.markStable()

		case <-ping.C:
			if err := s.write(conn, pingFrame); err != nil {
				return err
			}

		case req := <-s.intake:
			if err := s.apply(req, conn); err != nil {
				return err
			}
		}
	}
}

// readLoop is the only reader of conn. It exits after the first error or
// when serve stops listening.
func readLoop(conn Conn, out chan<- inbound, stop <-chan struct{}) {
	for {
		data, err := conn.Read()
		select {
		case out <- inbound{data: data, err: err, at: time.Now()}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// idle waits out a backoff delay while still accepting subscription
// changes. It returns false if the session was closed meanwhile.
func (s *Session) idle(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-t.C:
			return true
		case req := <-s.intake:
			_ = s.apply(req, nil)
		}
	}
}

func (s *Session) handleFrame(conn Conn, f inbound) error {
	events, kind, err := decodeFrame(f.data)
	if kind == framePing {
		return s.write(conn, pongFrame)
	}
	for _, ev := range events {
		s.emit(ev, f.at)
	}
	if kind == frameEvents && len(events) > 0 {
		s.markStable()
	}
	if err == nil {
		return nil
	}

	warn := &domain.DecodeWarning{Payload: preview(f.data), Err: err}
	s.logger.WarnContext(s.ctx, "dropping undecodable frame",
		slog.String("error", warn.Error()),
		slog.String("payload", warn.Payload),
	)
	cutoff := f.at.Add(-s.cfg.MalformedWindow)
	kept := s.malformed[:0]
	for _, t := range s.malformed {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.malformed = append(kept, f.at)
	if len(s.malformed) > s.cfg.MalformedBurst {
		s.malformed = s.malformed[:0]
		return fmt.Errorf("%w: %w", domain.ErrDecode, errMalformedBurst)
	}
	return nil
}

// apply mutates the desired subscriptions. With a live conn the matching
// control message is written as well.
func (s *Session) apply(req intakeReq, conn Conn) error {
	switch req.op {
	case opList:
		req.reply <- cloneSubs(s.subs)
		return nil

	case opSubscribe:
		if !s.addSub(req.sub) || conn == nil {
			return nil
		}
		return s.writeSubscribe(conn, req.sub)

	case opUnsubscribe:
		s.removeSub(req.sub)
		if conn == nil {
			return nil
		}
		data, err := encodeUnsubscribe(req.sub)
		if err != nil {
			return fmt.Errorf("stream: encode unsubscribe: %w", err)
		}
		return s.write(conn, data)
	}
	return nil
}

func (s *Session) writeSubscribe(conn Conn, sub domain.Subscription) error {
	data, err := encodeSubscribe(sub)
	if err != nil {
		return fmt.Errorf("stream: encode subscribe: %w", err)
	}
	return s.write(conn, data)
}

func (s *Session) write(conn Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrTransport, err)
	}
	return nil
}

// addSub appends sub unless an identical one is already desired.
func (s *Session) addSub(sub domain.Subscription) bool {
	key := sub.Key()
	for _, have := range s.subs {
		if have.Key() == key {
			return false
		}
	}
	s.subs = append(s.subs, cloneSub(sub))
	return true
}

// removeSub strips the listed ids from every subscription on the channel
// and forgets the ones this call emptied. A request without ids forgets
// the id-less subscriptions instead.
func (s *Session) removeSub(sub domain.Subscription) {
	wildcard := len(sub.AssetIDs) == 0 && len(sub.Markets) == 0
	kept := s.subs[:0]
	for _, have := range s.subs {
		if have.Channel == sub.Channel {
			before := len(have.AssetIDs) + len(have.Markets)
			if wildcard {
				if before == 0 {
					continue
				}
			} else {
				have.AssetIDs = without(have.AssetIDs, sub.AssetIDs)
				have.Markets = without(have.Markets, sub.Markets)
				after := len(have.AssetIDs) + len(have.Markets)
				if after == 0 && before > 0 {
					continue
				}
			}
		}
		kept = append(kept, have)
	}
	clear(s.subs[len(kept):])
	s.subs = kept
}

func (s *Session) emit(ev domain.StreamEvent, at time.Time) {
	ch := ev.Channel()
	s.seq[ch]++
	domain.Stamp(ev, s.seq[ch], at)
	s.disp.Publish(ev)
}

// setState records a transition and publishes it on the control channel.
func (s *Session) setState(to domain.ConnectionState, attempt int, err error) {
	from := domain.ConnectionState(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	ev := &domain.ConnectionStateChange{From: from, To: to, Attempt: attempt}
	if err != nil {
		ev.Err = err.Error()
	}
	s.logger.Info("connection state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("attempt", attempt),
	)
	s.emit(ev, time.Now())
}

func (s *Session) giveUp(err error) {
	s.logger.Error("stream unavailable, giving up", slog.String("error", err.Error()))
	s.errs <- err
}

func validateSubscription(sub domain.Subscription) error {
	switch sub.Channel {
	case domain.ChannelMarket:
		if len(sub.AssetIDs) == 0 {
			return errors.New("stream: market subscription needs asset ids")
		}
	case domain.ChannelUser:
		if sub.Auth == nil || sub.Auth.Empty() {
			return errors.New("stream: user subscription needs api credentials")
		}
	default:
		return fmt.Errorf("stream: cannot subscribe to channel %q", sub.Channel)
	}
	return nil
}

func without(have, remove []string) []string {
	if len(remove) == 0 {
		return have
	}
	out := make([]string, 0, len(have))
	for _, id := range have {
		if !slices.Contains(remove, id) {
			out = append(out, id)
		}
	}
	return out
}

func cloneSub(sub domain.Subscription) domain.Subscription {
	sub.AssetIDs = slices.Clone(sub.AssetIDs)
	sub.Markets = slices.Clone(sub.Markets)
	if sub.Auth != nil {
		auth := *sub.Auth
		sub.Auth = &auth
	}
	return sub
}

func cloneSubs(subs []domain.Subscription) []domain.Subscription {
	out := make([]domain.Subscription, len(subs))
	for i, sub := range subs {
		out[i] = cloneSub(sub)
	}
	return out
}

func preview(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
