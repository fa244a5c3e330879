package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// DefaultQueueSize is the per-channel buffer when none is configured.
const DefaultQueueSize = 1024

// EventHandler consumes stream events. Handlers for one channel are
// called sequentially in arrival order; different channels run
// concurrently.
type EventHandler func(domain.StreamEvent)

// Dispatcher fans events out to handlers through one bounded lane per
// channel. A full lane drops its oldest event so the producer never
// blocks.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []EventHandler

	lanes    map[domain.Channel]*lane
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher starts one delivery goroutine per channel.
func NewDispatcher(queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger: logger.With(slog.String("component", "dispatcher")),
		lanes:  make(map[domain.Channel]*lane, 3),
	}
	for _, ch := range []domain.Channel{domain.ChannelMarket, domain.ChannelUser, domain.ChannelControl} {
		l := newLane(ch, queueSize)
		d.lanes[ch] = l
		d.wg.Add(1)
		go d.deliver(l)
	}
	return d
}

// OnEvent registers a handler for every event on every channel.
func (d *Dispatcher) OnEvent(h EventHandler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]EventHandler, len(d.handlers), len(d.handlers)+1)
	copy(next, d.handlers)
	d.handlers = append(next, h)
}

// Publish enqueues ev on its channel's lane. It never blocks.
func (d *Dispatcher) Publish(ev domain.StreamEvent) {
	l, ok := d.lanes[ev.Channel()]
	if !ok {
		d.logger.Warn("event for unknown channel", slog.String("channel", string(ev.Channel())))
		return
	}
	if dropped := l.push(ev); dropped != nil {
		n := l.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			d.logger.Warn("lane full, dropped oldest event",
				slog.String("channel", string(l.channel)),
				slog.String("kind", dropped.Kind()),
				slog.Uint64("dropped_total", n),
			)
		}
	}
}

// Dropped returns how many events the channel's lane has discarded.
func (d *Dispatcher) Dropped(ch domain.Channel) uint64 {
	l, ok := d.lanes[ch]
	if !ok {
		return 0
	}
	return l.dropped.Load()
}

// Stop delivers whatever is queued, then stops the lanes. Publish after
// Stop is ignored.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		for _, l := range d.lanes {
			l.close()
		}
		d.wg.Wait()
	})
}

func (d *Dispatcher) deliver(l *lane) {
	defer d.wg.Done()
	for {
		ev, ok := l.pop()
		if !ok {
			return
		}
		d.mu.RLock()
		handlers := d.handlers
		d.mu.RUnlock()
		for _, h := range handlers {
			d.call(h, ev)
		}
	}
}

func (d *Dispatcher) call(h EventHandler, ev domain.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				slog.String("kind", ev.Kind()),
				slog.Any("panic", r),
			)
		}
	}()
	h(ev)
}

// lane is a bounded FIFO ring with drop-oldest overflow.
type lane struct {
	channel domain.Channel
	dropped atomic.Uint64

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []domain.StreamEvent
	head   int
	size   int
	closed bool
}

func newLane(ch domain.Channel, capacity int) *lane {
	l := &lane{channel: ch, buf: make([]domain.StreamEvent, capacity)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// push appends ev and returns the evicted event, if any.
func (l *lane) push(ev domain.StreamEvent) domain.StreamEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	var evicted domain.StreamEvent
	if l.size == len(l.buf) {
		evicted = l.buf[l.head]
		l.buf[l.head] = nil
		l.head = (l.head + 1) % len(l.buf)
		l.size--
	}
	l.buf[(l.head+l.size)%len(l.buf)] = ev
	l.size++
	l.cond.Signal()
	return evicted
}

// pop blocks until an event is available. It returns false once the lane
// is closed and drained.
func (l *lane) pop() (domain.StreamEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.size == 0 && !l.closed {
		l.cond.Wait()
	}
	if l.size == 0 {
		return nil, false
	}
	ev := l.buf[l.head]
	l.buf[l.head] = nil
	l.head = (l.head + 1) % len(l.buf)
	l.size--
	return ev, true
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}
