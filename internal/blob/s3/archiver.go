package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// ArchiverConfig controls batching.
type ArchiverConfig struct {
	Prefix        string        // key prefix, default "archive/events"
	MaxEvents     int           // flush when a batch reaches this size, default 5000
	FlushInterval time.Duration // flush a non-empty batch at least this often, default 1m
	Buffer        int           // queue length between the session and the archiver, default 4096
}

func (c ArchiverConfig) withDefaults() ArchiverConfig {
	if c.Prefix == "" {
		c.Prefix = "archive/events"
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, "/")
	if c.MaxEvents <= 0 {
		c.MaxEvents = 5000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Minute
	}
	if c.Buffer <= 0 {
		c.Buffer = 4096
	}
	return c
}

// Archiver batches stream events into JSONL objects, one envelope per
// line, and uploads each batch under
//
//	{prefix}/YYYY/MM/DD/{HHMMSS}-{uuid}.jsonl
//
// Uploads are recorded in the audit log when one is configured.
type Archiver struct {
	cfg     ArchiverConfig
	writer  domain.BlobWriter
	audit   domain.AuditStore
	logger  *slog.Logger
	queue   chan domain.StreamEvent
	dropped atomic.Uint64
	now     func() time.Time

	// owned by Run
	buf   bytes.Buffer
	count int
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(cfg ArchiverConfig, writer domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	cfg = cfg.withDefaults()
	return &Archiver{
		cfg:    cfg,
		writer: writer,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		queue:  make(chan domain.StreamEvent, cfg.Buffer),
		now:    time.Now,
	}
}

// Handle enqueues ev without blocking. Events that do not fit are dropped
// and counted.
func (a *Archiver) Handle(ev domain.StreamEvent) {
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Archiver) Dropped() uint64 { return a.dropped.Load() }

// Run batches queued events until ctx is cancelled, then flushes what is
// left with a short grace period.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drain()
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.flush(flushCtx)

		case ev := <-a.queue:
			a.add(ev)
			if a.count >= a.cfg.MaxEvents {
				a.flushLogged(ctx)
			}

		case <-ticker.C:
			a.flushLogged(ctx)
		}
	}
}

func (a *Archiver) drain() {
	for {
		select {
		case ev := <-a.queue:
			a.add(ev)
		default:
			return
		}
	}
}

func (a *Archiver) add(ev domain.StreamEvent) {
	line, err := json.Marshal(domain.Envelope(ev))
	if err != nil {
		a.logger.Warn("marshal event failed", slog.String("kind", ev.Kind()), slog.String("error", err.Error()))
		return
	}
	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.count++
}

func (a *Archiver) flushLogged(ctx context.Context) {
	if err := a.flush(ctx); err != nil {
		a.logger.ErrorContext(ctx, "archive flush failed", slog.String("error", err.Error()))
	}
}

// flush uploads the pending batch. A failed batch is discarded so memory
// stays bounded.
func (a *Archiver) flush(ctx context.Context) error {
	if a.count == 0 {
		return nil
	}
	count := a.count
	data := bytes.Clone(a.buf.Bytes())
	a.buf.Reset()
	a.count = 0

	path := a.objectPath(a.now().UTC())
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive %d events: %w", count, err)
	}
	a.logger.InfoContext(ctx, "archived events", slog.String("path", path), slog.Int("count", count))

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.events", map[string]any{
			"path":  path,
			"count": count,
			"bytes": len(data),
		}); err != nil {
			return fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return nil
}

func (a *Archiver) objectPath(t time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%s.jsonl", a.cfg.Prefix, t.Format("2006/01/02"), t.Format("150405"), uuid.NewString())
}
