// Package retention implements the Retention Sweeper (SPEC_FULL.md D.1): a
// background cron job that scans for stale INCOMPLETE task records past a
// configured TTL and reports them, without deleting anything — cleanup
// remains an operator decision. Grounded on scheduler.go's cron.Cron
// wiring, retargeted from scheduled workflow triggers onto a single
// recurring maintenance sweep.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapten-dev/kapten/internal/model"
)

// Scanner is implemented by anything that can enumerate a pipeline's task
// records for staleness inspection. internal/store.Store does not expose a
// full scan (its contract is keyed lookups only), so the sweeper is wired
// against an explicit listing function supplied by the caller — typically
// backed by the same bucket the local store uses, or a table scan against
// the remote backend's GSI.
type Scanner func(ctx context.Context) ([]Record, error)

// Record is one task's identity and state as seen by a Scanner.
type Record struct {
	Pipeline string
	Task     string
	State    model.TaskState
}

// Sweeper periodically scans for INCOMPLETE records whose StartTime is
// older than TTL and logs them as stale, never deleting state itself.
type Sweeper struct {
	cron    *cron.Cron
	scan    Scanner
	ttl     time.Duration
	tracer  trace.Tracer
	staleCt metric.Int64Counter
}

// New constructs a Sweeper. cronExpr follows robfig/cron's six-field syntax
// with a leading seconds field, e.g. "0 */15 * * * *" for every 15 minutes.
func New(cronExpr string, ttl time.Duration, scan Scanner, meter metric.Meter) (*Sweeper, error) {
	staleCt, _ := meter.Int64Counter("kapten_retention_stale_found_total")
	s := &Sweeper{
		cron:    cron.New(cron.WithSeconds()),
		scan:    scan,
		ttl:     ttl,
		tracer:  otel.Tracer("kapten/retention"),
		staleCt: staleCt,
	}
	if _, err := s.cron.AddFunc(cronExpr, func() {
		s.sweep(context.Background())
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

func (s *Sweeper) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "retention.sweep")
	defer span.End()

	records, err := s.scan(ctx)
	if err != nil {
		slog.Error("retention sweep: scan failed", "error", err)
		return
	}

	now := time.Now()
	stale := 0
	for _, r := range records {
		if r.State.Status != model.StatusIncomplete {
			continue
		}
		if r.State.StartTime == nil || now.Sub(*r.State.StartTime) < s.ttl {
			continue
		}
		stale++
		slog.Warn("stale incomplete task record",
			"pipeline", r.Pipeline, "task", r.Task,
			"started", r.State.StartTime, "age", now.Sub(*r.State.StartTime).String())
	}

	span.SetAttributes(attribute.Int("scanned", len(records)), attribute.Int("stale", stale))
	if stale > 0 {
		s.staleCt.Add(ctx, int64(stale))
	}
}
