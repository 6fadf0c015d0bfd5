package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/internal/observability/metrics"
	"github.com/pharmos/dispense-engine/pkg/workerpool"
)

// DayFailure records one day the worker could not materialize.
type DayFailure struct {
	Date time.Time `json:"date"`
	Err  string    `json:"error"`
}

// PreaggregateReport summarizes one materialization run. Per-day failures
// are collected here rather than aborting the batch.
type PreaggregateReport struct {
	DaysRequested int          `json:"days_requested"`
	DaysBuilt     int          `json:"days_built"`
	Failures      []DayFailure `json:"failures,omitempty"`
}

// Preaggregator materializes daily summaries so wide-range queries can be
// served from the cache. Days run concurrently on a bounded worker pool;
// each day's upsert targets a disjoint key, so no cross-day coordination is
// needed.
type Preaggregator struct {
	engine  *Engine
	store   SummaryStore
	workers int
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPreaggregator creates a pre-aggregation worker. workers <= 0 picks a
// modest default; m may be nil.
func NewPreaggregator(engine *Engine, store SummaryStore, workers int, m *metrics.Metrics, logger *zap.Logger) *Preaggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	return &Preaggregator{
		engine:  engine,
		store:   store,
		workers: workers,
		metrics: m,
		logger:  logger,
	}
}

// PreaggregateRange recomputes and upserts the summary for every day in the
// range. Re-running a day overwrites its previous summary. Cancellation
// stops scheduling further days; already-committed days stay committed.
func (p *Preaggregator) PreaggregateRange(ctx context.Context, r DateRange, pharmacyID string) (PreaggregateReport, error) {
	days := r.Days()
	report := PreaggregateReport{DaysRequested: len(days)}
	if len(days) == 0 {
		return report, nil
	}

	cfg := workerpool.DefaultConfig()
	cfg.Workers = p.workers
	cfg.QueueSize = len(days)
	cfg.MaxRetries = 1

	pool, err := workerpool.New(cfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		day := task.Payload.(DateRange)
		if err := p.buildDay(ctx, day, pharmacyID); err != nil {
			return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
		}
		return &workerpool.Result{TaskID: task.ID, Success: true}
	}, p.logger)
	if err != nil {
		return report, fmt.Errorf("create worker pool: %w", err)
	}
	pool.Start()

	submitted := 0
	for _, day := range days {
		if ctx.Err() != nil {
			break
		}
		task := &workerpool.Task{
			ID:      day.Date().Format(dateLayout),
			Payload: day,
			Context: ctx,
		}
		if err := pool.Submit(task); err != nil {
			report.Failures = append(report.Failures, DayFailure{Date: day.Date(), Err: err.Error()})
			continue
		}
		submitted++
	}

	results := pool.Results()
	for i := 0; i < submitted; i++ {
		res := <-results
		if res.Success {
			report.DaysBuilt++
			continue
		}
		date, _ := time.ParseInLocation(dateLayout, res.TaskID, r.Start.Location())
		report.Failures = append(report.Failures, DayFailure{Date: date, Err: res.Error.Error()})
	}
	pool.Stop()

	p.logger.Info("pre-aggregation run finished",
		zap.Int("requested", report.DaysRequested),
		zap.Int("built", report.DaysBuilt),
		zap.Int("failed", len(report.Failures)))

	return report, ctx.Err()
}

func (p *Preaggregator) buildDay(ctx context.Context, day DateRange, pharmacyID string) error {
	summary, err := p.engine.BuildSummary(ctx, day, pharmacyID)
	if err != nil {
		if p.metrics != nil {
			p.metrics.SummaryBuildFailed.Inc()
		}
		return err
	}
	if err := p.store.Upsert(ctx, summary); err != nil {
		if p.metrics != nil {
			p.metrics.SummaryBuildFailed.Inc()
		}
		return fmt.Errorf("upsert summary %s: %w", day.Date().Format(dateLayout), err)
	}
	if p.metrics != nil {
		p.metrics.SummariesBuilt.Inc()
	}
	return nil
}
