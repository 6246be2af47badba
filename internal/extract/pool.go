package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castograph/castograph/internal/observe"
	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/pkg/types"
)

// Pool defaults.
const (
	DefaultMaxConcurrentUnits = 4
	DefaultUnitTimeout        = 120 * time.Second

	// DefaultFailureThreshold is the failed-unit fraction above which the
	// whole episode is rejected. Exactly at the threshold still passes.
	DefaultFailureThreshold = 0.5
)

// ThresholdError reports that too many units failed extraction. The episode
// is rejected and rolled back.
type ThresholdError struct {
	Failed    int
	Total     int
	Threshold float64
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("extract: %d/%d units failed (%.0f%% > %.0f%% threshold)",
		e.Failed, e.Total,
		100*float64(e.Failed)/float64(e.Total), 100*e.Threshold)
}

// UnitError records one unit that failed extraction.
type UnitError struct {
	UnitIndex int    `json:"unit_index"`
	UnitID    string `json:"unit_id"`
	ErrorType string `json:"error_type"`
	Message   string `json:"error_message"`
}

// Pool fans extraction out over a bounded set of workers and aggregates
// results in unit-index order.
type Pool struct {
	extractor   *Extractor
	concurrency int
	unitTimeout time.Duration
	threshold   float64
	metrics     *observe.Metrics
}

// PoolOption configures a [Pool].
type PoolOption func(*Pool)

// WithConcurrency sets the worker count.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithUnitTimeout sets the per-unit wall-clock budget. The aggregate batch
// deadline is this value times the unit count.
func WithUnitTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.unitTimeout = d }
}

// WithFailureThreshold overrides [DefaultFailureThreshold].
func WithFailureThreshold(f float64) PoolOption {
	return func(p *Pool) { p.threshold = f }
}

// NewPool creates a Pool around extractor.
func NewPool(extractor *Extractor, opts ...PoolOption) *Pool {
	p := &Pool{
		extractor:   extractor,
		concurrency: DefaultMaxConcurrentUnits,
		unitTimeout: DefaultUnitTimeout,
		threshold:   DefaultFailureThreshold,
		metrics:     observe.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run extracts every unit and returns the successful extractions in
// unit-index order plus the per-unit failures. When the failure fraction
// exceeds the failure threshold the error is a [*ThresholdError] and the
// results must be discarded. Cancellation of ctx discards partial results
// and returns the context error.
func (p *Pool) Run(ctx context.Context, units []types.MeaningfulUnit) ([]types.UnitExtraction, []UnitError, error) {
	if len(units) == 0 {
		return nil, nil, nil
	}

	// The aggregate deadline bounds the whole batch even when every unit
	// individually stays within budget.
	batchCtx, cancel := context.WithTimeout(ctx, p.unitTimeout*time.Duration(len(units)))
	defer cancel()

	results := make([]*types.UnitExtraction, len(units))

	var mu sync.Mutex
	var unitErrs []UnitError
	done := 0

	record := func(index int, id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		unitErrs = append(unitErrs, UnitError{
			UnitIndex: index,
			UnitID:    id,
			ErrorType: classify(err),
			Message:   err.Error(),
		})
	}
	progress := func() {
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		if n%10 == 0 || n == len(units) {
			slog.Info("extraction progress", "done", n, "total", len(units))
		}
	}

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(p.concurrency)

	for i, unit := range units {
		g.Go(func() error {
			// Orchestrator cancellation stops the whole batch; everything
			// else is recorded per unit and the batch continues.
			if err := gctx.Err(); err != nil {
				return err
			}

			unitCtx, cancel := context.WithTimeout(gctx, p.unitTimeout)
			defer cancel()

			ex, err := p.extractor.ExtractUnit(unitCtx, i, unit)
			p.metrics.RecordUnit(gctx, err != nil)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				record(i, unit.ID, err)
				progress()
				return nil
			}
			results[i] = ex
			progress()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("extract: batch cancelled: %w", err)
	}

	// Units never scheduled before the aggregate deadline fired show up as
	// neither result nor recorded error; count them as timeouts.
	if batchCtx.Err() != nil {
		mu.Lock()
		recorded := make(map[int]bool, len(unitErrs))
		for _, ue := range unitErrs {
			recorded[ue.UnitIndex] = true
		}
		for i, unit := range units {
			if results[i] == nil && !recorded[i] {
				unitErrs = append(unitErrs, UnitError{
					UnitIndex: i,
					UnitID:    unit.ID,
					ErrorType: "TimeoutError",
					Message:   "aggregate extraction deadline exceeded",
				})
			}
		}
		mu.Unlock()
	}

	failed := len(unitErrs)
	if rate := float64(failed) / float64(len(units)); rate > p.threshold {
		return nil, unitErrs, &ThresholdError{Failed: failed, Total: len(units), Threshold: p.threshold}
	}
	if failed > 0 {
		slog.Warn("extraction completed with failures",
			"failed", failed, "total", len(units),
			"rate", fmt.Sprintf("%.0f%%", 100*float64(failed)/float64(len(units))))
	}

	out := make([]types.UnitExtraction, 0, len(units))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, unitErrs, nil
}

// classify maps an extraction error to the reported error-type name.
func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "QuotaExceeded"
	default:
		return "ExtractionError"
	}
}
