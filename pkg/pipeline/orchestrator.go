package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/db/timescale"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/source"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/streams"
)

// Store is the storage surface the orchestrator drives each cycle.
// *timescale.Store implements it.
type Store interface {
	MaxIngested(ctx context.Context, stream streams.Stream) (int64, error)
	Write(ctx context.Context, stream streams.Stream, batch *streams.Batch) error
	EnsureViews(ctx context.Context) error
	RefreshAll(ctx context.Context) error
	MigrateLegacyL1Columns(ctx context.Context) error
}

// StreamStatus is the last observed state of one stream, exposed by the
// status server.
type StreamStatus struct {
	Cursor    int64     `json:"cursor"`
	LastRows  int       `json:"last_rows"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Orchestrator runs the resilient ingestion loop: per cycle it fans out a
// cursor-read + fetch + write task per stream, fans back in without failing
// fast, then drives view creation and refresh. Consecutive cycle failures are
// bounded; a success resets the counter.
type Orchestrator struct {
	Logger  *zap.Logger
	Source  source.Client
	Store   Store
	Streams []streams.Stream

	// Interval sleeps between cycle completions, so a slow cycle does not
	// compound with the sleep.
	Interval time.Duration
	// MaxConsecutiveFailures bounds the retry budget; exhausting it
	// terminates Run with an error.
	MaxConsecutiveFailures int
	// FailureDelay is the fixed delay before retrying after a failed cycle.
	FailureDelay time.Duration

	// Status holds per-stream state keyed by stream name.
	Status *xsync.Map[string, StreamStatus]

	pool pond.Pool
}

// New constructs an orchestrator with one pool worker per stream.
func New(logger *zap.Logger, src source.Client, store Store, streamList []streams.Stream, interval time.Duration) *Orchestrator {
	workers := len(streamList)
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		Logger:                 logger,
		Source:                 src,
		Store:                  store,
		Streams:                streamList,
		Interval:               interval,
		MaxConsecutiveFailures: 3,
		FailureDelay:           10 * time.Second,
		Status:                 xsync.NewMap[string, StreamStatus](),
		pool:                   pond.NewPool(workers),
	}
}

// Run drives cycles until ctx is canceled (the only non-retried exit) or the
// consecutive-failure budget is exhausted.
func (o *Orchestrator) Run(ctx context.Context) error {
	// One-shot startup work: failures here are deferred to later cycles,
	// never fatal.
	if err := o.Store.MigrateLegacyL1Columns(ctx); err != nil {
		o.Logger.Warn("Legacy migration failed, continuing", zap.Error(err))
	}
	if err := o.Store.EnsureViews(ctx); err != nil {
		o.Logger.Warn("Initial view creation failed, continuing", zap.Error(err))
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			o.Logger.Info("Shutdown signal received, stopping cycles")
			return nil
		}

		err := o.RunCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				o.Logger.Info("Cycle interrupted by shutdown")
				return nil
			}
			failures++
			o.Logger.Error("Cycle failed",
				zap.Int("consecutive_failures", failures),
				zap.Int("max_failures", o.MaxConsecutiveFailures),
				zap.Error(err),
			)
			if failures >= o.MaxConsecutiveFailures {
				return fmt.Errorf("aborting after %d consecutive cycle failures: %w", failures, err)
			}
			if !sleepCtx(ctx, o.FailureDelay) {
				return nil
			}
			continue
		}

		failures = 0
		if !sleepCtx(ctx, o.Interval) {
			return nil
		}
	}
}

// RunCycle processes every stream concurrently, collecting failures instead
// of failing fast, then refreshes the view graph. Returns a non-nil error
// when any stream or view operation failed; the cycle as a whole is then
// marked failed while successful streams keep their writes.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	start := time.Now()
	o.Logger.Info("Starting fetch cycle", zap.Int("streams", len(o.Streams)))

	group := o.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	errs := make([]error, len(o.Streams))
	for i, st := range o.Streams {
		i, st := i, st
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			errs[i] = o.processStream(groupCtx, st)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		o.Logger.Warn("Stream group encountered error", zap.Error(err))
	}

	var cycleErr error
	for i, err := range errs {
		if err != nil {
			cycleErr = errors.Join(cycleErr, fmt.Errorf("stream %s: %w", o.Streams[i].Name, err))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// View maintenance runs after all stream writes were attempted, outside
	// any stream's unit of work. Creation is re-attempted until inputs
	// exist; refresh order is consolidated before aggregate.
	if err := o.Store.EnsureViews(ctx); err != nil {
		cycleErr = errors.Join(cycleErr, fmt.Errorf("ensure views: %w", err))
	}
	if err := o.Store.RefreshAll(ctx); err != nil {
		cycleErr = errors.Join(cycleErr, fmt.Errorf("refresh views: %w", err))
	}

	if cycleErr != nil {
		return cycleErr
	}
	o.Logger.Info("Completed fetch cycle", zap.Duration("took", time.Since(start)))
	return nil
}

// processStream reads the stream's cursor, fetches the next batch one block
// past it, and writes the batch. A fetch failure skips the write but leaves
// the other streams of the cycle untouched.
func (o *Orchestrator) processStream(ctx context.Context, st streams.Stream) error {
	cursor, err := o.Store.MaxIngested(ctx, st)
	if err != nil {
		o.recordStatus(st, cursor, 0, err)
		return fmt.Errorf("read cursor: %w", err)
	}

	batch, err := o.Source.FetchEvents(ctx, st, cursor+1)
	if err != nil {
		o.recordStatus(st, cursor, 0, err)
		o.Logger.Warn("Fetch failed, skipping stream this cycle",
			zap.String("stream", st.Name),
			zap.Int64("from_block", cursor+1),
			zap.Error(err),
		)
		return fmt.Errorf("fetch from block %d: %w", cursor+1, err)
	}
	if batch.Empty() {
		o.Logger.Debug("No new data", zap.String("stream", st.Name), zap.Int64("cursor", cursor))
		o.recordStatus(st, cursor, 0, nil)
		return nil
	}

	if err := o.Store.Write(ctx, st, batch); err != nil {
		o.recordStatus(st, cursor, 0, err)
		return err
	}
	o.recordStatus(st, batch.MaxBlockNumber(), batch.Len(), nil)
	return nil
}

func (o *Orchestrator) recordStatus(st streams.Stream, cursor int64, rows int, err error) {
	status := StreamStatus{Cursor: cursor, LastRows: rows, UpdatedAt: time.Now().UTC()}
	if err != nil {
		status.LastError = err.Error()
	}
	o.Status.Store(st.Name, status)
}

// sleepCtx waits for d, returning false when ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

var _ Store = (*timescale.Store)(nil)
