// Package pipeline sequences the listen ETL: normalize and stage files, then
// deduplicate, build dimensions and append facts on the accumulated staging data.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"listenetl/internal/listen"
	"listenetl/internal/metrics"
	"listenetl/internal/storage"
)

// Stage names a pipeline step.
type Stage string

const (
	StageStage      Stage = "stage"
	StageDedup      Stage = "dedup"
	StageDimensions Stage = "dimensions"
	StageFacts      Stage = "facts"
)

// GlobalStages are the stages that operate on the accumulated staging table,
// in execution order.
var GlobalStages = []Stage{StageDedup, StageDimensions, StageFacts}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// observe logs and records metrics for one finished step.
func observe(log zerolog.Logger, step Stage, start time.Time, err error) {
	dur := time.Since(start)
	status := "ok"
	ev := log.Info()
	if err != nil {
		status = "error"
		ev = log.Error().Err(err)
	}
	metrics.RecordStep(string(step), status, dur)
	ev.Str("stage", string(step)).Str("status", status).Dur("duration", dur.Truncate(time.Millisecond)).Msg("stage finished")
}

// Loader appends one file's normalized listens to staging.
type Loader struct {
	W   storage.Warehouse
	Log zerolog.Logger
}

// Load stages rows under the given source file name.
func (l *Loader) Load(ctx context.Context, file string, rows []listen.Listen) (int64, error) {
	start := time.Now()
	n, err := l.W.AppendStaging(ctx, file, rows)
	dur := time.Since(start)
	if err != nil {
		metrics.RecordStep(string(StageStage), "error", dur)
		return 0, fmt.Errorf("stage %s: %w", file, err)
	}
	metrics.RecordStep(string(StageStage), "ok", dur)
	metrics.RecordRecords("staged", n)
	l.Log.Debug().Str("stage", string(StageStage)).Str("file", file).Int64("rows", n).Dur("duration", dur).Msg("file staged")
	return n, nil
}

// Deduplicator rebuilds stg_listens_dedup from the whole staging table.
type Deduplicator struct {
	W   storage.Warehouse
	Log zerolog.Logger
}

func (d *Deduplicator) Run(ctx context.Context) (StageOutcome, error) {
	out := StageOutcome{Stage: StageDedup, State: StageRunning}
	start := time.Now()
	n, err := d.W.Deduplicate(ctx)
	observe(d.Log, StageDedup, start, err)
	if err == nil {
		metrics.RecordRecords("deduped", n)
	}
	return finish(out, start, n, err)
}

// DimensionBuilder adds unseen users and tracks.
type DimensionBuilder struct {
	W   storage.Warehouse
	Log zerolog.Logger
	Now func() time.Time
}

func (b *DimensionBuilder) Run(ctx context.Context) (StageOutcome, error) {
	out := StageOutcome{Stage: StageDimensions, State: StageRunning}
	start := time.Now()
	st, err := b.W.UpsertDimensions(ctx, b.Now())
	observe(b.Log, StageDimensions, start, err)
	if err == nil {
		out.Users, out.Tracks = st.UsersInserted, st.TracksInserted
		metrics.RecordRecords("users_inserted", st.UsersInserted)
		metrics.RecordRecords("tracks_inserted", st.TracksInserted)
	}
	return finish(out, start, st.UsersInserted+st.TracksInserted, err)
}

// FactBuilder appends facts for deduplicated rows not yet in fact_listen.
type FactBuilder struct {
	W   storage.Warehouse
	Log zerolog.Logger
	Now func() time.Time
}

func (b *FactBuilder) Run(ctx context.Context) (StageOutcome, error) {
	out := StageOutcome{Stage: StageFacts, State: StageRunning}
	start := time.Now()
	n, err := b.W.InsertFacts(ctx, b.Now())
	if err == nil {
		err = checkDangling(ctx, b.W)
	}
	observe(b.Log, StageFacts, start, err)
	if err == nil {
		metrics.RecordRecords("facts_inserted", n)
	}
	return finish(out, start, n, err)
}

// checkDangling fails when committed facts reference a missing dimension row.
func checkDangling(ctx context.Context, w storage.Warehouse) error {
	n, err := w.DanglingFacts(ctx)
	if err != nil {
		return fmt.Errorf("count dangling facts: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %d fact rows reference missing dimension rows", storage.ErrReferentialViolation, n)
	}
	return nil
}

func finish(out StageOutcome, start time.Time, rows int64, err error) (StageOutcome, error) {
	out.Duration = durMS(start)
	if err != nil {
		out.State = StageFailed
		out.Error = err.Error()
		return out, fmt.Errorf("%s: %w", out.Stage, err)
	}
	out.State = StageCommitted
	out.Rows = rows
	return out, nil
}
