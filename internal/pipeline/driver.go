package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"listenetl/internal/logging"
	"listenetl/internal/metrics"
	"listenetl/internal/normalize"
	"listenetl/internal/storage"
)

const (
	GranularityBatch = "batch"
	GranularityFile  = "file"
)

// Options configures a Driver.
type Options struct {
	// Workers bounds concurrent file normalization; at least 1.
	Workers int

	// Granularity is "batch" (global stages once after all files) or "file"
	// (global stages after every staged file).
	Granularity string

	// ResetStaging clears staging at the start of Run and StageOnly.
	ResetStaging bool

	// Recursive descends into subdirectories of the input directory.
	Recursive bool

	// Backend is copied into the report.
	Backend string

	Logger zerolog.Logger

	// Now stamps dimension and fact rows; default time.Now in UTC.
	Now func() time.Time
}

// Driver runs the pipeline against one warehouse. It is the single writer for
// that warehouse; only normalization runs concurrently.
type Driver struct {
	w    storage.Warehouse
	opts Options
	log  zerolog.Logger

	loader *Loader
	dedup  *Deduplicator
	dims   *DimensionBuilder
	facts  *FactBuilder
}

// NewDriver wires the stage components around w.
func NewDriver(w storage.Warehouse, opts Options) *Driver {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Granularity == "" {
		opts.Granularity = GranularityBatch
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.Component(opts.Logger, "pipeline")

	return &Driver{
		w:      w,
		opts:   opts,
		log:    log,
		loader: &Loader{W: w, Log: logging.Component(opts.Logger, "loader")},
		dedup:  &Deduplicator{W: w, Log: logging.Component(opts.Logger, "deduplicator")},
		dims:   &DimensionBuilder{W: w, Log: logging.Component(opts.Logger, "dimensions"), Now: opts.Now},
		facts:  &FactBuilder{W: w, Log: logging.Component(opts.Logger, "facts"), Now: opts.Now},
	}
}

// Init creates the warehouse schema. It is idempotent.
func (d *Driver) Init(ctx context.Context) error {
	if err := d.w.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Run ingests every listen file in dir and then runs the global stages
// according to the configured granularity.
//
// Unreadable files are skipped and reported; the returned error is non-nil only
// for fatal conditions (storage failures, a failed global stage, cancellation).
// The report is returned in both cases.
func (d *Driver) Run(ctx context.Context, dir string) (*Report, error) {
	rep := d.newReport(dir)
	err := d.ingest(ctx, rep, dir, true)
	return d.finish(ctx, rep, err)
}

// StageOnly normalizes and stages the files in dir without running any global
// stage.
func (d *Driver) StageOnly(ctx context.Context, dir string) (*Report, error) {
	rep := d.newReport(dir)
	err := d.ingest(ctx, rep, dir, false)
	return d.finish(ctx, rep, err)
}

// RunGlobal runs one global stage on the current staging data.
func (d *Driver) RunGlobal(ctx context.Context, stage Stage) (*Report, error) {
	rep := d.newReport("")
	err := d.Init(ctx)
	if err == nil {
		var out StageOutcome
		out, err = d.runStage(ctx, stage)
		rep.Stages = append(rep.Stages, out)
	}
	return d.finish(ctx, rep, err)
}

func (d *Driver) newReport(dir string) *Report {
	return &Report{
		RunID:       uuid.NewString(),
		Backend:     d.opts.Backend,
		InputDir:    dir,
		Granularity: d.opts.Granularity,
		StartedAt:   d.opts.Now(),
		Files:       []FileOutcome{},
		Stages:      []StageOutcome{},
	}
}

func (d *Driver) finish(ctx context.Context, rep *Report, err error) (*Report, error) {
	rep.FinishedAt = d.opts.Now()
	if counts, cerr := d.w.Counts(context.WithoutCancel(ctx)); cerr == nil {
		rep.Counts = &counts
	} else {
		d.log.Warn().Err(cerr).Msg("table counts unavailable")
	}

	accepted, rejected, staged := rep.Totals()
	ev := d.log.Info()
	if err != nil {
		rep.Fatal = err.Error()
		ev = d.log.Error().Err(err)
	}
	ev.Str("run_id", rep.RunID).
		Int("files_staged", rep.FilesIn(FileStaged)).
		Int("files_skipped", rep.FilesIn(FileSkipped)).
		Int("accepted", accepted).
		Int("rejected", rejected).
		Int64("staged", staged).
		Dur("duration", rep.FinishedAt.Sub(rep.StartedAt).Truncate(time.Millisecond)).
		Msg("run finished")
	return rep, err
}

func (d *Driver) ingest(ctx context.Context, rep *Report, dir string, global bool) error {
	if err := d.Init(ctx); err != nil {
		return err
	}
	files, err := Discover(dir, d.opts.Recursive)
	if err != nil {
		return err
	}
	d.log.Info().Str("run_id", rep.RunID).Str("dir", dir).Int("files", len(files)).Msg("files discovered")

	if d.opts.ResetStaging {
		if err := d.w.ResetStaging(ctx); err != nil {
			return fmt.Errorf("reset staging: %w", err)
		}
	}

	var afterFile func(context.Context) error
	perFile := global && d.opts.Granularity == GranularityFile
	if perFile {
		afterFile = func(ctx context.Context) error { return d.runGlobalStages(ctx, rep) }
	}
	if err := d.stageFiles(ctx, rep, dir, files, afterFile); err != nil {
		return err
	}
	if global && !perFile {
		return d.runGlobalStages(ctx, rep)
	}
	return nil
}

func (d *Driver) runGlobalStages(ctx context.Context, rep *Report) error {
	for _, st := range GlobalStages {
		out, err := d.runStage(ctx, st)
		rep.Stages = append(rep.Stages, out)
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) runStage(ctx context.Context, st Stage) (StageOutcome, error) {
	switch st {
	case StageDedup:
		return d.dedup.Run(ctx)
	case StageDimensions:
		return d.dims.Run(ctx)
	case StageFacts:
		return d.facts.Run(ctx)
	default:
		err := fmt.Errorf("pipeline: %q is not a global stage", st)
		return StageOutcome{Stage: st, State: StageFailed, Error: err.Error()}, err
	}
}

type normalized struct {
	res normalize.FileResult
	err error
	dur time.Duration
}

// stageFiles normalizes files concurrently and stages them one at a time in
// discovery order. At most 2*Workers normalized files are held in memory.
func (d *Driver) stageFiles(ctx context.Context, rep *Report, dir string, files []string, afterFile func(context.Context) error) error {
	if len(files) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan normalized, len(files))
	for i := range results {
		results[i] = make(chan normalized, 1)
	}
	sem := semaphore.NewWeighted(int64(2 * d.opts.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)

	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i, path := range files {
			if gctx.Err() != nil {
				return
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return
			}
			g.Go(func() error {
				results[i] <- d.normalizeFile(gctx, path)
				return nil
			})
		}
	}()
	defer func() {
		cancel()
		<-producerDone
		_ = g.Wait()
	}()

	for i, path := range files {
		var nr normalized
		select {
		case nr = <-results[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		sem.Release(1)
		if err := ctx.Err(); err != nil {
			return err
		}

		fo, err := d.stageFile(ctx, rep.RunID, sourceName(dir, path), nr)
		rep.Files = append(rep.Files, fo)
		if err != nil {
			return err
		}
		if afterFile != nil && fo.Staged > 0 {
			if err := afterFile(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) normalizeFile(ctx context.Context, path string) normalized {
	start := time.Now()
	n := normalize.Normalizer{
		OnReject: func(record int, reason string) {
			d.log.Debug().Str("file", path).Int("record", record).Str("reason", reason).Msg("record rejected")
		},
	}
	res, err := n.NormalizeFile(ctx, path)
	return normalized{res: res, err: err, dur: time.Since(start)}
}

// stageFile appends one normalized file and writes its audit row. A file that
// failed to normalize is skipped; a storage failure is returned as fatal.
func (d *Driver) stageFile(ctx context.Context, runID, source string, nr normalized) (FileOutcome, error) {
	start := time.Now()
	fo := FileOutcome{
		Path:     source,
		State:    FileDiscovered,
		Accepted: nr.res.Stats.Accepted,
		Rejected: nr.res.Stats.Rejected,
		Reasons:  nr.res.Stats.Reasons,
	}
	metrics.RecordRecords("accepted", int64(fo.Accepted))
	metrics.RecordRecords("rejected", int64(fo.Rejected))

	if nr.err != nil {
		fo.State = FileSkipped
		fo.Error = nr.err.Error()
	} else {
		fo.State = FileNormalized
		n, err := d.loader.Load(ctx, source, nr.res.Listens)
		if err != nil {
			fo.Error = err.Error()
			fo.Duration = nr.dur + durMS(start)
			return fo, err
		}
		fo.State = FileStaged
		fo.Staged = n
	}
	fo.Duration = (nr.dur + time.Since(start)).Truncate(time.Millisecond)
	metrics.RecordFile(string(fo.State))

	ev := d.log.Info()
	if fo.State == FileSkipped {
		ev = d.log.Warn().Str("error", fo.Error)
	}
	if fo.Rejected > 0 {
		ev = ev.Strs("reasons", nr.res.Stats.ReasonKeys())
	}
	ev.Str("file", source).
		Str("state", string(fo.State)).
		Int("accepted", fo.Accepted).
		Int("rejected", fo.Rejected).
		Int64("staged", fo.Staged).
		Dur("duration", fo.Duration).
		Msg("file processed")

	err := d.w.RecordFile(ctx, storage.FileRecord{
		RunID:      runID,
		SourceFile: source,
		Status:     string(fo.State),
		Accepted:   fo.Accepted,
		Rejected:   fo.Rejected,
		Staged:     fo.Staged,
		Error:      fo.Error,
		LoggedAt:   d.opts.Now(),
	})
	if err != nil {
		return fo, fmt.Errorf("record file %s: %w", source, err)
	}
	return fo, nil
}

// sourceName is the path recorded in staging and the file log: relative to the
// input directory when possible.
func sourceName(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}
