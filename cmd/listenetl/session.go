package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"listenetl/internal/config"
	"listenetl/internal/logging"
	"listenetl/internal/metrics"
	"listenetl/internal/metrics/datadog"
	"listenetl/internal/metrics/prompush"
	"listenetl/internal/pipeline"
	"listenetl/internal/runlock"
	"listenetl/internal/storage"
)

var errInvalidConfig = errors.New("configuration is invalid")

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath     string
	backend        string
	db             string
	workers        int
	granularity    string
	reportPath     string
	metricsBackend string
	lockWait       time.Duration
	verbose        bool
}

// flagOverrides maps changed flags onto config paths.
var flagOverrides = map[string]string{
	"backend":         "storage.kind",
	"db":              "storage.dsn",
	"workers":         "runtime.normalize_workers",
	"granularity":     "runtime.granularity",
	"metrics-backend": "metrics.backend",
	"input":           "input.dir",
	"recursive":       "input.recursive",
}

// loadConfig layers file, environment and changed flags, validates the result
// and prints every issue to stderr.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	overrides := map[string]any{}
	for name, path := range flagOverrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			overrides[path] = f.Value.String()
		}
	}
	if g.verbose {
		overrides["logging.level"] = "debug"
	}

	cfg, err := config.Load(config.LoadOptions{Path: g.configPath, Overrides: overrides})
	if err != nil {
		return nil, err
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(cmd.ErrOrStderr(), iss.String())
	}
	if config.HasErrors(issues) {
		return nil, errInvalidConfig
	}
	return cfg, nil
}

// session holds everything a pipeline command needs, in acquisition order.
type session struct {
	cfg    *config.Config
	log    zerolog.Logger
	lock   *runlock.Lock
	w      storage.Warehouse
	closer []func()
}

func openSession(ctx context.Context, cmd *cobra.Command, g *globalFlags) (*session, error) {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg: cfg,
		log: logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cmd.ErrOrStderr()}).
			With().Str("job", cfg.Job).Logger(),
	}

	if path := cfg.Storage.ResolvedLockPath(); path != "" {
		lock, err := runlock.Acquire(ctx, path, runlock.Options{Timeout: g.lockWait})
		if err != nil {
			return nil, err
		}
		s.lock = lock
		s.log.Debug().Str("lock", path).Msg("run lock acquired")
	}

	s.w, err = storage.Open(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: os.ExpandEnv(cfg.Storage.DSN)})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s warehouse: %w", cfg.Storage.Kind, err)
	}

	s.closer = append(s.closer, setupMetrics(ctx, cfg, s.log))
	return s, nil
}

func (s *session) driver() *pipeline.Driver {
	return pipeline.NewDriver(s.w, pipeline.Options{
		Workers:      s.cfg.Runtime.NormalizeWorkers,
		Granularity:  s.cfg.Runtime.Granularity,
		ResetStaging: s.cfg.Runtime.ResetStaging,
		Recursive:    s.cfg.Input.Recursive,
		Backend:      s.cfg.Storage.Kind,
		Logger:       s.log,
	})
}

// Close flushes metrics, closes the warehouse and releases the lock.
func (s *session) Close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		s.closer[i]()
	}
	if s.w != nil {
		s.w.Close()
	}
	if err := s.lock.Release(); err != nil {
		s.log.Warn().Err(err).Msg("release run lock")
	}
}

// setupMetrics installs the configured backend and returns its shutdown hook.
// A backend that fails to initialize is logged and replaced by the no-op.
func setupMetrics(ctx context.Context, cfg *config.Config, log zerolog.Logger) func() {
	log = logging.Component(log, "metrics")

	switch cfg.Metrics.Backend {
	case "pushgateway":
		b, err := prompush.NewBackend(cfg.Job, cfg.Metrics.PushgatewayURL)
		if err != nil {
			log.Warn().Err(err).Msg("pushgateway backend unavailable; using nop")
			return func() {}
		}
		log.Info().Str("url", cfg.Metrics.PushgatewayURL).Str("backend", "pushgateway").Msg("metrics enabled")
		metrics.SetBackend(b)
		return func() {
			if err := metrics.Flush(); err != nil {
				log.Warn().Err(err).Msg("metrics flush")
			}
			metrics.SetBackend(nil)
		}

	case "datadog":
		tags := append([]string{}, cfg.Metrics.Tags...)
		tags = append(tags, datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       tags,
			FlushEvery: cfg.Metrics.FlushEvery,
		})
		if err != nil {
			log.Warn().Err(err).Msg("datadog backend unavailable; using nop")
			return func() {}
		}
		log.Info().Str("backend", "datadog").Strs("tags", tags).Msg("metrics enabled")
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("datadog final flush")
			}
			metrics.SetBackend(nil)
		}

	default:
		return func() {}
	}
}

// writeReport writes rep as JSON to path; "-" means w.
func writeReport(path string, w io.Writer, rep *pipeline.Report) error {
	if path == "" || rep == nil {
		return nil
	}
	if path == "-" {
		return rep.WriteJSON(w)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := rep.WriteJSON(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}
