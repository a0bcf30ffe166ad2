package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"listenetl/internal/config"
	"listenetl/internal/pipeline"
	"listenetl/internal/storage"
)

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "listenetl",
		Short:        "Load listen-history JSON exports into a star-schema warehouse",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config file (default $"+config.ConfigPathEnvVar+")")
	pf.StringVar(&g.backend, "backend", "", "warehouse backend: duckdb, sqlite, postgres, mssql")
	pf.StringVar(&g.db, "db", "", "warehouse DSN or database file")
	pf.IntVar(&g.workers, "workers", 0, "concurrent file normalizers")
	pf.StringVar(&g.granularity, "granularity", "", "when global stages run: batch or file")
	pf.StringVar(&g.reportPath, "report", "", "write the JSON run report to this path (- for stdout)")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway, datadog")
	pf.DurationVar(&g.lockWait, "lock-wait", 0, "wait this long for another run to release the warehouse")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(g),
		newInitCmd(g),
		newStageCmd(g),
		newGlobalStageCmd(g, pipeline.StageDedup, "Rebuild stg_listens_dedup from staging"),
		newGlobalStageCmd(g, pipeline.StageDimensions, "Add unseen users and tracks to the dimensions"),
		newGlobalStageCmd(g, pipeline.StageFacts, "Append facts for deduplicated listens"),
		newStatsCmd(g),
		newValidateCmd(g),
	)
	return root
}

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().String("input", "", "directory of listen JSON files")
	cmd.Flags().Bool("recursive", false, "descend into subdirectories")
}

func newRunCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stage every file in --input, then deduplicate and build dimensions and facts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, g, true)
		},
	}
	addInputFlags(cmd)
	return cmd
}

func newStageCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Normalize and stage every file in --input without running global stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, g, false)
		},
	}
	addInputFlags(cmd)
	return cmd
}

func runIngest(cmd *cobra.Command, g *globalFlags, global bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd, g)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cfg.Input.Dir == "" {
		return fmt.Errorf("input directory is required (--input or input.dir)")
	}

	d := s.driver()
	var rep *pipeline.Report
	if global {
		rep, err = d.Run(ctx, s.cfg.Input.Dir)
	} else {
		rep, err = d.StageOnly(ctx, s.cfg.Input.Dir)
	}
	if werr := writeReport(g.reportPath, cmd.OutOrStdout(), rep); werr != nil && err == nil {
		err = werr
	}
	if g.reportPath != "-" {
		printSummary(cmd.OutOrStdout(), rep)
	}
	return err
}

func newInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the warehouse tables if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.driver().Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", s.cfg.Storage.Kind)
			return nil
		},
	}
}

func newGlobalStageCmd(g *globalFlags, stage pipeline.Stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(stage),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			rep, err := s.driver().RunGlobal(cmd.Context(), stage)
			if werr := writeReport(g.reportPath, cmd.OutOrStdout(), rep); werr != nil && err == nil {
				err = werr
			}
			if g.reportPath != "-" {
				printSummary(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print row counts of the warehouse tables as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.driver().Init(ctx); err != nil {
				return err
			}
			counts, err := s.w.Counts(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if !verify {
				return enc.Encode(counts)
			}

			integrity, err := pipeline.Verify(ctx, s.w)
			if err != nil {
				return err
			}
			if err := enc.Encode(statsOutput{Counts: counts, Integrity: integrity}); err != nil {
				return err
			}
			if !integrity.OK() {
				return errIntegrity
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "also check referential integrity and key uniqueness; exit 1 on any fault")
	return cmd
}

type statsOutput struct {
	Counts    storage.TableCounts `json:"counts"`
	Integrity pipeline.Integrity  `json:"integrity"`
}

var errIntegrity = errors.New("warehouse integrity check failed")

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (backend=%s dsn=%s)\n", cfg.Storage.Kind, cfg.Storage.RedactedDSN())
			return nil
		},
	}
}

func printSummary(w io.Writer, rep *pipeline.Report) {
	if rep == nil {
		return
	}
	accepted, rejected, staged := rep.Totals()
	fmt.Fprintf(w, "run %s: %d file(s) staged, %d skipped; %d accepted, %d rejected, %d staged rows\n",
		rep.RunID, rep.FilesIn(pipeline.FileStaged), rep.FilesIn(pipeline.FileSkipped), accepted, rejected, staged)
	for _, f := range rep.Files {
		if f.State == pipeline.FileSkipped {
			fmt.Fprintf(w, "  skipped %s: %s\n", f.Path, f.Error)
		}
	}
	for _, st := range rep.Stages {
		fmt.Fprintf(w, "  %-10s %-9s rows=%d %s\n", st.Stage, st.State, st.Rows, st.Duration.Truncate(time.Millisecond))
	}
	if rep.Counts != nil {
		c := rep.Counts
		fmt.Fprintf(w, "  tables: stg_listens=%d stg_listens_dedup=%d dim_user=%d dim_track=%d fact_listen=%d\n",
			c.Staging, c.Dedup, c.Users, c.Tracks, c.Facts)
	}
	if !rep.Succeeded() {
		fmt.Fprintf(w, "  FAILED: %s\n", rep.Fatal)
	}
}
