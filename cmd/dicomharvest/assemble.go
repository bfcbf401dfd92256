package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/mrsinham/dicomharvest/internal/attribute"
	"github.com/mrsinham/dicomharvest/internal/config"
	"github.com/mrsinham/dicomharvest/internal/dicom"
	"github.com/mrsinham/dicomharvest/internal/ingest"
	"github.com/mrsinham/dicomharvest/internal/logging"
)

const lockFileName = ".dicomharvest.lock"

// errNothingAssembled makes a run that produced no file exit non-zero.
var errNothingAssembled = errors.New("no instance could be assembled")

type assembleFlags struct {
	output    string
	extension string
	workers   int
	unique    bool
	rawOnly   bool
	index     bool
	logFile   string
	set       []string
}

func newAssembleCommand(ctx *commandContext) *cobra.Command {
	var flags assembleFlags

	cmd := &cobra.Command{
		Use:   "assemble <dump-dir>",
		Short: "Assemble a viewer dump into a study directory",
		Long: `Assemble reads a dump directory holding one sub-directory per series,
with <n>-tags.json, <n>.slice and optional <n>.json files per instance, and
writes one DICOM file per instance under <output>/<patient>-<exam>-<date>/.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cfg, err = flags.apply(cmd, cfg)
			if err != nil {
				return err
			}

			logger, closer, err := ctx.newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			return runAssemble(cmd, args[0], cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Root directory for assembled studies")
	cmd.Flags().StringVar(&flags.extension, "ext", "", "Extension of assembled files")
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", 0, "Series assembled in parallel (0 = CPU cores)")
	cmd.Flags().BoolVar(&flags.unique, "unique", true, "Give every series a fresh directory")
	cmd.Flags().BoolVar(&flags.rawOnly, "raw-only", false, "Reject compressed payloads")
	cmd.Flags().BoolVar(&flags.index, "index", false, "Write a DICOMDIR into the study directory")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Also log to this file, rotated by size")
	cmd.Flags().StringArrayVar(&flags.set, "set", nil, "Override an attribute on every instance: 'Name=Value' (repeatable)")

	return cmd
}

// apply overrides the job file with the flags given on the command line.
func (f assembleFlags) apply(cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	changed := cmd.Flags().Changed
	if changed("output") {
		cfg.Output = f.output
	}
	if changed("ext") {
		cfg.Extension = f.extension
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("unique") {
		unique := f.unique
		cfg.UniqueSeriesDirs = &unique
	}
	if changed("raw-only") && f.rawOnly {
		cfg.TransferSyntax = config.TransferRawOnly
	}
	if changed("index") {
		cfg.Index = f.index
	}
	if changed("log-file") {
		cfg.Log.File = f.logFile
	}

	if len(f.set) > 0 {
		overrides := make(map[string]string, len(cfg.Overrides)+len(f.set))
		for name, value := range cfg.Overrides {
			overrides[name] = value
		}
		for _, s := range f.set {
			name, value, ok := strings.Cut(s, "=")
			if !ok || strings.TrimSpace(name) == "" {
				return cfg, fmt.Errorf("invalid --set %q, expected Name=Value", s)
			}
			overrides[strings.TrimSpace(name)] = value
		}
		cfg.Overrides = overrides
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runAssemble(cmd *cobra.Command, dump string, cfg config.Config, logger *slog.Logger) error {
	overrides, err := attribute.ParseOverrides(cfg.Overrides)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	lockPath := filepath.Join(cfg.Output, lockFileName)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another dicomharvest run is writing to %s (lock %s)", cfg.Output, lockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release output lock", "lock", lockPath, "error", err)
		}
	}()

	stderr := cmd.ErrOrStderr()
	showProgress := logging.IsTerminal(stderr)

	report, err := ingest.Run(cmd.Context(), dump, ingest.Options{
		Output:    cfg.Output,
		Extension: cfg.Extension,
		Unique:    cfg.Unique(),
		Workers:   cfg.Workers,
		Overrides: overrides,
		RawOnly:   cfg.TransferSyntax == config.TransferRawOnly,
		Logger:    logger,
		ProgressCallback: func(done, total int) {
			if showProgress {
				fmt.Fprintf(stderr, "\rAssembled %d/%d series", done, total)
				if done == total {
					fmt.Fprintln(stderr)
				}
			}
		},
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printReport(out, cfg.Output, report)
	if report.Written() == 0 {
		return errNothingAssembled
	}

	if cfg.Index {
		summary, err := dicom.WriteDICOMDIR(report.StudyDir)
		if err != nil {
			return fmt.Errorf("index %s: %w", report.StudyDir, err)
		}
		logger.Info("study indexed", "dicomdir", summary.Path, "images", summary.Images)
		fmt.Fprintf(out, "DICOMDIR: %s (%d images)\n", summary.Path, summary.Images)
	}
	return nil
}

func printReport(w io.Writer, output string, report ingest.Report) {
	rows := make([][]string, 0, len(report.Series))
	var skipped int
	for _, s := range report.Series {
		dir := "-"
		if s.Dir != "" {
			dir = s.Dir
			if rel, err := filepath.Rel(output, s.Dir); err == nil {
				dir = rel
			}
		}
		skipped += s.Skipped
		rows = append(rows, []string{
			s.Source,
			dir,
			strconv.Itoa(s.Written),
			strconv.Itoa(s.Skipped),
			strconv.Itoa(s.Failed()),
		})
	}
	footer := []string{
		"Total", "",
		strconv.Itoa(report.Written()),
		strconv.Itoa(skipped),
		strconv.Itoa(report.Failed()),
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Series", "Directory", "Written", "Skipped", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
		footer,
	))
	fmt.Fprintf(w, "Study: %s (%s)\n", report.StudyDir, report.Elapsed.Round(time.Millisecond))
}
