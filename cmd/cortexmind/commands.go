package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cortexmind/internal/models"
	"cortexmind/pkg/cohort"
	"cortexmind/pkg/config"
	"cortexmind/pkg/lut"
	"cortexmind/pkg/metrics"
	"cortexmind/pkg/pipeline"
	"cortexmind/pkg/similarity"
)

// errNothingWritten is returned by run --strict when no subject produced output
var errNothingWritten = errors.New("no subject produced a similarity matrix")

// options holds the persistent flags. File values are only overridden by
// flags the user actually set.
type options struct {
	configPath  string
	subjectsDir string
	imagesDir   string
	outputDir   string
	lutFile     string
	manifest    string
	metricsFile string
	workers     int
	minVoxels   int
	absTol      float64
	relTol      float64
	seed        uint64
	noResample  bool
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "cortexmind",
		Short: "Build per-subject cortical similarity networks from MRI volumes",
		Long: `cortexmind estimates a MIND similarity network for every subject of a
FreeSurfer cohort. Voxel values of a morphometric volume are grouped by the
cortical regions of the subject's parcellation, and each pair of regions is
scored by the symmetric divergence of their value distributions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.subjectsDir, "subjects-dir", "", "FreeSurfer subjects directory")
	f.StringVar(&opts.imagesDir, "images-dir", "", "directory holding the morphometric volumes")
	f.StringVar(&opts.outputDir, "output-dir", "", "directory receiving the similarity matrices")
	f.StringVar(&opts.lutFile, "lut", "", "FreeSurfer colour lookup table")
	f.StringVar(&opts.manifest, "manifest", "", "file listing subject ids, one per line")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write run metrics in Prometheus text format")
	f.IntVarP(&opts.workers, "workers", "j", 0, "subjects processed concurrently (0 or less: all cores)")
	f.IntVar(&opts.minVoxels, "min-voxels", 0, "smallest region kept in a distribution")
	f.Float64Var(&opts.absTol, "atol", 0, "absolute tolerance when matching voxel labels")
	f.Float64Var(&opts.relTol, "rtol", 0, "relative tolerance when matching voxel labels")
	f.Uint64Var(&opts.seed, "seed", 0, "seed for distribution resampling")
	f.BoolVar(&opts.noResample, "no-resample", false, "compare full distributions without resampling")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(opts),
		newSubjectCmd(opts),
		newRegionsCmd(opts),
		newVerifyCmd(opts),
		newInitConfigCmd(),
	)
	return root
}

// load builds the configuration from the file and the flags set on cmd
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("subjects-dir", func() { cfg.Paths.SubjectsDir = o.subjectsDir })
	set("images-dir", func() { cfg.Paths.ImagesDir = o.imagesDir })
	set("output-dir", func() { cfg.Paths.OutputDir = o.outputDir })
	set("lut", func() { cfg.Paths.LUTFile = o.lutFile })
	set("manifest", func() { cfg.Paths.Manifest = o.manifest })
	set("metrics-file", func() { cfg.Output.MetricsFile = o.metricsFile })
	set("workers", func() { cfg.Processing.NumWorkers = o.workers })
	set("min-voxels", func() { cfg.Processing.MinVoxels = o.minVoxels })
	set("atol", func() { cfg.Processing.LabelAbsTol = o.absTol })
	set("rtol", func() { cfg.Processing.LabelRelTol = o.relTol })
	set("seed", func() { cfg.Processing.Seed = o.seed })
	set("no-resample", func() { cfg.Processing.Resample = !o.noResample })
	set("verbose", func() { cfg.Output.Verbose = o.verbose })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// session is what every subject-level command needs
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	table  *lut.Table
}

func (o *options) session(cmd *cobra.Command) (*session, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Output.Verbose)

	table := lut.Parse(cfg.Paths.LUTFile, lut.Options{Marker: cfg.Processing.CorticalMarker}, logger)

	return &session{cfg: cfg, logger: logger, table: table}, nil
}

// newPipeline builds a subject pipeline logging to logger
func (s *session) newPipeline(logger *slog.Logger) *pipeline.Pipeline {
	return pipeline.New(s.cfg, s.table, similarity.NewMIND(), pipeline.WithLogger(logger))
}

func newRunCmd(opts *options) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute similarity matrices for the whole cohort",
		Long: `Compute a similarity matrix for every subject of the cohort.

Subjects are discovered from the subjects directory, or read from the
manifest when one is given. A subject with missing inputs or no usable
regions is skipped and reported; it never stops the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.session(cmd)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			logger := s.logger.With(slog.String("run_id", runID))
			recorder := metrics.NewRecorder(runID)

			var discoverer cohort.Discoverer = cohort.DirectoryDiscoverer{Root: s.cfg.Paths.SubjectsDir}
			if s.cfg.Paths.Manifest != "" {
				discoverer = cohort.ManifestDiscoverer{Path: s.cfg.Paths.Manifest}
			}

			o := &cohort.Orchestrator{
				Discoverer: discoverer,
				Processor:  s.newPipeline(logger),
				OutputDir:  s.cfg.Paths.OutputDir,
				Workers:    s.cfg.Workers(),
				Recorder:   recorder,
				Logger:     logger,
			}
			summary, err := o.Run(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)

			if path := s.cfg.Output.MetricsFile; path != "" {
				if err := recorder.WriteTextfile(path); err != nil {
					return err
				}
				logger.Info("metrics written", slog.String("path", path))
			}

			if strict && summary.Written() == 0 {
				return errNothingWritten
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error when no subject is written")
	return cmd
}

func printSummary(w io.Writer, s *cohort.Summary) {
	fmt.Fprintf(w, "Processed %d subjects in %.2f seconds\n", len(s.Results), s.Duration.Seconds())
	fmt.Fprintf(w, "Written: %d\n", s.Written())

	skipped := s.Skipped()
	for _, state := range pipeline.SkipStates {
		ids := skipped[state]
		if len(ids) == 0 {
			continue
		}
		fmt.Fprintf(w, "Skipped (%s): %d\n", state, len(ids))
		for _, id := range ids {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	if len(s.NotStarted) > 0 {
		fmt.Fprintf(w, "Not started (interrupted): %d\n", len(s.NotStarted))
	}
}

func newSubjectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "subject <id>",
		Short: "Compute the similarity matrix of a single subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.session(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(s.cfg.Paths.OutputDir, 0755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}

			res := s.newPipeline(s.logger).Process(cmd.Context(), models.SubjectID(args[0]))
			if !res.Written() {
				return fmt.Errorf("subject %s skipped (%s): %w", res.Subject, res.Reason(), res.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d regions to %s\n", res.Regions, res.Path)
			return nil
		},
	}
}

func newRegionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "regions <id>",
		Short: "List the cortical regions found in a subject's parcellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.session(cmd)
			if err != nil {
				return err
			}
			regions, err := s.newPipeline(s.logger).Inspect(models.SubjectID(args[0]))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "LABEL\tNAME\tVOXELS\tKEPT\tMEAN\tSTD")
			for _, r := range regions {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%.4g\t%.4g\n", r.Label, r.Name, r.Voxels, r.Kept, r.Mean, r.StdDev)
			}
			return tw.Flush()
		},
	}
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the similarity matrices in the output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			checks, err := cohort.VerifyOutputs(cfg.Paths.OutputDir, cfg.Layout.Output)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bad := 0
			for _, c := range checks {
				if c.Err != nil {
					bad++
					fmt.Fprintf(out, "FAIL %s: %v\n", c.Path, c.Err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%d regions)\n", c.Path, c.Regions)
			}
			fmt.Fprintf(out, "%d files checked, %d invalid\n", len(checks), bad)
			if bad > 0 {
				return fmt.Errorf("%d invalid output files", bad)
			}
			return nil
		},
	}
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a configuration file with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	}
}
