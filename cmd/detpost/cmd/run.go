package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/detpost/internal/batchio"
	"github.com/MeKo-Tech/detpost/internal/detector"
	"github.com/MeKo-Tech/detpost/internal/metrics"
	"github.com/MeKo-Tech/detpost/internal/pipeline"
)

// runCmd runs the configured head over the batches of a fixture file.
var runCmd = &cobra.Command{
	Use:   "run <fixture.yaml>",
	Short: "Run post-processing on a YAML fixture and print the result as JSON",
	Long: `Run decodes every batch of a YAML fixture file, runs the configured head
over them and prints one JSON object per batch with the boxes and per-box
fields of every image. The JSON is a debug view of the in-memory result.

Training mode (--train) needs ground truth for the rpn head; it is read from
the fixture or replaced with --targets.`,
	Args: cobra.ExactArgs(1),
	RunE: runFixture,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("head", "", "detection head (rpn, fcos); overrides the configuration")
	runCmd.Flags().Bool("train", false, "run in training mode")
	runCmd.Flags().String("targets", "", "YAML file with per-image ground-truth boxes")
	runCmd.Flags().Int("workers", 0, "maximum concurrent levels and batches (0 keeps the configuration)")
	runCmd.Flags().Bool("progress", false, "draw a progress bar on stderr")
	runCmd.Flags().Bool("print-metrics", false, "print the recorded metrics to stderr")
}

func runFixture(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	cases, err := batchio.LoadFile(args[0])
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("targets"); path != "" {
		targets, err := batchio.LoadTargets(path)
		if err != nil {
			return err
		}
		for i := range cases {
			if err := batchio.ApplyTargets(&cases[i].Batch, targets); err != nil {
				return fmt.Errorf("%s: %w", cases[i].Name, err)
			}
		}
	}

	mode, err := cfg.ParsedMode()
	if err != nil {
		return err
	}
	if train, _ := cmd.Flags().GetBool("train"); train {
		mode = detector.ModeTrain
	}

	reg := prometheus.NewRegistry()
	opts := []pipeline.Option{pipeline.WithRecorder(metrics.NewRecorder(reg))}
	if progress, _ := cmd.Flags().GetBool("progress"); progress {
		opts = append(opts, pipeline.WithProgress(pipeline.MultiProgressCallback{
			pipeline.NewConsoleProgressCallback(cmd.ErrOrStderr(), "detpost: "),
			pipeline.NewLogProgressCallback(slog.Default(), slog.LevelDebug),
		}))
	}

	p, err := pipeline.New(*cfg, opts...)
	if err != nil {
		return err
	}

	batches := make([]detector.Batch, len(cases))
	for i, c := range cases {
		batches[i] = c.Batch
	}
	slog.Debug("Running fixture", "path", args[0], "head", p.Head(), "mode", mode, "batches", len(batches))

	results, err := p.ForwardBatches(cmd.Context(), mode, batches)
	if err != nil {
		return err
	}

	out := make([]batchio.ResultJSON, len(results))
	for i, res := range results {
		out[i] = batchio.FromResult(cases[i].Name, res)
	}
	if err := batchio.WriteJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}

	if printMetrics, _ := cmd.Flags().GetBool("print-metrics"); printMetrics {
		families, err := reg.Gather()
		if err != nil {
			return fmt.Errorf("failed to gather metrics: %w", err)
		}
		return writeMetrics(cmd.ErrOrStderr(), families)
	}
	return nil
}

// writeMetrics prints the gathered families in the Prometheus text format.
func writeMetrics(w io.Writer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
