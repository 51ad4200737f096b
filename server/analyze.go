package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/san-kum/parking-traffic-cv/server/analytics"
	"github.com/san-kum/parking-traffic-cv/server/heatmap"
	"github.com/san-kum/parking-traffic-cv/server/impact"
	"github.com/san-kum/parking-traffic-cv/server/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type analyzeFlags struct {
	input           string
	smoothingWindow int
	entranceBias    float64
	emissionFactor  float64
	artifacts       bool
	pretty          bool
}

type impactReport struct {
	Emergency     models.EmergencyImpact     `json:"emergency"`
	Accessibility models.AccessibilityImpact `json:"accessibility"`
	Climate       models.ClimateImpact       `json:"climate"`
}

type analyzeReport struct {
	Analysis *models.AnalysisResult `json:"analysis"`
	Impact   impactReport           `json:"impact"`
}

func analyzeCommand(opts *rootOptions) *cobra.Command {
	flags := &analyzeFlags{}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a detection batch from a JSON file and print the result",
		Example: `  parking-traffic-cv analyze --input counts.json
  cat counts.json | parking-traffic-cv analyze --input - --smoothing-window 9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatch(cmd.InOrStdin(), flags.input)
			if err != nil {
				return err
			}

			report, err := runOffline(cmd, opts, flags, batch)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if flags.pretty {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVarP(&flags.input, "input", "i", "", "frame batch JSON file, or - for stdin")
	cmd.Flags().IntVar(&flags.smoothingWindow, "smoothing-window", 0, "override the moving average window")
	cmd.Flags().Float64Var(&flags.entranceBias, "entrance-bias", 0, "accessibility entrance bias")
	cmd.Flags().Float64Var(&flags.emissionFactor, "emission-factor", 0, "kg CO2 per idling minute (0 keeps the configured value)")
	cmd.Flags().BoolVar(&flags.artifacts, "artifacts", false, "write heatmap and timeline artifacts")
	cmd.Flags().BoolVar(&flags.pretty, "pretty", true, "indent the JSON output")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runOffline(cmd *cobra.Command, opts *rootOptions, flags *analyzeFlags, batch *models.FrameBatch) (*analyzeReport, error) {
	var exporter heatmap.Exporter = heatmap.NopExporter{}
	if flags.artifacts {
		var err error
		exporter, err = heatmap.NewExporter(opts.cfg.Artifacts.Renderer, opts.cfg.Artifacts.OutputsDir, opts.logger)
		if err != nil {
			return nil, err
		}
	}

	analyzer := analytics.NewAnalyzer(analyzerConfig(opts.cfg.Analysis), exporter, opts.logger)
	result, err := analyzer.Run(cmd.Context(), batch, analytics.RunOptions{
		SmoothingWindow: flags.smoothingWindow,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}
	result.RunID = uuid.NewString()

	opts.logger.Debug("Offline analysis completed",
		zap.String("run_id", result.RunID),
		zap.Int("frames", len(result.Frames)))

	engine := impact.NewEngine(impactConfig(opts.cfg.Analysis))
	return &analyzeReport{
		Analysis: result,
		Impact: impactReport{
			Emergency:     engine.Emergency(result),
			Accessibility: engine.Accessibility(result, flags.entranceBias),
			Climate:       engine.Climate(result, flags.emissionFactor),
		},
	}, nil
}

func readBatch(stdin io.Reader, input string) (*models.FrameBatch, error) {
	var r io.Reader
	switch input {
	case "":
		return nil, fmt.Errorf("--input is required")
	case "-":
		r = stdin
	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var batch models.FrameBatch
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode frame batch: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&batch); err != nil {
		return nil, fmt.Errorf("invalid frame batch: %w", err)
	}
	return &batch, nil
}
