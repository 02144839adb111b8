package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dunamismax/cinerender/internal/artifact"
	"github.com/dunamismax/cinerender/internal/bootstrap"
	"github.com/dunamismax/cinerender/internal/config"
	"github.com/dunamismax/cinerender/internal/encode"
	"github.com/dunamismax/cinerender/internal/id"
	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/resample"
)

var renderCmd = &cobra.Command{
	Use:   "render [prompt]",
	Short: "Run one render locally and write the artifact to a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().StringP("prompt", "p", "", "Scene description (or pass it as the argument)")
	renderCmd.Flags().String("negative-prompt", "", "Override the default negative prompt")
	renderCmd.Flags().StringP("name", "n", "render", "Stem of the suggested filename")
	renderCmd.Flags().StringP("out", "o", ".", "Output directory")
	renderCmd.Flags().Int("width", 0, "Target width (default from config)")
	renderCmd.Flags().Int("height", 0, "Target height (default from config)")
	renderCmd.Flags().StringP("quality", "q", "", "Resample quality: nearest, low, medium, high")
	renderCmd.Flags().StringP("format", "f", "", "Output format: jpeg, png")
	renderCmd.Flags().Float64("encode-quality", 0, "Lossy encode quality in (0, 1]")
	renderCmd.Flags().String("producer", "", "Base-image producer: gradient, http")
	renderCmd.Flags().String("producer-url", "", "Base URL of the txt2img server")
	renderCmd.Flags().Bool("verbose", false, "Log pipeline internals")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	prompt, _ := flags.GetString("prompt")
	if len(args) == 1 {
		prompt = args[0]
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return errors.New("a prompt is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if v, _ := flags.GetString("producer"); v != "" {
		cfg.Producer.Kind = v
	}
	if v, _ := flags.GetString("producer-url"); v != "" {
		cfg.Producer.BaseURL = v
	}

	logger := zap.NewNop()
	if verbose, _ := flags.GetBool("verbose"); verbose {
		if logger, err = bootstrap.Logger(config.LogConfig{Level: "debug", Format: "console"}); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	if err := pipeline.Startup(); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	producer, err := bootstrap.Producer(cfg.Producer)
	if err != nil {
		return err
	}
	stages, err := bootstrap.Stages(cfg.Render)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	controller, err := pipeline.NewController(producer, stages,
		pipeline.WithLogger(logger),
		pipeline.WithObserver(func(snap pipeline.Snapshot) {
			fmt.Fprintln(out, snap.Status)
		}),
	)
	if err != nil {
		return err
	}

	opts := bootstrap.RenderDefaults(cfg.Render, cfg.Producer)
	opts.Name, _ = flags.GetString("name")
	opts.NegativePrompt, _ = flags.GetString("negative-prompt")
	width, _ := flags.GetInt("width")
	height, _ := flags.GetInt("height")
	if width > 0 || height > 0 {
		if width <= 0 || height <= 0 {
			return errors.New("--width and --height must be given together")
		}
		opts.TargetWidth, opts.TargetHeight = width, height
	}
	if v, _ := flags.GetString("quality"); v != "" {
		opts.ResampleQuality = resample.Quality(v)
	}
	if v, _ := flags.GetString("format"); v != "" {
		opts.EncodeFormat = encode.Format(v)
	}
	if v, _ := flags.GetFloat64("encode-quality"); v != 0 {
		opts.EncodeQuality = v
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := controller.Run(ctx, prompt, opts)
	if err != nil {
		return err
	}
	<-run.Done()
	snap := run.Snapshot()
	switch snap.Stage {
	case pipeline.StageFailed:
		return snap.Err
	case pipeline.StageCancelled:
		return context.Canceled
	}

	dir, _ := flags.GetString("out")
	sink, err := artifact.NewLocal(dir)
	if err != nil {
		return err
	}
	stored, err := sink.Save(context.WithoutCancel(ctx), id.New(), *snap.Result)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s (%dx%d, %d bytes, swatch %s)\n",
		sink.Path(stored.Key), stored.Width, stored.Height, stored.Bytes, stored.Swatch)
	return nil
}
