package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rdmawq/internal/config"
	"github.com/yuuki/rdmawq/internal/journal"
	"github.com/yuuki/rdmawq/internal/rdma"
	"github.com/yuuki/rdmawq/internal/telemetry"
	"github.com/yuuki/rdmawq/internal/workload"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("wqsim", pflag.ExitOnError)
	config.SetupFlags(flagSet)

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Handle version flag
	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("rdmawq simulator v0.1.0")
		os.Exit(0)
	}

	// Handle create-config flag
	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Simulator failed")
	}
}

func initLogging(level string) {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func run(ctx context.Context, cfg *config.Config) error {
	var observers rdma.MultiObserver

	if cfg.MetricsEnabled {
		metrics, err := telemetry.NewMetrics(ctx, cfg.DeviceName, cfg.OtelCollectorAddr)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to shut down metrics")
			}
		}()
		observers = append(observers, metrics)
		log.Info().Str("collector", cfg.OtelCollectorAddr).Msg("OpenTelemetry metrics enabled")
	}

	if cfg.JournalURI != "" {
		j, err := journal.Open(cfg.JournalURI)
		if err != nil {
			return fmt.Errorf("failed to open flush journal: %w", err)
		}
		j.Start()
		defer j.Close()
		observers = append(observers, j)
	}

	gen, _ := rdma.ParseGeneration(cfg.Generation)
	dev, err := rdma.NewDevice(rdma.DeviceConfig{
		Name:         cfg.DeviceName,
		Generation:   gen,
		MaxQP:        cfg.MaxQP,
		UserDoorbell: cfg.UserDoorbell,
		Observer:     observers,
	})
	if err != nil {
		return err
	}

	cqDepth := 2 * (cfg.SQDepth + cfg.RQDepth)
	sendCQ, err := dev.CreateCQ(cqDepth)
	if err != nil {
		return err
	}
	recvCQ, err := dev.CreateCQ(cqDepth)
	if err != nil {
		return err
	}
	qp, err := dev.CreateQP(rdma.QPInitAttr{
		SendCQ:   sendCQ,
		RecvCQ:   recvCQ,
		SQDepth:  uint16(cfg.SQDepth),
		RQDepth:  uint16(cfg.RQDepth),
		SigAll:   cfg.SigAll,
		OnChipSQ: cfg.SQOnChip,
	})
	if err != nil {
		return err
	}
	defer dev.DestroyQP(qp.QPN())

	generator, err := workload.New(dev, qp, sendCQ, recvCQ, workload.Config{
		Rate:       cfg.WorkloadRate,
		Batch:      cfg.WorkloadBatch,
		Count:      cfg.WorkloadCount,
		ErrorAfter: cfg.WorkloadErrorAfter,
	})
	if err != nil {
		return err
	}

	report, err := generator.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	ev := log.Info().
		Str("device", cfg.DeviceName).
		Str("generation", gen.String()).
		Int("posted", report.Posted).
		Int("rejected", report.Rejected).
		Int("recvPosted", report.RecvPosted).
		Int("qpsFlushed", report.QPsFlushed).
		Dur("elapsed", report.Elapsed)
	for status, n := range report.Completions {
		ev = ev.Int(status.String(), n)
	}
	ev.Msg("Simulation complete")
	return nil
}
