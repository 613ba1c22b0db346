// Package main provides a CLI for purging archived event images.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eli-pipeline/internal/config"
	"eli-pipeline/internal/ingest"
	"eli-pipeline/internal/logging"
	"eli-pipeline/internal/sidechannel"
	"eli-pipeline/internal/startup"
	"eli-pipeline/internal/storage/s3"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "purge":
		os.Exit(runPurgeCmd(os.Args[2:]))
	case "auto":
		os.Exit(runAutoCmd(os.Args[2:]))
	case "check":
		os.Exit(runCheckCmd())
	case "-version", "--version", "-v":
		fmt.Printf("eli-purge %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: eli-purge <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  purge  Delete images older than -days, scanning -max-batches pages from -cursor\n")
	fmt.Fprintf(os.Stderr, "  auto   Repeat purge rounds until done or -max-time elapses\n")
	fmt.Fprintf(os.Stderr, "  check  Run startup diagnostics\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runPurgeCmd(args []string) int {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	days := fs.Int("days", 7, "Delete images last modified more than this many days ago")
	dryRun := fs.Bool("dry-run", false, "List candidates without deleting")
	maxBatches := fs.Int("max-batches", 2, "Listing pages of 100 keys to scan")
	cursor := fs.String("cursor", "", "Continue from the cursor printed by a previous run")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archiver, err := openArchiver(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return runPurge(ctx, archiver, s3.PurgeOptions{
		Days:       *days,
		DryRun:     *dryRun,
		MaxBatches: *maxBatches,
		Cursor:     *cursor,
	}, os.Stdout)
}

func runAutoCmd(args []string) int {
	fs := flag.NewFlagSet("auto", flag.ExitOnError)
	days := fs.Int("days", 7, "Delete images last modified more than this many days ago")
	maxTime := fs.Duration("max-time", 240*time.Second, "Time budget for the run")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archiver, err := openArchiver(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return runAuto(ctx, archiver, *days, *maxTime, os.Stdout)
}

func runCheckCmd() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	startup.PrintBanner(startup.ServicePurge, version)
	d := startup.NewDiagnostics(cfg, startup.ServicePurge, slog.Default())
	d.RunAll(context.Background())
	if d.HasErrors() {
		return 1
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openArchiver(ctx context.Context) (*s3.Archiver, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Archive.Enabled {
		return nil, errors.New("image archive is not enabled")
	}

	logger := slog.Default()
	client, err := s3.NewClient(ctx, cfg.Archive, logger)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	// Background retention never triggers here: the CLI does not upload.
	return s3.NewArchiver(client, cfg.Archive, sidechannel.New(cfg.SideChannel, logger), logger), nil
}

func runPurge(ctx context.Context, p ingest.Purger, opts s3.PurgeOptions, out io.Writer) int {
	res, err := p.Purge(ctx, opts)
	if err != nil {
		fmt.Fprintf(out, "Purge failed: %v\n", err)
		return 1
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Would delete %d image(s) older than %d day(s)\n", res.Total, opts.Days)
		for _, key := range res.Sample {
			fmt.Fprintf(out, "  %s\n", key)
		}
	} else {
		fmt.Fprintf(out, "Deleted %d of %d image(s) older than %d day(s)\n", res.Deleted, res.Total, opts.Days)
	}
	if res.HasMore {
		fmt.Fprintf(out, "More images remain; continue with -cursor %q or use 'eli-purge auto'\n", res.Cursor)
	}
	return 0
}

func runAuto(ctx context.Context, p ingest.Purger, days int, maxTime time.Duration, out io.Writer) int {
	enc := json.NewEncoder(out)
	res, err := p.AutoPurge(ctx, days, maxTime, func(pr s3.PurgeProgress) {
		enc.Encode(pr)
	})
	if err != nil {
		fmt.Fprintf(out, "Auto-purge failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "Deleted %d image(s) in %d round(s), %ds elapsed, completed=%t\n",
		res.TotalDeleted, res.BatchesRun, res.TimeElapsed, res.Completed)
	return 0
}
