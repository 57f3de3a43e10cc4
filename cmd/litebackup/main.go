// Command litebackup copies a live SQLite database without stopping its writers.
//
// Usage:
//
//	litebackup -src app.db -dest copy.db
//	litebackup -src app.db -restore copy.db
//	litebackup -src app.db -dir /var/backups/app -min-free 2048 -target-free 4096
//	litebackup -src app.db -s3-bucket backups -s3-region eu-north-1 -s3-prefix app
//
// S3 credentials are read from the usual AWS environment variables and configuration files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TroutSoftware/litebackup"
	"github.com/TroutSoftware/litebackup/snapshot"
)

type config struct {
	verbose bool
	src     string

	dest    string
	restore string
	dir     string

	minFree, targetFree uint64 // MiB

	s3 snapshot.S3Config

	prefix string
	verify bool
	run    litebackup.RunOptions
}

func parseFlags() config {
	var cfg config
	flag.BoolVar(&cfg.verbose, "v", false, "Verbose output")
	flag.StringVar(&cfg.src, "src", "", "Live database (required)")
	flag.StringVar(&cfg.dest, "dest", "", "Copy the database to this file")
	flag.StringVar(&cfg.restore, "restore", "", "Replace the database content with this file")
	flag.StringVar(&cfg.dir, "dir", "", "Save a timestamped snapshot in this directory")
	flag.Uint64Var(&cfg.minFree, "min-free", 0, "With -dir, remove old snapshots when free space drops below this (MiB)")
	flag.Uint64Var(&cfg.targetFree, "target-free", 0, "With -dir, free space to reach when removing old snapshots (MiB)")
	flag.StringVar(&cfg.s3.Bucket, "s3-bucket", "", "Upload a timestamped snapshot to this bucket")
	flag.StringVar(&cfg.s3.Region, "s3-region", os.Getenv("AWS_REGION"), "Bucket region")
	flag.StringVar(&cfg.s3.Prefix, "s3-prefix", "", "Key prefix in the bucket")
	flag.StringVar(&cfg.s3.Endpoint, "s3-endpoint", "", "S3-compatible endpoint, e.g. http://localhost:9000")
	flag.StringVar(&cfg.s3.ACL, "s3-acl", "", "Canned ACL for uploaded snapshots (default private)")
	flag.StringVar(&cfg.prefix, "prefix", "", "Snapshot name prefix")
	flag.BoolVar(&cfg.verify, "verify", false, "Check snapshot integrity before saving it")
	flag.IntVar(&cfg.run.PagesPerStep, "pages", 256, "Pages copied per step (0 copies everything at once)")
	flag.DurationVar(&cfg.run.Pause, "pause", 10*time.Millisecond, "Pause between steps")
	flag.Parse()

	targets := 0
	for _, t := range []string{cfg.dest, cfg.restore, cfg.dir, cfg.s3.Bucket} {
		if t != "" {
			targets++
		}
	}
	if cfg.src == "" || targets != 1 {
		fmt.Fprintln(os.Stderr, "litebackup: -src and exactly one of -dest, -restore, -dir or -s3-bucket are required")
		flag.Usage()
		os.Exit(2)
	}
	return cfg
}

func main() {
	cfg := parseFlags()

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	snapshot.SetLogger(logger)

	// catch ctrl-c
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted, the copy is incomplete")
		} else {
			logger.Error("backup failed", "error", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	if cfg.restore == "" {
		// do not back up an empty database created by the pool
		if _, err := os.Stat(cfg.src); err != nil {
			return err
		}
	}

	pool, err := litebackup.OpenPool(cfg.src)
	if err != nil {
		return err
	}
	defer pool.Close()

	var lastRatio float64
	cfg.run.Progress = func(p litebackup.Progress) {
		// one line every 10%
		if r := p.Ratio(); r-lastRatio >= .1 || p.Remaining == 0 {
			lastRatio = r
			slog.Info("progress", "copied", p.PageCount-p.Remaining, "pages", p.PageCount, "ratio", fmt.Sprintf("%.0f%%", r*100))
		}
	}

	start := time.Now()
	switch {
	case cfg.dest != "":
		if err := litebackup.BackupDB(ctx, pool, cfg.dest, cfg.run); err != nil {
			return err
		}
		slog.Info("database copied", "dest", cfg.dest, "elapsed", time.Since(start))
		return nil

	case cfg.restore != "":
		if err := litebackup.RestoreDB(ctx, pool, cfg.restore, cfg.run); err != nil {
			return err
		}
		slog.Info("database restored", "from", cfg.restore, "elapsed", time.Since(start))
		return nil
	}

	var store snapshot.Store
	if cfg.dir != "" {
		store, err = snapshot.NewLocalStore(snapshot.LocalConfig{
			RootDir:            cfg.dir,
			FreeSpaceThreshold: cfg.minFree << 20,
			TargetFreeSpace:    cfg.targetFree << 20,
		})
	} else {
		store, err = snapshot.NewS3Store(ctx, cfg.s3)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	s := snapshot.Snapshotter{
		Pool:   pool,
		Store:  store,
		Run:    cfg.run,
		Prefix: cfg.prefix,
		Verify: cfg.verify,
	}
	snap, err := s.Take(ctx)
	if err != nil {
		return err
	}
	slog.Info("snapshot taken", "name", snap.Name, "size", snap.Size, "elapsed", time.Since(start))
	return nil
}
