package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/signwatch/classify"
	"github.com/signwatch/config"
	"github.com/signwatch/harvest"
	"github.com/signwatch/reconcile"
	"github.com/signwatch/render"
	"github.com/signwatch/runner"
	"github.com/signwatch/source"
	"github.com/signwatch/stats"
	"github.com/signwatch/store"
)

var rootCmd = &cobra.Command{
	Use:   "signwatch",
	Short: "Verify countersigned PDF replies and reconcile recipient records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)
		logger.Info("starting signwatch", "store", cfg.StorePath, "mailbox", cfg.Mailbox, "dryRun", cfg.DryRun)

		return run(cfg, logger)
	},
}

func main() {
	// Optional .env bootstrap for credentials; a missing file is fine.
	_ = godotenv.Load()

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	var src source.Source
	if cfg.MboxPath != "" {
		src, err = source.OpenMbox(cfg.MboxPath)
	} else {
		src, err = source.OpenIMAP(r.Context(), source.IMAPOptions{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
		}, logger)
	}
	if err != nil {
		return fmt.Errorf("open message channel: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	// Schema negotiation happens once, before the pass, never interleaved
	// with record writes.
	if err := st.Negotiate(r.Context(), store.RecordFields); err != nil {
		return fmt.Errorf("negotiate store schema: %w", err)
	}

	if _, err := source.NewProducer(src, r, logger); err != nil {
		return fmt.Errorf("source.NewProducer: %w", err)
	}

	if _, err := harvest.New(harvest.Options{ExtractedDir: cfg.ExtractedDir}, r, logger); err != nil {
		return fmt.Errorf("harvest.New: %w", err)
	}

	classifier, err := classify.New(cfg.DetectionsDir, logger)
	if err != nil {
		return fmt.Errorf("classify.New: %w", err)
	}

	reconcileOpts := reconcile.Options{
		SignedDir: cfg.SignedDir,
		DryRun:    cfg.DryRun,
	}
	if _, err := reconcile.New(reconcileOpts, st, render.FitzRenderer{}, classifier, r, logger); err != nil {
		return fmt.Errorf("reconcile.New: %w", err)
	}

	return r.Start()
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("signwatch-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
