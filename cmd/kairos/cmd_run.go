// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/pkg/ux"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/config"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/cycle"
)

// buildEngine loads config and assembles the engine with its logger.
func buildEngine() (*engine.Engine, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:    parseLevel(cfg.Logging.Level),
		LogDir:   filepath.Join(cfg.ExpandedStateDir(), "logs"),
		Service:  "engine",
		JSON:     cfg.Logging.JSON,
		RingSize: cfg.Logging.RingSize,
	})

	e, err := engine.New(cfg, logger)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return e, logger, nil
}

func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes, stopWatch, err := config.Watch(configPath)
	if err != nil {
		return fmt.Errorf("watching config: %w", err)
	}
	defer stopWatch()

	// The engine restarts on config changes; only a signal ends the loop.
	for {
		e, logger, err := buildEngine()
		if err != nil {
			return err
		}

		// Loading may have just written the default config file; that
		// write is not a reason to restart.
		select {
		case <-changes:
		default:
		}

		if err := e.Start(ctx); err != nil {
			logger.Close()
			return fmt.Errorf("starting engine: %w", err)
		}

		reload := false
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case <-changes:
			logger.Info("config change detected, restarting engine", "path", configPath)
			reload = true
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		stopErr := e.Stop(shutdownCtx)
		cancel()
		logger.Close()

		if !reload {
			return stopErr
		}
		if stopErr != nil {
			return stopErr
		}
	}
}

func runSingleCycle(cmd *cobra.Command, args []string) error {
	e, logger, err := buildEngine()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cc *cycle.CycleContext
	runErr := ux.WithSpinner(os.Stderr, "running repair cycle", func() error {
		var err error
		cc, err = e.RunCycleOnce(ctx)
		return err
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		logger.Warn("engine stop failed", "error", err.Error())
	}

	if cc != nil {
		fmt.Printf("cycle %s: issues=%d changes=%d ai_calls=%d rolled_back=%v\n",
			cc.CycleID, len(cc.Issues), cc.AppliedCount(), cc.AICalls, cc.RolledBack)
	}
	return runErr
}
