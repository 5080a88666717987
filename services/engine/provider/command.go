// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// commandBackend runs a local CLI tool per request, feeding the prompt
// on stdin and reading the completion from stdout.
//
// # Thread Safety
//
// Each call spawns its own process; the backend itself holds no mutable
// state after construction.
type commandBackend struct {
	command     string
	args        []string
	gracePeriod time.Duration
	providerID  string
	logger      *logging.Logger
}

// NewCommandProvider builds a Provider backed by a subprocess.
//
// On context expiry the process receives SIGTERM first; if it has not
// exited after the grace period it is killed. This keeps a wedged tool
// from pinning the pipeline while still letting well-behaved tools
// flush partial work.
func NewCommandProvider(name, command string, args []string, timeout time.Duration, logger *logging.Logger) Provider {
	if logger == nil {
		logger = logging.Default()
	}
	b := &commandBackend{
		command:     command,
		args:        args,
		gracePeriod: 10 * time.Second,
		providerID:  name,
		logger:      logger.With("provider", name),
	}
	return newClient(b, timeout, logger)
}

func (c *commandBackend) name() string { return c.providerID }

func (c *commandBackend) complete(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Two-stage termination: graceful signal on cancellation, force
	// kill only after the grace period expires.
	cmd.Cancel = func() error {
		c.logger.Warn("sending SIGTERM to provider command", "command", c.command)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.gracePeriod

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command provider %s: %w", c.providerID, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		c.logger.Error("provider command failed",
			"command", c.command,
			"duration", time.Since(start).String(),
			"error", msg)
		return "", fmt.Errorf("command provider %s failed: %s", c.providerID, msg)
	}

	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("command provider %s produced no output", c.providerID)
	}
	return out, nil
}

func (c *commandBackend) available(ctx context.Context) bool {
	_, err := exec.LookPath(c.command)
	return err == nil
}
