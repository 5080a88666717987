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
	"github.com/spf13/cobra"
)

var (
	configPath  string
	confirmNote string

	rootCmd = &cobra.Command{
		Use:   "kairos",
		Short: "Unattended repair engine for a local codebase",
		Long: `Kairos watches a workspace, finds issues with local and remote AI
providers, plans and applies guarded changes, and rolls back anything
that fails verification.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: scheduler, auto-repair loop, and status dashboard",
		RunE:  runDaemon,
	}

	cycleCmd = &cobra.Command{
		Use:   "cycle",
		Short: "Run a single repair cycle and exit",
		RunE:  runSingleCycle,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the running daemon's status",
		RunE:  runStatus,
	}

	confirmCmd = &cobra.Command{
		Use:   "confirm",
		Short: "Review changes served by the fallback provider",
	}

	confirmListCmd = &cobra.Command{
		Use:   "list",
		Short: "List changes awaiting confirmation",
		RunE:  runConfirmList,
	}

	confirmApproveCmd = &cobra.Command{
		Use:   "approve <item-id>",
		Short: "Confirm a fallback-served change",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfirmApprove,
	}

	confirmRejectCmd = &cobra.Command{
		Use:   "reject <item-id>",
		Short: "Reject a fallback-served change",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfirmReject,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kairos.yaml",
		"path to the engine configuration file")

	confirmRejectCmd.Flags().StringVar(&confirmNote, "note", "", "reviewer note recorded on the item")
	confirmApproveCmd.Flags().StringVar(&confirmNote, "note", "", "reviewer note recorded on the item")

	confirmCmd.AddCommand(confirmListCmd, confirmApproveCmd, confirmRejectCmd)
	rootCmd.AddCommand(runCmd, cycleCmd, statusCmd, confirmCmd)
}
