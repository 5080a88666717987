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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/config"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/track"
)

// openQueues opens the confirmation queue and change tracker directly.
// The stores are single-writer; run confirm commands while the daemon
// is stopped.
func openQueues() (*track.ConfirmationQueue, *track.Tracker, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "cli"})
	queue := track.NewConfirmationQueue(cfg.ExpandedStateDir(), logger)
	tracker := track.NewTracker(cfg.ExpandedStateDir(), queue, logger)
	return queue, tracker, nil
}

func runConfirmList(cmd *cobra.Command, args []string) error {
	queue, tracker, err := openQueues()
	if err != nil {
		return err
	}
	pending, err := queue.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no changes awaiting confirmation")
		return nil
	}

	for _, item := range pending {
		fmt.Printf("%s  priority=%d  %s\n", item.ID, item.Priority, item.Summary)
		change, err := tracker.Get(item.ChangeID)
		if err != nil {
			continue
		}
		fmt.Printf("    change=%s phase=%s op=%s fallback=%s\n",
			change.ID, change.Phase, change.Operation, change.Fallback)
		if len(change.Files) > 0 {
			fmt.Printf("    files=%s\n", strings.Join(change.Files, ", "))
		}
	}
	return nil
}

func runConfirmApprove(cmd *cobra.Command, args []string) error {
	return decideConfirmation(args[0], track.ConfirmationConfirmed, "approved")
}

func runConfirmReject(cmd *cobra.Command, args []string) error {
	return decideConfirmation(args[0], track.ConfirmationRejected, "rejected")
}

func decideConfirmation(itemID string, status track.ConfirmationStatus, result string) error {
	queue, tracker, err := openQueues()
	if err != nil {
		return err
	}

	items, err := queue.All()
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID != itemID {
			continue
		}
		if err := queue.SetStatus(itemID, status, confirmNote); err != nil {
			return err
		}
		if err := tracker.MarkReviewed(item.ChangeID, result); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", itemID, result)
		return nil
	}
	return fmt.Errorf("no confirmation item %s", itemID)
}
