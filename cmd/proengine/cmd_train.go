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
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// defaultDataset is trained when no path is given.
const defaultDataset = "lines01.txt"

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, "proengine-train", runtimeOptions{})
	if err != nil {
		return err
	}

	path := filepath.Join(rt.cfg.Engine.DatasetsDir, defaultDataset)
	if len(args) == 1 {
		path = args[0]
	}

	trainErr := func() error {
		if err := rt.eng.Restore(ctx); err != nil {
			return err
		}
		report, err := rt.eng.TrainFile(ctx, path)
		if err != nil {
			return fmt.Errorf("train %s: %w", path, err)
		}
		if len(report.Skipped) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "skipped %s: missing or empty\n", path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "trained %s: %d sequences, %d new words\n",
			path, report.Sequences, report.NewWords)
		return nil
	}()
	return errors.Join(trainErr, rt.Close(context.Background()))
}
