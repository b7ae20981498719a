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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ProEngine/services/engine"
)

var (
	configPath string
	ephemeral  bool
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "proengine",
		Short: "A self-training conversational engine with supervised background work",
		Long: `ProEngine answers messages from a word-association model that it keeps
training from conversations and dataset files. Respond, tuning, dataset
ingestion and chat polling all run as supervised tasks.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance schedules",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with the engine in the terminal",
		RunE:  runChat, // Defined in cmd_chat.go
	}

	trainCmd = &cobra.Command{
		Use:   "train [dataset]",
		Short: "Train on one dataset file and persist the model",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTrain, // Defined in cmd_train.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "proengine %s\n", engine.ServiceVersion)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default $PROENGINE_CONFIG or ~/.proengine/proengine.yaml)")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false,
		"Keep all state in memory; nothing is persisted")
	chatCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr while chatting")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(versionCmd)
}
