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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ProEngine/pkg/validation"
)

// answerFunc answers one line of chat.
type answerFunc func(ctx context.Context, text string) (string, error)

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, "proengine-chat", runtimeOptions{quiet: !verbose})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()
	if err := rt.eng.Start(ctx); err != nil {
		return err
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Fprintln(cmd.OutOrStdout(), "ProEngine chat. Type 'exit' or 'quit' to leave.")
	}
	err = chatLoop(ctx, os.Stdin, cmd.OutOrStdout(), interactive, rt.eng.OnMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// chatLoop reads lines from in and writes one reply per line to out until
// "exit", "quit", EOF or cancellation. Blank lines are ignored.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, prompt bool, answer answerFunc) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), validation.MaxTextBytes+1)
	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			if prompt {
				fmt.Fprintln(out)
			}
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := answer(ctx, line)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply)
	}
}
