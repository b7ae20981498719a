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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ProEngine/services/engine"
)

func echo(calls *[]string) answerFunc {
	return func(ctx context.Context, text string) (string, error) {
		*calls = append(*calls, text)
		return "re: " + text, nil
	}
}

func TestChatLoop_StopsOnExit(t *testing.T) {
	var calls []string
	var out bytes.Buffer
	in := strings.NewReader("hello\n\n  there  \nQUIT\nnever read\n")

	require.NoError(t, chatLoop(context.Background(), in, &out, true, echo(&calls)))
	assert.Equal(t, []string{"hello", "there"}, calls)
	assert.Equal(t, "> re: hello\n> > re: there\n> ", out.String())
}

func TestChatLoop_EOF(t *testing.T) {
	var calls []string
	var out bytes.Buffer

	require.NoError(t, chatLoop(context.Background(), strings.NewReader("one"), &out, false, echo(&calls)))
	assert.Equal(t, []string{"one"}, calls)
	assert.Equal(t, "re: one\n", out.String(), "no prompt when stdin is not a terminal")
}

func TestChatLoop_PropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	answer := func(ctx context.Context, text string) (string, error) {
		return "", ctx.Err()
	}

	err := chatLoop(ctx, strings.NewReader("hi\n"), &bytes.Buffer{}, false, answer)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "proengine "+engine.ServiceVersion+"\n", out.String())
}
