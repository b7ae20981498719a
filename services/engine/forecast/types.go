// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forecast

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

// State is the explorer lifecycle state.
type State int

const (
	// StateIdle means no expansion has started.
	StateIdle State = iota

	// StateExpanding means BFS is in progress.
	StateExpanding

	// StateCommitted means the best path was propagated to the scorer.
	StateCommitted

	// StateCancelled means expansion stopped at a node boundary on request.
	StateCancelled

	// StateDepthExhausted means the depth or node budget ran out without a
	// path worth committing.
	StateDepthExhausted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExpanding:
		return "expanding"
	case StateCommitted:
		return "committed"
	case StateCancelled:
		return "cancelled"
	case StateDepthExhausted:
		return "depth_exhausted"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateDepthExhausted; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown explorer state %q", text)
}

// Terminal reports whether s ends an expansion.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateCancelled || s == StateDepthExhausted
}

// Candidate is a scored next token.
type Candidate struct {
	Token       string  `json:"token"`
	Probability float64 `json:"probability"`
}

// Scorer proposes continuations for a token context. Implementations must be
// deterministic for a given model state and return candidates best first.
type Scorer interface {
	Score(context []string) []Candidate
}

// Update is one reinforcement step derived from a visited node.
type Update struct {
	Context []string
	Token   string
	Rate    float64
}

// Feedback applies reinforcement to the prediction subsystem. The handle is
// for the embedding-table resource, which guards model weights.
type Feedback interface {
	Reinforce(h *lock.Handle, updates []Update) error
}

// Node is one forecast tree node.
type Node struct {
	Token string

	// Probability is the cumulative probability from the root.
	Probability float64

	// Novelty is 1 - the node's local probability.
	Novelty float64

	Depth    int
	Parent   *Node
	Children []*Node
}

// Path returns the tokens from the first node below the root down to n.
func (n *Node) Path() []string {
	var rev []string
	for cur := n; cur != nil && cur.Parent != nil; cur = cur.Parent {
		rev = append(rev, cur.Token)
	}
	out := make([]string, len(rev))
	for i, tok := range rev {
		out[len(rev)-1-i] = tok
	}
	return out
}

// Result summarizes one expansion. The tree itself is discarded.
type Result struct {
	State       State    `json:"state"`
	Path        []string `json:"path,omitempty"`
	Probability float64  `json:"probability"`
	Nodes       int      `json:"nodes"`
	Depth       int      `json:"depth"`
}

// Text joins the best path with spaces.
func (r Result) Text() string { return strings.Join(r.Path, " ") }
