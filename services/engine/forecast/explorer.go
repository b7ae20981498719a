// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forecast runs bounded speculative look-ahead over token
// continuations.
//
// # Description
//
// An Explorer expands a tree breadth-first from seed tokens, asking a Scorer
// for the top continuations of each node. Expansion is bounded by depth,
// branching factor and a node budget, and can be cancelled between nodes.
// When the tree is complete the most probable leaf path is committed back to
// the model through Feedback, scaled by each node's novelty. The tree is
// always discarded when Expand returns.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/ProEngine/services/engine/embedding"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

// ErrBusy is returned when Expand is called while another expansion on the
// same explorer is running.
var ErrBusy = errors.New("forecast explorer is already expanding")

// Config bounds an expansion.
type Config struct {
	// MaxDepth is used when Expand is given depth <= 0. Default: 2.
	MaxDepth int `yaml:"max_depth" validate:"gte=0,lte=8"`

	// MaxBranching is used when Expand is given branching <= 0. Default: 3.
	MaxBranching int `yaml:"max_branching" validate:"gte=0,lte=16"`

	// MaxNodes caps the tree size regardless of depth. Default: 64.
	MaxNodes int `yaml:"max_nodes" validate:"gte=0"`

	// CommitThreshold is the minimum cumulative probability of the best path
	// for it to be committed. Default: 0 (always commit a non-empty path).
	CommitThreshold float64 `yaml:"commit_threshold" validate:"gte=0,lte=1"`

	// LearningRate scales novelty into the reinforcement rate. Default: 0.1.
	LearningRate float64 `yaml:"learning_rate" validate:"gte=0"`

	// LockTimeout bounds the wait for the embedding-table lock at commit.
	// Default: 2s.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	if c.MaxBranching <= 0 {
		c.MaxBranching = 3
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 64
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.1
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Second
	}
}

// Option configures an Explorer.
type Option func(*Explorer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Explorer) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBoundaryHook registers fn to run at every node-expansion boundary,
// before the cancellation check. depth is the depth of the node about to be
// expanded and nodes the current tree size.
func WithBoundaryHook(fn func(depth, nodes int)) Option {
	return func(e *Explorer) { e.boundary = fn }
}

// Explorer performs forecast expansions.
//
// # Thread Safety
//
// Cancel, State, NodeCount and BestPath are safe to call from any goroutine
// while Expand runs. Only one Expand runs at a time per Explorer.
type Explorer struct {
	cfg      Config
	scorer   Scorer
	feedback Feedback
	locks    *lock.Manager
	logger   *slog.Logger
	boundary func(depth, nodes int)

	running   atomic.Bool
	cancelled atomic.Bool
	nodes     atomic.Int64
	holderSeq atomic.Uint64

	mu    sync.RWMutex
	state State
	best  *Node
}

// New creates an explorer.
//
// # Inputs
//
//   - cfg: Bounds. Zero fields take defaults.
//   - scorer: Continuation scorer. Must not be nil.
//   - feedback: Reinforcement sink. nil disables commits.
//   - locks: Lock manager guarding embedding.ResourceID.
func New(cfg Config, scorer Scorer, feedback Feedback, locks *lock.Manager, opts ...Option) *Explorer {
	cfg.ApplyDefaults()
	e := &Explorer{
		cfg:      cfg,
		scorer:   scorer,
		feedback: feedback,
		locks:    locks,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "forecast"))
	return e
}

// Expand runs one bounded breadth-first expansion from seeds.
//
// # Description
//
// Cancellation (ctx or Cancel) is observed only at node boundaries; a node
// being scored always finishes. After a complete expansion the best leaf
// path is committed if its probability reaches CommitThreshold, which takes
// the embedding-table lock for the duration of the feedback call only.
//
// # Inputs
//
//   - ctx: Cancellation. The lock holder identity is read from ctx when set.
//   - seeds: Root context tokens.
//   - maxDepth: Depth limit, or <= 0 for Config.MaxDepth.
//   - maxBranching: Children per node, or <= 0 for Config.MaxBranching.
//
// # Outputs
//
//   - Result: Terminal state and the best path found.
//   - error: ErrBusy, ValidationError, or a commit failure. Cancellation is
//     reported through Result.State, not as an error.
func (e *Explorer) Expand(ctx context.Context, seeds []string, maxDepth, maxBranching int) (Result, error) {
	if maxDepth <= 0 {
		maxDepth = e.cfg.MaxDepth
	}
	if maxBranching <= 0 {
		maxBranching = e.cfg.MaxBranching
	}
	if len(seeds) == 0 {
		return Result{State: StateIdle}, errs.Invalid("seeds", "at least one seed token is required")
	}
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer e.running.Store(false)

	e.nodes.Store(1)
	e.setState(StateExpanding, nil)

	root := &Node{Token: seeds[len(seeds)-1], Probability: 1}
	var leaves []*Node
	var deepest int

	queue := []*Node{root}
	budgetHit := false
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		if e.boundary != nil {
			e.boundary(node.Depth, int(e.nodes.Load()))
		}
		if e.cancelled.Load() || ctx.Err() != nil {
			return e.finish(StateCancelled, nil), nil
		}

		if node.Depth >= maxDepth {
			leaves = append(leaves, node)
			continue
		}

		history := append(append([]string(nil), seeds...), node.Path()...)
		candidates := e.scorer.Score(history)
		if len(candidates) > maxBranching {
			candidates = candidates[:maxBranching]
		}
		if len(candidates) == 0 {
			leaves = append(leaves, node)
			continue
		}

		for _, c := range candidates {
			if int(e.nodes.Load()) >= e.cfg.MaxNodes {
				budgetHit = true
				break
			}
			child := &Node{
				Token:       c.Token,
				Probability: node.Probability * c.Probability,
				Novelty:     1 - c.Probability,
				Depth:       node.Depth + 1,
				Parent:      node,
			}
			node.Children = append(node.Children, child)
			e.nodes.Add(1)
			queue = append(queue, child)
			deepest = max(deepest, child.Depth)
			e.offerBest(child)
		}
		if len(node.Children) == 0 {
			leaves = append(leaves, node)
		}
	}

	best := pickBest(leaves)
	if best == nil || best == root || best.Probability < e.cfg.CommitThreshold || e.feedback == nil {
		if budgetHit {
			e.logger.Debug("node budget exhausted", slog.Int("nodes", int(e.nodes.Load())))
		}
		res := e.finish(StateDepthExhausted, best)
		res.Depth = deepest
		return res, nil
	}

	if err := e.commit(ctx, seeds, best); err != nil {
		if ctx.Err() != nil {
			return e.finish(StateCancelled, nil), nil
		}
		res := e.finish(StateDepthExhausted, best)
		res.Depth = deepest
		return res, fmt.Errorf("commit forecast: %w", err)
	}

	res := e.finish(StateCommitted, best)
	res.Depth = deepest
	return res, nil
}

// Cancel stops a running expansion at the next node boundary. A Cancel that
// arrives before Expand starts stops that expansion at its root.
func (e *Explorer) Cancel() {
	e.cancelled.Store(true)
}

// State returns the current state.
func (e *Explorer) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// NodeCount returns the size of the current or last tree.
func (e *Explorer) NodeCount() int {
	return int(e.nodes.Load())
}

// BestPath returns the most probable path seen so far.
func (e *Explorer) BestPath() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.best == nil {
		return nil
	}
	return e.best.Path()
}

// commit reinforces the visited nodes on the chosen path.
func (e *Explorer) commit(ctx context.Context, seeds []string, leaf *Node) error {
	var updates []Update
	tokens := leaf.Path()
	ctxTokens := append([]string(nil), seeds...)
	cur := leaf
	chain := make([]*Node, 0, len(tokens))
	for ; cur != nil && cur.Parent != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		if n.Novelty > 0 {
			updates = append(updates, Update{
				Context: append([]string(nil), ctxTokens...),
				Token:   n.Token,
				Rate:    e.cfg.LearningRate * n.Novelty,
			})
		}
		ctxTokens = append(ctxTokens, n.Token)
	}
	if len(updates) == 0 {
		return nil
	}

	holder, ok := lock.HolderFrom(ctx)
	if !ok {
		holder = fmt.Sprintf("forecast-%d", e.holderSeq.Add(1))
	}
	h, err := e.locks.Acquire(ctx, embedding.ResourceID, holder, e.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer h.Release()

	return e.feedback.Reinforce(h, updates)
}

func (e *Explorer) offerBest(n *Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.best == nil || n.Depth > e.best.Depth ||
		(n.Depth == e.best.Depth && n.Probability > e.best.Probability) {
		e.best = n
	}
}

func (e *Explorer) setState(s State, best *Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	e.best = best
}

// finish records the terminal state and drops the tree.
func (e *Explorer) finish(s State, best *Node) Result {
	res := Result{State: s, Nodes: int(e.nodes.Load())}
	if best != nil && best.Parent != nil {
		res.Path = best.Path()
		res.Probability = best.Probability
	}

	e.mu.Lock()
	e.state = s
	e.best = nil
	e.mu.Unlock()
	e.cancelled.Store(false)

	e.logger.Debug("forecast finished",
		slog.String("state", s.String()),
		slog.Int("nodes", res.Nodes),
		slog.Int("path_len", len(res.Path)))
	return res
}

// pickBest returns the leaf with the highest cumulative probability,
// preferring deeper leaves on ties.
func pickBest(leaves []*Node) *Node {
	var best *Node
	for _, n := range leaves {
		if best == nil || n.Probability > best.Probability ||
			(n.Probability == best.Probability && n.Depth > best.Depth) {
			best = n
		}
	}
	return best
}
