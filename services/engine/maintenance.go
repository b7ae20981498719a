// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/ProEngine/services/engine/bridge"
	"github.com/AleutianAI/ProEngine/services/engine/dataset"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
	"github.com/AleutianAI/ProEngine/services/engine/model"
	"github.com/AleutianAI/ProEngine/services/engine/store"
	"github.com/AleutianAI/ProEngine/services/engine/supervisor"
)

// trainChunk is how many lines are trained per embedding-table lock hold.
const trainChunk = 256

// =============================================================================
// Dataset events
// =============================================================================

// EnqueueDatasetEvent queues a changed dataset path for the next drain.
//
// # Outputs
//
//   - error: *errs.BackpressureDrop when the queue is full; the event is
//     dropped and counted. The next tuning pass still sees the change
//     through the manifest.
func (e *Engine) EnqueueDatasetEvent(path string) error {
	if path == "" {
		return errs.Invalid("path", "must not be empty")
	}
	select {
	case e.datasets <- path:
		return nil
	default:
	}
	e.metrics.BackpressureDrop("datasets")
	e.logger.Warn("dataset event dropped",
		slog.String("path", path),
		slog.Int("capacity", cap(e.datasets)))
	return &errs.BackpressureDrop{Queue: "datasets", Capacity: cap(e.datasets), Item: path}
}

// drainDatasets empties the event queue and requests a tuning pass if
// anything changed.
func (e *Engine) drainDatasets(ctx context.Context) error {
	var paths []string
drain:
	for {
		select {
		case p := <-e.datasets:
			paths = append(paths, p)
		default:
			break drain
		}
	}
	if len(paths) == 0 {
		return nil
	}
	e.logger.Debug("dataset events drained", slog.Int("events", len(paths)))

	if p := e.schedule("tune"); p != nil {
		p.Trigger()
		return nil
	}
	_, err := e.Tune(ctx)
	return err
}

// =============================================================================
// Tuning
// =============================================================================

func (e *Engine) tuneTick(ctx context.Context) error {
	_, err := e.Tune(ctx)
	return err
}

// Tune trains on every dataset file whose content changed since the last
// pass.
//
// # Description
//
// DatasetsDir is scanned into a SHA-256 manifest and diffed against the
// manifest of the last pass. Each changed file is trained line by line,
// holding the embedding-table lock for at most trainChunk lines at a time.
// Missing or empty files are skipped with a warning. Model state and the
// manifest are then persisted; on failure the manifest records only the
// files that were fully trained, so they are not counted twice.
//
// # Inputs
//
//   - ctx: Must carry a lock holder (run Tune inside a supervisor task).
func (e *Engine) Tune(ctx context.Context) (TuneReport, error) {
	e.tuneMu.Lock()
	defer e.tuneMu.Unlock()

	var report TuneReport
	current, err := dataset.Scan(e.cfg.DatasetsDir)
	if err != nil {
		return report, err
	}
	e.mu.Lock()
	prev := e.manifest
	e.mu.Unlock()

	changed, removed := current.Diff(prev)
	if len(changed) == 0 && len(removed) == 0 {
		return report, nil
	}
	report.Removed = removed

	done := maps.Clone(prev)
	if done == nil {
		done = dataset.Manifest{}
	}
	for _, rel := range removed {
		delete(done, rel)
	}

	var trainErr error
	for _, rel := range changed {
		if err := ctx.Err(); err != nil {
			trainErr = err
			break
		}
		seqs, fresh, err := e.trainFile(ctx, filepath.Join(e.cfg.DatasetsDir, filepath.FromSlash(rel)))
		switch {
		case errors.Is(err, dataset.ErrMissing), errors.Is(err, dataset.ErrEmpty):
			e.logger.Warn("dataset skipped", slog.String("dataset", rel), slog.String("reason", err.Error()))
			report.Skipped = append(report.Skipped, rel)
			done[rel] = current[rel]
			continue
		case err != nil:
			trainErr = fmt.Errorf("train %s: %w", rel, err)
		}
		report.Sequences += seqs
		report.NewWords += fresh
		if trainErr != nil {
			break
		}
		report.Files = append(report.Files, rel)
		done[rel] = current[rel]
	}

	if err := e.persistTuning(ctx, done); err != nil {
		return report, errors.Join(trainErr, err)
	}
	if trainErr != nil {
		return report, trainErr
	}

	e.logger.Info("tuning pass complete",
		slog.Int("files", len(report.Files)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("removed", len(report.Removed)),
		slog.Int("sequences", report.Sequences),
		slog.Int("new_words", report.NewWords),
	)
	return report, nil
}

// persistTuning saves model state, then the manifest, and publishes the
// manifest to later passes.
func (e *Engine) persistTuning(ctx context.Context, manifest dataset.Manifest) error {
	// The write must land even if the tick deadline just passed.
	ctx = context.WithoutCancel(ctx)
	if err := e.saveModel(ctx); err != nil {
		e.modelDirty.Store(true)
		return err
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode dataset manifest: %w", err)
	}
	if _, err := e.store.Write(ctx, keyManifest, data, store.WithTag(store.TagState)); err != nil {
		return err
	}
	e.mu.Lock()
	e.manifest = manifest
	e.mu.Unlock()
	return nil
}

// TrainFile trains on one dataset file outside the tuning schedule and
// persists model state. It runs as a background task on the CPU pool.
//
// # Outputs
//
//   - TuneReport: Sequences and new words; Skipped lists path when it is
//     missing or empty.
//   - error: Read, lock or store errors.
func (e *Engine) TrainFile(ctx context.Context, path string) (TuneReport, error) {
	var report TuneReport
	_, err := e.sup.Run(ctx, supervisor.KindBackground, "train", func(ctx context.Context) error {
		e.tuneMu.Lock()
		defer e.tuneMu.Unlock()

		seqs, fresh, err := e.trainFile(ctx, path)
		if errors.Is(err, dataset.ErrMissing) || errors.Is(err, dataset.ErrEmpty) {
			e.logger.Warn("dataset skipped", slog.String("dataset", path), slog.String("reason", err.Error()))
			report.Skipped = []string{path}
			return nil
		}
		if err != nil {
			return err
		}
		report = TuneReport{Files: []string{path}, Sequences: seqs, NewWords: fresh}
		return e.saveModel(ctx)
	}, time.Now().Add(e.cfg.TuneTimeout), supervisor.WithPool(supervisor.PoolCPU), supervisor.WithMaxAttempts(1))
	return report, err
}

// trainFile trains each non-empty line of path as one sequence.
func (e *Engine) trainFile(ctx context.Context, path string) (sequences, fresh int, err error) {
	text, err := dataset.Read(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(text, "\n")
	for start := 0; start < len(lines); start += trainChunk {
		if err := ctx.Err(); err != nil {
			return sequences, fresh, err
		}
		chunk := lines[start:min(start+trainChunk, len(lines))]
		err := e.withTable(ctx, func(h *lock.Handle) error {
			for _, line := range chunk {
				words := model.Tokenize(line)
				if len(words) == 0 {
					continue
				}
				n, err := e.model.Train(h, words)
				if err != nil {
					return err
				}
				sequences++
				fresh += n
			}
			return nil
		})
		if err != nil {
			return sequences, fresh, err
		}
		e.modelDirty.Store(true)
	}
	return sequences, fresh, nil
}

// =============================================================================
// Chat bridge
// =============================================================================

// pollBridge is one bridge-poll tick: flush undelivered replies, answer
// messages left over from an interrupted tick, poll, and answer every new
// message. A failing tick feeds the "bridge-poll" backoff, so the next poll
// waits the backoff delay.
//
// Poll acknowledges messages as it returns them, so messages not answered
// before the tick ends are carried in the inbox to the next tick. Replies
// are keyed by update, so a message answered twice is served from the
// stored reply.
func (e *Engine) pollBridge(ctx context.Context) error {
	if err := e.flushOutbox(ctx); err != nil {
		return err
	}
	if err := e.answerMessages(ctx, e.takeInbox()); err != nil {
		return err
	}
	msgs, err := e.bridge.Poll(ctx)
	if err != nil {
		return err
	}
	return e.answerMessages(ctx, msgs)
}

// answerMessages answers msgs in order. When ctx ends, the message in hand
// and everything after it go back to the inbox.
func (e *Engine) answerMessages(ctx context.Context, msgs []bridge.Message) error {
	var sendErrs []error
	for i, m := range msgs {
		reply, err := e.onMessage(ctx, fmt.Sprintf("tg/%d/%d", m.ChatID, m.UpdateID), m.Text)
		if err != nil {
			e.requeueInbox(msgs[i:])
			return err
		}
		if err := e.bridge.Send(ctx, m.ChatID, reply); err != nil {
			e.enqueueOutbox(outgoing{chatID: m.ChatID, text: reply})
			sendErrs = append(sendErrs, err)
		}
	}
	if len(sendErrs) > 0 {
		return fmt.Errorf("%d replies queued for redelivery: %w", len(sendErrs), errors.Join(sendErrs...))
	}
	return nil
}

// flushOutbox sends queued replies in order, keeping the rest on failure.
func (e *Engine) flushOutbox(ctx context.Context) error {
	e.mu.Lock()
	pending := e.outbox
	e.outbox = nil
	e.mu.Unlock()

	for i, o := range pending {
		if err := e.bridge.Send(ctx, o.chatID, o.text); err != nil {
			e.mu.Lock()
			e.outbox = append(pending[i:len(pending):len(pending)], e.outbox...)
			e.mu.Unlock()
			return err
		}
	}
	return nil
}

// enqueueOutbox queues a reply, dropping the oldest when full.
func (e *Engine) enqueueOutbox(o outgoing) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outbox) >= outboxCapacity {
		e.outbox = e.outbox[1:]
		e.metrics.BackpressureDrop("outbox")
		e.logger.Warn("undelivered reply dropped", slog.Int("capacity", outboxCapacity))
	}
	e.outbox = append(e.outbox, o)
}

// takeInbox empties the inbox.
func (e *Engine) takeInbox() []bridge.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.inbox
	e.inbox = nil
	return msgs
}

// requeueInbox puts unanswered messages ahead of anything queued since,
// dropping the oldest beyond capacity.
func (e *Engine) requeueInbox(msgs []bridge.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	queued := make([]bridge.Message, 0, len(msgs)+len(e.inbox))
	queued = append(append(queued, msgs...), e.inbox...)
	for len(queued) > inboxCapacity {
		m := queued[0]
		queued = queued[1:]
		e.metrics.BackpressureDrop("inbox")
		e.logger.Warn("unanswered chat message dropped",
			slog.Int64("chat_id", m.ChatID),
			slog.Int64("update_id", m.UpdateID),
			slog.Int("capacity", inboxCapacity),
		)
	}
	e.inbox = queued
	e.logger.Info("chat messages carried to next poll", slog.Int("pending", len(queued)))
}

func (e *Engine) inboxLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}

func (e *Engine) outboxLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbox)
}
