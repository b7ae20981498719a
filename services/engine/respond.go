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
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/ProEngine/pkg/validation"
	"github.com/AleutianAI/ProEngine/services/engine/cache"
	"github.com/AleutianAI/ProEngine/services/engine/embedding"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/forecast"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
	"github.com/AleutianAI/ProEngine/services/engine/model"
	"github.com/AleutianAI/ProEngine/services/engine/store"
	"github.com/AleutianAI/ProEngine/services/engine/supervisor"
	"github.com/AleutianAI/ProEngine/services/engine/telemetry"
)

// Respond answers one message as a foreground task.
//
// # Description
//
// The task takes the per-key respond lock, so a duplicate Respond for a key
// still in flight waits and then returns the reply the first one committed
// instead of writing again. On a miss it stores the message, retrieves
// related stored messages (no locks), runs a deadline-bounded forecast as a
// CPU sub-task, composes the reply, persists it, trains the model under the
// embedding-table lock and caches the reply record.
//
// # Inputs
//
//   - ctx: Caller cancellation. Cancelling ctx cancels the task.
//   - req: The message. An empty Key gets a generated one.
//
// # Outputs
//
//   - RespondResult: The reply and how it was produced.
//   - error: ValidationError, ErrClosed, lock errors, TransientIOError after
//     retries, or the task's deadline/cancellation error.
//
// # Example
//
//	res, err := eng.Respond(ctx, engine.RespondRequest{Key: "chat:42:7", Text: "hello"})
func (e *Engine) Respond(ctx context.Context, req RespondRequest) (RespondResult, error) {
	start := time.Now()
	res, err := e.submitRespond(ctx, req)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = errs.Kind(err)
	case res.Deduplicated:
		outcome = "deduplicated"
	}
	e.metrics.ObserveRespond(time.Since(start), outcome)
	if e.instruments != nil {
		e.instruments.Replies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return res, err
}

func (e *Engine) submitRespond(ctx context.Context, req RespondRequest) (RespondResult, error) {
	if err := validation.Struct(req); err != nil {
		return RespondResult{}, errs.Invalid("request", err.Error())
	}
	if e.isClosed() {
		return RespondResult{}, ErrClosed
	}
	if req.Key == "" {
		req.Key = uuid.NewString()
	}

	out := make(chan RespondResult, 1)
	h, err := e.sup.Submit(supervisor.KindForeground, "respond", func(ctx context.Context) error {
		res, err := e.respond(ctx, req)
		if err != nil {
			return err
		}
		select {
		case out <- res:
		default:
		}
		return nil
	}, time.Now().Add(e.cfg.RespondTimeout), supervisor.WithParent(ctx))
	if err != nil {
		if errors.Is(err, supervisor.ErrShutdown) {
			return RespondResult{}, ErrClosed
		}
		return RespondResult{}, err
	}

	if _, err := h.Wait(ctx); err != nil {
		return RespondResult{Key: req.Key, TaskID: h.ID()}, err
	}
	select {
	case res := <-out:
		res.TaskID = h.ID()
		return res, nil
	default:
		return RespondResult{Key: req.Key, TaskID: h.ID()}, ErrNoReply
	}
}

// OnMessage answers text for the chat bridge. Internal errors are logged
// and answered with Apology; only ctx errors are returned.
func (e *Engine) OnMessage(ctx context.Context, text string) (string, error) {
	return e.onMessage(ctx, "", text)
}

func (e *Engine) onMessage(ctx context.Context, key, text string) (string, error) {
	res, err := e.Respond(ctx, RespondRequest{Key: key, Text: text})
	if err == nil {
		return res.Reply, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	e.logger.Error("message processing failed",
		slog.String("key", res.Key),
		slog.String("task_id", res.TaskID),
		slog.String("kind", errs.Kind(err)),
		slog.String("error", err.Error()),
	)
	return Apology, nil
}

// respond is the body of a Respond task.
func (e *Engine) respond(ctx context.Context, req RespondRequest) (RespondResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEngine, "engine.respond")
	defer span.End()

	res := RespondResult{Key: req.Key}
	keyLock, err := e.locks.AcquireFor(ctx, "respond:"+req.Key, e.cfg.KeyLockTimeout)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, err
	}
	defer keyLock.Release()

	replyKey := prefixReply + req.Key
	rec, hit, err := e.replies.GetOrLoad(ctx, replyKey, func(ctx context.Context) (store.Record, error) {
		return e.store.Read(ctx, replyKey)
	})
	switch {
	case err == nil:
		res.Reply = rec.Text()
		res.Version = rec.Version
		res.Deduplicated = true
		res.CacheHit = hit
		res.Metrics = e.model.Measure(model.Tokenize(res.Reply))
		span.SetAttributes(attribute.Bool("deduplicated", true))
		telemetry.SetSpanOK(span)
		return res, nil
	case !errors.Is(err, store.ErrNotFound):
		telemetry.RecordError(span, err)
		return res, err
	}

	words := model.Words(req.Text)
	lower := model.Lower(words)
	msgKey := prefixMessage + req.Key
	msgVec, _ := e.table.Embed(lower)
	if _, err := e.store.Write(ctx, msgKey, []byte(req.Text),
		store.WithTag(store.TagMessage),
		store.WithVector(msgVec),
	); err != nil {
		telemetry.RecordError(span, err)
		return res, err
	}

	related, err := e.retrieve(ctx, lower, msgKey)
	if err != nil {
		if ctx.Err() != nil {
			return res, err
		}
		e.logger.Warn("context retrieval failed", slog.String("key", req.Key), slog.String("error", err.Error()))
	}
	res.Context = related
	contextWords := model.Words(strings.Join(related, " "))

	var forecastWords []string
	if !e.cfg.DisableForecast && len(lower) > 0 {
		fr, err := e.forecast(ctx, lower)
		switch {
		case err == nil:
			res.Forecast = &fr
			forecastWords = fr.Path
		case ctx.Err() != nil:
			return res, err
		default:
			e.logger.Warn("forecast failed", slog.String("key", req.Key), slog.String("error", err.Error()))
		}
	}

	candidates := make([]string, 0, len(words)+len(contextWords)+len(forecastWords))
	candidates = append(candidates, words...)
	candidates = append(candidates, contextWords...)
	candidates = append(candidates, forecastWords...)
	reply := e.model.ComposeReply(e.model.ChargedWords(candidates))
	replyWords := model.Tokenize(reply)
	res.Metrics = e.model.Measure(append(append([]string(nil), lower...), model.Lower(contextWords)...))

	replyVec, _ := e.table.Embed(replyWords)
	rec, err = e.store.Write(ctx, replyKey, []byte(reply),
		store.WithTag(store.TagResponse),
		store.WithVector(replyVec),
	)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, err
	}
	res.Reply = reply
	res.Version = rec.Version

	err = e.withTable(ctx, func(h *lock.Handle) error {
		if _, err := e.model.Train(h, lower); err != nil {
			return err
		}
		_, err := e.model.Train(h, replyWords)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return res, err
	}
	e.modelDirty.Store(true)

	if err := e.replies.Put(ctx, replyKey, rec, false); err != nil {
		if !errors.Is(err, cache.ErrCacheFull) {
			return res, err
		}
		e.logger.Debug("reply not cached", slog.String("key", replyKey), slog.String("error", err.Error()))
	}

	e.logger.Info("message answered",
		slog.String("key", req.Key),
		slog.Int("context", len(related)),
		slog.Float64("entropy", res.Metrics.Entropy),
		slog.Float64("perplexity", res.Metrics.Perplexity),
		slog.Float64("resonance", res.Metrics.Resonance),
	)
	telemetry.SetSpanOK(span)
	return res, nil
}

// forecast runs one bounded expansion as a CPU-pool sub-task of ctx's task.
func (e *Engine) forecast(ctx context.Context, seeds []string) (forecast.Result, error) {
	var (
		mu  sync.Mutex
		out forecast.Result
	)
	_, err := e.sup.Run(ctx, supervisor.KindForeground, "forecast", func(ctx context.Context) error {
		x := forecast.New(e.cfg.Forecast, e.model, e.model, e.locks, forecast.WithLogger(e.logger))
		r, err := x.Expand(ctx, seeds, 0, 0)
		if err != nil {
			return err
		}
		mu.Lock()
		out = r
		mu.Unlock()
		return nil
	}, time.Now().Add(e.cfg.ForecastTimeout),
		supervisor.WithPool(supervisor.PoolCPU),
		supervisor.WithParent(ctx),
		supervisor.WithMaxAttempts(1),
	)
	if err != nil {
		return forecast.Result{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	e.metrics.ForecastFinished(out.State.String())
	if e.instruments != nil {
		e.instruments.ForecastNodes.Record(ctx, int64(out.Nodes),
			metric.WithAttributes(attribute.String("state", out.State.String())))
	}
	return out, nil
}

// retrieve returns up to RetrievalLimit stored messages related to query,
// best first.
//
// Candidates are the RetrievalScan most recent messages and responses plus
// the nearest vectors in the similarity index. A candidate must share at
// least one word with query; its score is the shared word count plus the
// cosine similarity of the two vectors. Ties keep recency order.
func (e *Engine) retrieve(ctx context.Context, query []string, exclude string) ([]string, error) {
	if len(query) == 0 {
		return nil, nil
	}
	qset := make(map[string]struct{}, len(query))
	for _, w := range query {
		qset[w] = struct{}{}
	}
	// One table snapshot scores the whole query; training may publish a
	// newer one meanwhile.
	vectors, _ := e.table.Snapshot()
	qvec := embedding.Compose(vectors, query)

	type scored struct {
		text  string
		score float64
	}
	var hits []scored
	seen := map[string]bool{exclude: true}
	consider := func(rec store.Record) {
		if seen[rec.Key] {
			return
		}
		seen[rec.Key] = true
		words := model.Tokenize(rec.Text())
		overlap := 0
		counted := map[string]bool{}
		for _, w := range words {
			if _, ok := qset[w]; ok && !counted[w] {
				counted[w] = true
				overlap++
			}
		}
		if overlap == 0 {
			return
		}
		score := float64(overlap) + store.Cosine(qvec, embedding.Compose(vectors, words))
		hits = append(hits, scored{text: rec.Text(), score: score})
	}

	conversational := func(r store.Record) bool {
		return r.Tag == store.TagMessage || r.Tag == store.TagResponse
	}
	for rec, err := range e.store.ReadRecent(e.cfg.RetrievalScan, conversational).All(ctx) {
		if err != nil {
			return nil, err
		}
		consider(rec)
	}
	matches, err := e.store.Similar(ctx, qvec, e.cfg.RetrievalLimit)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if conversational(m.Record) {
			consider(m.Record)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > e.cfg.RetrievalLimit {
		hits = hits[:e.cfg.RetrievalLimit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.text
	}
	return out, nil
}
