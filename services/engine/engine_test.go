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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ProEngine/services/engine/bridge"
	"github.com/AleutianAI/ProEngine/services/engine/embedding"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/snapshot"
	kv "github.com/AleutianAI/ProEngine/services/engine/storage/badger"
	"github.com/AleutianAI/ProEngine/services/engine/supervisor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatasetsDir = filepath.Join(t.TempDir(), "datasets")
	require.NoError(t, os.MkdirAll(cfg.DatasetsDir, 0750))
	cfg.Supervisor.BackoffFloor = 5 * time.Millisecond
	cfg.Supervisor.BackoffCeiling = 20 * time.Millisecond
	return cfg
}

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(kv.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestEngine(t *testing.T, cfg Config, db *kv.DB, opts ...Option) *Engine {
	t.Helper()
	if db == nil {
		db = openTestDB(t)
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	e, err := New(cfg, db, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

// inTask runs fn as a background task so it carries a lock holder.
func inTask(t *testing.T, e *Engine, fn supervisor.Work) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.Supervisor().Run(ctx, supervisor.KindBackground, "test", fn,
		time.Now().Add(10*time.Second), supervisor.WithMaxAttempts(1))
	return err
}

func writeDataset(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, errs.ErrValidation)

	cfg := DefaultConfig()
	cfg.Forecast.MaxDepth = 100
	_, err = New(cfg, openTestDB(t))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestEngine_RespondEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	res, err := e.Respond(ctx, RespondRequest{Key: "chat:1", Text: "Hello world, hello engine"})
	require.NoError(t, err)

	assert.Equal(t, "chat:1", res.Key)
	assert.NotEmpty(t, res.TaskID)
	assert.False(t, res.Deduplicated)
	assert.False(t, res.CacheHit)
	assert.True(t, strings.HasSuffix(res.Reply, "."), res.Reply)
	assert.Equal(t, uint64(1), res.Version)
	require.NotNil(t, res.Forecast)
	assert.LessOrEqual(t, res.Forecast.Depth, e.cfg.Forecast.MaxDepth)
	assert.GreaterOrEqual(t, e.replies.Stats().Misses, int64(1), "first lookup misses the cache")

	rec, err := e.Store().Read(ctx, "reply/chat:1")
	require.NoError(t, err)
	assert.Equal(t, res.Reply, rec.Text())
	msg, err := e.Store().Read(ctx, "msg/chat:1")
	require.NoError(t, err)
	assert.Equal(t, "Hello world, hello engine", msg.Text())

	again, err := e.Respond(ctx, RespondRequest{Key: "chat:1", Text: "ignored"})
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.True(t, again.CacheHit)
	assert.Equal(t, res.Reply, again.Reply)

	rec, err = e.Store().Read(ctx, "reply/chat:1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version, "a duplicate never rewrites the reply")

	assert.Equal(t, 0, e.Locks().Held(), "no residual locks")
	assert.Positive(t, e.model.Vocabulary(), "the exchange trains the model")
}

func TestEngine_ConcurrentDuplicateDoesNotDoubleWrite(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]RespondResult, callers)
	errList := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errList[i] = e.Respond(ctx, RespondRequest{Key: "dup", Text: "one message, many deliveries"})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range callers {
		require.NoError(t, errList[i])
		assert.Equal(t, results[0].Reply, results[i].Reply)
		if !results[i].Deduplicated {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller produces the reply")

	rec, err := e.Store().Read(ctx, "reply/dup")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	msg, err := e.Store().Read(ctx, "msg/dup")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Version)
}

func TestEngine_RespondValidation(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	_, err := e.Respond(ctx, RespondRequest{Key: "../escape", Text: "hi"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = e.Respond(ctx, RespondRequest{Text: strings.Repeat("x", 33*1024)})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestEngine_EmptyMessage(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)

	res, err := e.Respond(context.Background(), RespondRequest{Text: "   ...   "})
	require.NoError(t, err)
	assert.Equal(t, "Silence echoes within void.", res.Reply)
	assert.Nil(t, res.Forecast, "nothing to forecast from")
	assert.NotEmpty(t, res.Key, "a key is generated")
}

func TestEngine_RetrievalUsesStoredMessages(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	_, err := e.Respond(ctx, RespondRequest{Key: "a", Text: "the cat sat"})
	require.NoError(t, err)
	_, err = e.Respond(ctx, RespondRequest{Key: "b", Text: "unrelated words entirely"})
	require.NoError(t, err)

	res, err := e.Respond(ctx, RespondRequest{Key: "c", Text: "where is the cat"})
	require.NoError(t, err)
	assert.Contains(t, res.Context, "the cat sat")
	assert.NotContains(t, res.Context, "unrelated words entirely")
	assert.NotContains(t, res.Context, "where is the cat", "the message itself is excluded")
	assert.LessOrEqual(t, len(res.Context), e.cfg.RetrievalLimit)
}

func TestEngine_RecordVectorsFollowTheTable(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()
	zero := make([]float32, embedding.Dims)

	_, err := e.Respond(ctx, RespondRequest{Key: "first", Text: "zebra crossing"})
	require.NoError(t, err)
	vec, err := e.Store().Vector(ctx, "msg/first")
	require.NoError(t, err)
	assert.Equal(t, zero, vec, "words unknown when the message was stored have no vector")

	_, err = e.Respond(ctx, RespondRequest{Key: "second", Text: "zebra"})
	require.NoError(t, err)
	vec, err = e.Store().Vector(ctx, "msg/second")
	require.NoError(t, err)
	assert.NotEqual(t, zero, vec, "training on the first message published its words")

	h, err := e.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.Vocabulary, h.Embeddings)
	assert.Positive(t, h.TableVersion)
}

func TestEngine_OnMessageApologizes(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	reply, err := e.OnMessage(ctx, "good morning")
	require.NoError(t, err)
	assert.NotEqual(t, Apology, reply)

	require.NoError(t, e.Close(ctx))
	reply, err = e.OnMessage(ctx, "anyone there")
	require.NoError(t, err)
	assert.Equal(t, Apology, reply, "internal errors never leak to the chat")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.OnMessage(cancelled, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_EnqueueDatasetEventBackpressure(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatasetQueue = 2
	e := newTestEngine(t, cfg, nil)

	require.NoError(t, e.EnqueueDatasetEvent("a.txt"))
	require.NoError(t, e.EnqueueDatasetEvent("b.txt"))

	err := e.EnqueueDatasetEvent("c.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrBackpressureDrop)
	var drop *errs.BackpressureDrop
	require.True(t, errors.As(err, &drop))
	assert.Equal(t, "datasets", drop.Queue)
	assert.Equal(t, 2, drop.Capacity)
	assert.Equal(t, "c.txt", drop.Item)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().BackpressureDrops.WithLabelValues("datasets")))

	assert.ErrorIs(t, e.EnqueueDatasetEvent(""), errs.ErrValidation)
}

func TestEngine_TuneTrainsChangedDatasets(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, nil)
	path := writeDataset(t, cfg.DatasetsDir, "lines01.txt", "the cat sat\nthe dog ran\n\n")
	writeDataset(t, cfg.DatasetsDir, "empty.txt", "  \n")

	var report TuneReport
	require.NoError(t, inTask(t, e, func(ctx context.Context) error {
		var err error
		report, err = e.Tune(ctx)
		return err
	}))
	assert.Equal(t, []string{"lines01.txt"}, report.Files)
	assert.Equal(t, []string{"empty.txt"}, report.Skipped)
	assert.Equal(t, 2, report.Sequences)
	assert.Equal(t, 5, report.NewWords)
	assert.Equal(t, 5, e.model.Vocabulary())

	_, err := e.Store().Read(context.Background(), keyModelState)
	require.NoError(t, err, "model state persisted")
	_, err = e.Store().Read(context.Background(), keyManifest)
	require.NoError(t, err, "manifest persisted")

	require.NoError(t, inTask(t, e, func(ctx context.Context) error {
		var err error
		report, err = e.Tune(ctx)
		return err
	}))
	assert.Empty(t, report.Files, "unchanged datasets are not retrained")

	require.NoError(t, os.WriteFile(path, []byte("a bird flew\n"), 0640))
	require.NoError(t, inTask(t, e, func(ctx context.Context) error {
		var err error
		report, err = e.Tune(ctx)
		return err
	}))
	assert.Equal(t, []string{"lines01.txt"}, report.Files)
	assert.Equal(t, 8, e.model.Vocabulary())
}

func TestEngine_DrainTriggersTuning(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, nil)
	path := writeDataset(t, cfg.DatasetsDir, "lines01.txt", "rivers run to the sea\n")

	require.NoError(t, inTask(t, e, e.drainDatasets))
	assert.Zero(t, e.model.Vocabulary(), "nothing queued, nothing tuned")

	require.NoError(t, e.EnqueueDatasetEvent(path))
	require.NoError(t, inTask(t, e, e.drainDatasets))
	assert.Equal(t, 5, e.model.Vocabulary())
}

func TestEngine_TrainFile(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, nil)
	path := writeDataset(t, t.TempDir(), "extra.txt", "one two three\nfour five\n")

	report, err := e.TrainFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sequences)
	assert.Equal(t, 5, e.model.Vocabulary())

	report, err = e.TrainFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	require.NoError(t, err, "a missing dataset is a logged skip")
	assert.Len(t, report.Skipped, 1)
}

func TestEngine_RestoreAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	sink, err := snapshot.NewFileSink(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := New(cfg, db, WithLogger(quietLogger()), WithSnapshotSink(sink))
	require.NoError(t, err)
	res, err := first.Respond(ctx, RespondRequest{Key: "warm", Text: "remember this reply"})
	require.NoError(t, err)
	vocab := first.model.Vocabulary()
	require.NoError(t, first.Close(ctx))

	second := newTestEngine(t, cfg, db, WithSnapshotSink(sink))
	require.NoError(t, second.Start(ctx))

	assert.Equal(t, vocab, second.model.Vocabulary(), "model state restored")
	assert.Equal(t, 1, second.replies.Len(), "cache rewarmed from the snapshot")

	again, err := second.Respond(ctx, RespondRequest{Key: "warm", Text: "remember this reply"})
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.True(t, again.CacheHit)
	assert.Equal(t, res.Reply, again.Reply)
}

// -----------------------------------------------------------------------------
// Chat bridge
// -----------------------------------------------------------------------------

type fakeBridge struct {
	mu       sync.Mutex
	inbox    []bridge.Message
	sent     []string
	failSend int
}

func (b *fakeBridge) Poll(ctx context.Context) ([]bridge.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.inbox
	b.inbox = nil
	return msgs, nil
}

func (b *fakeBridge) Send(ctx context.Context, chatID int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSend > 0 {
		b.failSend--
		return errs.Transient("telegram sendMessage", errors.New("502 bad gateway"))
	}
	b.sent = append(b.sent, text)
	return nil
}

func (b *fakeBridge) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func TestEngine_PollBridgeQueuesUndeliveredReplies(t *testing.T) {
	fb := &fakeBridge{
		inbox:    []bridge.Message{{UpdateID: 10, ChatID: 7, Text: "hello bridge"}},
		failSend: 1,
	}
	e := newTestEngine(t, testConfig(t), nil, WithBridge(fb))
	ctx := context.Background()

	err := e.pollBridge(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err), "send failures feed the poll backoff")
	assert.Equal(t, 1, e.outboxLen())
	assert.Zero(t, fb.sentCount())

	_, err = e.Store().Read(ctx, "reply/tg/7/10")
	require.NoError(t, err, "the reply was committed before delivery failed")

	require.NoError(t, e.pollBridge(ctx))
	assert.Zero(t, e.outboxLen())
	assert.Equal(t, 1, fb.sentCount())
}

// cancellingBridge ends the tick right after handing out its messages.
type cancellingBridge struct {
	*fakeBridge
	cancel context.CancelFunc
}

func (b *cancellingBridge) Poll(ctx context.Context) ([]bridge.Message, error) {
	msgs, err := b.fakeBridge.Poll(ctx)
	b.cancel()
	return msgs, err
}

func TestEngine_PollBridgeCarriesUnansweredMessages(t *testing.T) {
	fb := &fakeBridge{inbox: []bridge.Message{
		{UpdateID: 1, ChatID: 9, Text: "first question"},
		{UpdateID: 2, ChatID: 9, Text: "second question"},
	}}
	tickCtx, cancel := context.WithCancel(context.Background())
	e := newTestEngine(t, testConfig(t), nil, WithBridge(&cancellingBridge{fakeBridge: fb, cancel: cancel}))

	err := e.pollBridge(tickCtx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, e.inboxLen(), "polled messages outlive the tick")
	assert.Zero(t, fb.sentCount())

	ctx := context.Background()
	require.NoError(t, e.pollBridge(ctx))
	assert.Zero(t, e.inboxLen())
	assert.Equal(t, 2, fb.sentCount())
	for _, key := range []string{"reply/tg/9/1", "reply/tg/9/2"} {
		_, err := e.Store().Read(ctx, key)
		assert.NoError(t, err, key)
	}
}

func TestEngine_InboxDropsOldestWhenFull(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)

	msgs := make([]bridge.Message, inboxCapacity+1)
	for i := range msgs {
		msgs[i] = bridge.Message{UpdateID: int64(i), ChatID: 1, Text: "hi"}
	}
	e.requeueInbox(msgs)

	assert.Equal(t, inboxCapacity, e.inboxLen())
	assert.EqualValues(t, 1, e.takeInbox()[0].UpdateID)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().BackpressureDrops.WithLabelValues("inbox")))
}

func TestEngine_StartPollsBridge(t *testing.T) {
	cfg := testConfig(t)
	cfg.BridgePollInterval = 5 * time.Millisecond
	fb := &fakeBridge{inbox: []bridge.Message{{UpdateID: 1, ChatID: 3, Text: "are you there"}}}
	e := newTestEngine(t, cfg, nil, WithBridge(fb))

	require.NoError(t, e.Start(context.Background()))
	assert.Eventually(t, func() bool { return fb.sentCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
	assert.ErrorIs(t, e.Start(ctx), ErrClosed)
}
