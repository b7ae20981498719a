// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
)

// Periodic is a running schedule created by Schedule.
type Periodic struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	work     Work
	opts     []SubmitOption

	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Name returns the operation name.
func (p *Periodic) Name() string { return p.name }

// Trigger runs the next tick now instead of waiting. Non-blocking; triggers
// arriving while a tick is pending coalesce.
func (p *Periodic) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the schedule after any in-flight tick and drops the operation's
// backoff state. Idempotent.
func (p *Periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Schedule runs work as a background task every interval until Stop or
// Shutdown.
//
// # Description
//
// Each tick is submitted as its own single-attempt background task with
// deadline now + timeout, so a tick that hits its deadline is recorded as
// failed and never retried on its own. Retries happen across ticks: after a
// failed tick the next one waits the operation's backoff delay instead of
// interval; a completed tick resets the backoff and waits interval again.
//
// # Inputs
//
//   - name: Operation name; also the backoff key.
//   - interval: Wait between successful ticks. Must be positive.
//   - timeout: Deadline for each tick. Must be positive.
//   - work: Tick body.
//   - opts: Passed to Submit for each tick (e.g. WithPool).
func (s *Supervisor) Schedule(name string, interval, timeout time.Duration, work Work, opts ...SubmitOption) (*Periodic, error) {
	if name == "" {
		return nil, errs.Invalid("name", "must not be empty")
	}
	if interval <= 0 {
		return nil, errs.Invalid("interval", "must be positive")
	}
	if timeout <= 0 {
		return nil, errs.Invalid("timeout", "must be positive")
	}
	if work == nil {
		return nil, errs.Invalid("work", "must not be nil")
	}

	p := &Periodic{
		name:     name,
		interval: interval,
		timeout:  timeout,
		work:     work,
		opts:     append(append([]SubmitOption{}, opts...), WithMaxAttempts(1)),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("schedule started",
		slog.String("operation", name),
		slog.Duration("interval", interval),
		slog.Duration("timeout", timeout),
	)
	go s.periodicLoop(p)
	return p, nil
}

func (s *Supervisor) periodicLoop(p *Periodic) {
	defer s.wg.Done()
	defer close(p.done)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-p.stop:
			s.backoff.Forget(p.name)
			return
		case <-timer.C:
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		h, err := s.Submit(KindBackground, p.name, p.work, time.Now().Add(p.timeout), p.opts...)
		if err != nil {
			return
		}
		res, _ := h.Wait(s.rootCtx)
		if s.rootCtx.Err() != nil {
			<-h.Done()
			return
		}

		next := p.interval
		switch res.State {
		case StateCompleted:
			s.backoff.Success(p.name)
		case StateFailed:
			next = s.backoff.Failure(p.name)
			s.logger.Warn("scheduled tick failed",
				slog.String("operation", p.name),
				slog.String("task_id", res.ID),
				slog.Duration("next_in", next),
			)
		}
		timer.Reset(next)
	}
}
