/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package knock implements the sequenced TCP/UDP port-knock engine: one-shot
// target resolution, per-attempt execution with timeouts, retry with backoff,
// and concurrency-bounded, delay-paced dispatch across the port sequence.
package knock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/carverauto/knockseq/pkg/logger"
	"github.com/carverauto/knockseq/pkg/models"
)

// runState tracks where a run is in its lifecycle. Transitions are linear:
//
//	idle -> resolving -> dispatching -> draining -> done
//
// A resolution failure short-circuits straight to done.
type runState string

const (
	stateIdle        runState = "idle"
	stateResolving   runState = "resolving"
	stateDispatching runState = "dispatching"
	stateDraining    runState = "draining"
	stateDone        runState = "done"
)

// Scheduler drives one knock run: it resolves the target once, walks the
// configured sequence in order, paces dispatches by delay plus jitter, bounds
// in-flight knocks with a semaphore and reports outcomes in sequence order.
type Scheduler struct {
	cfg      *models.Config
	payload  []byte
	knocker  Knocker
	resolver *Resolver
	policy   RetryPolicy
	sem      *semaphore.Weighted
	logger   logger.Logger

	mu     sync.Mutex
	state  runState
	cancel context.CancelFunc
}

// NewScheduler validates cfg and builds a scheduler. A nil knocker selects
// the real network executor; tests inject their own.
func NewScheduler(cfg *models.Config, knocker Knocker, log logger.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	payload, err := cfg.PayloadBytes()
	if err != nil {
		return nil, err
	}

	if knocker == nil {
		knocker = NewExecutor(log)
	}

	return &Scheduler{
		cfg:      cfg,
		payload:  payload,
		knocker:  knocker,
		resolver: NewResolver(log),
		policy: RetryPolicy{
			MaxRetries: cfg.Retries,
			Backoff:    time.Duration(cfg.Backoff),
		},
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: log,
		state:  stateIdle,
	}, nil
}

type sequencedOutcome struct {
	seq     int
	outcome models.Outcome
}

// Run executes the knock sequence and returns exactly one outcome per
// configured port, in sequence order, regardless of completion interleaving.
// On cancellation the remaining positions are filled with cancelled outcomes
// and the context error is returned alongside them.
func (s *Scheduler) Run(ctx context.Context) ([]models.Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	runLog := s.logger.With().
		Str("run_id", uuid.NewString()).
		Str("host", s.cfg.Host).
		Logger()

	s.setState(stateResolving)

	target, err := s.resolver.Resolve(runCtx, s.cfg.Host, s.cfg.Family)
	if err != nil {
		s.setState(stateDone)
		return nil, err
	}

	runLog.Info().
		Str("ip", target.IP.String()).
		Str("protocol", string(s.cfg.Protocol)).
		Int("ports", len(s.cfg.Sequence)).
		Int("concurrency", s.cfg.Concurrency).
		Msg("starting knock sequence")

	n := len(s.cfg.Sequence)
	results := make(chan sequencedOutcome, n)

	var wg sync.WaitGroup

	s.setState(stateDispatching)

dispatch:
	for i, port := range s.cfg.Sequence {
		if i > 0 {
			if !s.pace(runCtx) {
				break dispatch
			}
		}

		if err := s.sem.Acquire(runCtx, 1); err != nil {
			break dispatch
		}

		spec := models.KnockSpec{
			Target:   target,
			Port:     port,
			Seq:      i,
			Protocol: s.cfg.Protocol,
			Timeout:  time.Duration(s.cfg.Timeout),
		}
		if spec.Protocol == models.ProtoUDP {
			spec.Payload = s.payload
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer s.sem.Release(1)

			results <- sequencedOutcome{
				seq:     spec.Seq,
				outcome: s.policy.Run(runCtx, s.knocker, spec),
			}
		}()
	}

	s.setState(stateDraining)
	wg.Wait()
	close(results)

	outcomes := make([]models.Outcome, n)
	have := make([]bool, n)

	for r := range results {
		// One slot per sequence position; a duplicate write for a slot
		// keeps the later-dispatched unit's result.
		outcomes[r.seq] = r.outcome
		have[r.seq] = true
	}

	for i, port := range s.cfg.Sequence {
		if !have[i] {
			outcomes[i] = models.Outcome{
				Port:     port,
				Seq:      i,
				Protocol: s.cfg.Protocol,
				Kind:     models.KindCancelled,
				Err:      runCtx.Err(),
			}
		}
	}

	s.setState(stateDone)

	for _, o := range outcomes {
		evt := runLog.Info()
		if !o.Kind.OK() {
			evt = runLog.Warn()
		}

		evt.Int("seq", o.Seq).
			Uint16("port", o.Port).
			Str("kind", string(o.Kind)).
			Int("attempts", o.Attempts).
			Dur("elapsed", o.Elapsed).
			Msg("knock outcome")
	}

	return outcomes, runCtx.Err()
}

// pace waits the inter-knock delay plus a random jitter in [0, Jitter]
// since the previous dispatch. Returns false if the run was cancelled.
func (s *Scheduler) pace(ctx context.Context) bool {
	wait := time.Duration(s.cfg.Delay)
	if s.cfg.Jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
	}

	if wait <= 0 {
		return ctx.Err() == nil
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// Stop cancels the in-flight run, if any. Safe to call multiple times and
// from any goroutine; all waiting points observe the same cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// State reports the current run state.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return string(s.state)
}

func (s *Scheduler) setState(next runState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}
