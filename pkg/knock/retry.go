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

package knock

import (
	"context"
	"math/rand"
	"time"

	"github.com/carverauto/knockseq/pkg/models"
)

// RetryPolicy wraps a Knocker with bounded retries and exponential backoff.
// MaxRetries counts extra attempts beyond the first; zero means a single
// attempt and no waits.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// Run executes up to MaxRetries+1 attempts for one spec and returns the
// final outcome: the first success, a cancellation, or the last failure.
// Between failed attempts it waits Backoff * 2^(attempt-1), capped, plus a random
// jitter in [0, Backoff); the wait races the context, and cancellation
// during backoff aborts retrying immediately.
func (p RetryPolicy) Run(ctx context.Context, k Knocker, spec models.KnockSpec) models.Outcome {
	start := time.Now()

	var last models.AttemptResult

	attempts := 0

	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		// The backoff select below can resolve toward the timer even when
		// the context is already done; never start an attempt after that.
		if err := ctx.Err(); err != nil {
			last.Kind = models.KindCancelled
			last.Err = err

			break
		}

		last = k.Knock(ctx, spec)
		last.Attempt = attempt
		attempts = attempt

		if last.Kind.OK() || last.Kind == models.KindCancelled {
			break
		}

		if attempt > p.MaxRetries {
			break
		}

		wait := p.backoffWait(attempt)
		if p.Backoff > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Backoff)))
		}

		select {
		case <-ctx.Done():
			last.Kind = models.KindCancelled
			last.Err = ctx.Err()
		case <-time.After(wait):
			continue
		}

		break
	}

	return models.Outcome{
		Port:     spec.Port,
		Seq:      spec.Seq,
		Protocol: spec.Protocol,
		Attempts: attempts,
		Kind:     last.Kind,
		Response: last.Response,
		Err:      last.Err,
		Elapsed:  time.Since(start),
	}
}

// maxBackoffWait bounds the exponential growth so large retry counts cannot
// overflow the duration arithmetic; capped waits stay non-decreasing.
const maxBackoffWait = time.Hour

// backoffWait returns the base wait before the attempt after this one:
// Backoff doubled per completed attempt, capped at maxBackoffWait.
func (p RetryPolicy) backoffWait(attempt int) time.Duration {
	wait := p.Backoff

	for i := 1; i < attempt; i++ {
		if wait >= maxBackoffWait {
			return maxBackoffWait
		}

		wait *= 2
	}

	if wait > maxBackoffWait {
		return maxBackoffWait
	}

	return wait
}
