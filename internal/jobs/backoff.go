// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobs

import (
	"math/rand"
	"time"

	"github.com/loomcrm/syncd/internal/models"
)

// RetryPolicy controls how failed jobs are rescheduled.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy matches the service defaults; individual jobs can
// carry their own max_attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Base:        30 * time.Second,
	Cap:         30 * time.Minute,
	Jitter:      10 * time.Second,
}

// Delay returns the backoff before the next attempt, given the number of
// attempts already made: base * 2^attempts, capped, plus random jitter.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Next decides where a failing job goes: back to queued with a backoff
// delay, or terminal error. attempts is the count before this failure;
// the job requeues only while the incremented count stays below
// maxAttempts, so the maxAttempts-th failure is final.
func (p RetryPolicy) Next(attempts, maxAttempts int, retryable bool) (models.JobStatus, time.Duration) {
	if retryable && attempts+1 < maxAttempts {
		return models.StatusQueued, p.Delay(attempts)
	}
	return models.StatusError, 0
}
