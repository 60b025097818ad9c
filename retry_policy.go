/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package caseflow

import (
	"time"

	"github.com/blnkfinance/caseflow/config"
)

// RetryPolicy maps a 1-based attempt number to the hold applied before the
// message may be retried. Attempts past the last rung are exhausted.
// A RetryPolicy is immutable once built.
type RetryPolicy struct {
	ladder []time.Duration
}

// NewRetryPolicy builds a policy from an ordered ladder. The slice is copied.
func NewRetryPolicy(ladder []time.Duration) RetryPolicy {
	rungs := make([]time.Duration, len(ladder))
	copy(rungs, ladder)
	return RetryPolicy{ladder: rungs}
}

// DefaultRetryPolicy is the 5s to 1h ladder used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(config.ProcessingConfig{RetryLadderSec: config.DefaultRetryLadderSec}.RetryLadder())
}

// Backoff returns the hold for attempt and false when the ladder is exhausted.
func (p RetryPolicy) Backoff(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(p.ladder) {
		return 0, false
	}
	return p.ladder[attempt-1], true
}

// MaxAttempts is the last attempt that still has a rung.
func (p RetryPolicy) MaxAttempts() int {
	return len(p.ladder)
}
