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
	"context"
	"time"

	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// storeRetry bounds in-process retries around transient store failures.
// Only unavailable errors are retried; anything else is returned at once.
type storeRetry struct {
	attempts        int
	initialInterval time.Duration
	maxInterval     time.Duration
}

func newStoreRetry(attempts int) storeRetry {
	if attempts < 1 {
		attempts = 1
	}
	return storeRetry{
		attempts:        attempts,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
}

func (r storeRetry) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)
}

// withStoreRetry runs fn until it succeeds, fails permanently or the attempts run out.
func withStoreRetry[T any](ctx context.Context, r storeRetry, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		result, err := fn()
		if err != nil && !apierror.IsUnavailable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, r.policy(ctx), func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
			"wait":      wait.String(),
		}).WithError(err).Debug("Retrying message store operation")
	})
}
