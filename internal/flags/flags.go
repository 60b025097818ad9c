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

// Package flags evaluates feature flags for the message pipeline.
package flags

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/internal/cache"
	pkgerrors "github.com/pkg/errors"
	"github.com/posthog/posthog-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Checker decides whether a flag is on for a subject.
type Checker interface {
	IsEnabled(ctx context.Context, key, subject string) (bool, error)
}

// Static serves flags from configuration. Unknown flags are off.
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

func NewStatic(values map[string]bool) *Static {
	flags := make(map[string]bool, len(values))
	for k, v := range values {
		flags[k] = v
	}
	return &Static{flags: flags}
}

func (s *Static) IsEnabled(_ context.Context, key, _ string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[key], nil
}

// Set turns a flag on or off at runtime.
func (s *Static) Set(key string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = enabled
}

type posthogClient interface {
	IsFeatureEnabled(flagConfig posthog.FeatureFlagPayload) (interface{}, error)
}

// PostHog evaluates flags remotely and caches each decision per subject.
type PostHog struct {
	client posthogClient
	cache  cache.Cache
	ttl    time.Duration
}

// NewPostHog creates a checker backed by client. A nil cache disables caching.
func NewPostHog(client posthogClient, c cache.Cache, ttl time.Duration) *PostHog {
	return &PostHog{client: client, cache: c, ttl: ttl}
}

func cacheKey(key, subject string) string {
	return fmt.Sprintf("caseflow:flag:%s:%s", key, subject)
}

func (p *PostHog) IsEnabled(ctx context.Context, key, subject string) (bool, error) {
	ck := cacheKey(key, subject)
	if p.cache != nil {
		var enabled bool
		err := p.cache.Get(ctx, ck, &enabled)
		if err == nil {
			return enabled, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			logrus.WithError(err).WithField("flag", key).Debug("flag cache lookup failed")
		}
	}

	value, err := p.client.IsFeatureEnabled(posthog.FeatureFlagPayload{
		Key:        key,
		DistinctId: subject,
	})
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to evaluate flag %s", key)
	}

	enabled := truthy(value)
	if p.cache != nil {
		if err := p.cache.Set(ctx, ck, enabled, p.ttl); err != nil {
			logrus.WithError(err).WithField("flag", key).Debug("flag cache write failed")
		}
	}
	return enabled, nil
}

// truthy interprets a flag value: booleans as is, multivariate variants as on.
func truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	default:
		return false
	}
}

// New builds the checker selected by cnf.Provider. The returned close function
// releases the remote client, if any.
func New(cnf config.FeatureFlagConfig, client redis.UniversalClient) (Checker, func() error, error) {
	switch strings.ToLower(cnf.Provider) {
	case "", "static":
		values := map[string]bool{
			cnf.DeadLetterFlagKey: true,
			cnf.ProcessingFlagKey: true,
		}
		for k, v := range cnf.Flags {
			values[k] = v
		}
		return NewStatic(values), func() error { return nil }, nil
	case "posthog":
		if cnf.PostHogKey == "" {
			return nil, nil, errors.New("posthog key is required for the posthog flag provider")
		}
		ph, err := posthog.NewWithConfig(cnf.PostHogKey, posthog.Config{Endpoint: cnf.PostHogEndpoint})
		if err != nil {
			return nil, nil, err
		}
		ttl := time.Duration(cnf.CacheTTLSec) * time.Second
		var c cache.Cache
		if client != nil {
			c = cache.NewRedisCache(client, ttl)
		}
		return NewPostHog(ph, c, ttl), ph.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown feature flag provider %q", cnf.Provider)
	}
}
