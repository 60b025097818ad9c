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
	"embed"
	"errors"
	"time"

	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/database"
	"github.com/blnkfinance/caseflow/internal/downstream"
	"github.com/blnkfinance/caseflow/internal/flags"
	redis_db "github.com/blnkfinance/caseflow/internal/redis-db"
	"github.com/blnkfinance/caseflow/model"
	"github.com/redis/go-redis/v9"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// DeadLetterQueue reports whether the ingest topic has unresolved dead lettered messages.
type DeadLetterQueue interface {
	IsEmpty(ctx context.Context) (bool, error)
}

// DownstreamProcessor hands a claimed message to the services that act on it.
// Failures that carry an HTTP status expose it through a StatusCode() int method.
type DownstreamProcessor interface {
	Process(ctx context.Context, msg *model.Message) error
}

// Caseflow owns the message lifecycle: ingestion, promotion, processing and housekeeping.
type Caseflow struct {
	datasource  database.IDataSource
	queue       *Queue
	redis       redis.UniversalClient
	flags       flags.Checker
	deadLetters DeadLetterQueue
	downstream  DownstreamProcessor
	archive     objectUploader
	cnf         *config.Configuration

	retryPolicy    RetryPolicy
	classifier     FailureClassifier
	storeRetry     storeRetry
	claimLease     time.Duration
	dlqFlagKey     string
	processFlagKey string
	now            func() time.Time

	closers []func() error
}

// Option overrides a collaborator NewCaseflow would otherwise build from configuration.
type Option func(*Caseflow)

func WithRedis(client redis.UniversalClient) Option {
	return func(c *Caseflow) { c.redis = client }
}

func WithQueue(q *Queue) Option {
	return func(c *Caseflow) { c.queue = q }
}

func WithFlags(checker flags.Checker) Option {
	return func(c *Caseflow) { c.flags = checker }
}

func WithDeadLetterQueue(dlq DeadLetterQueue) Option {
	return func(c *Caseflow) { c.deadLetters = dlq }
}

func WithDownstream(p DownstreamProcessor) Option {
	return func(c *Caseflow) { c.downstream = p }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Caseflow) { c.retryPolicy = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Caseflow) { c.now = now }
}

func withArchiveUploader(u objectUploader) Option {
	return func(c *Caseflow) { c.archive = u }
}

func withStoreRetryPolicy(r storeRetry) Option {
	return func(c *Caseflow) { c.storeRetry = r }
}

// NewCaseflow wires the service around db using the loaded configuration.
func NewCaseflow(db database.IDataSource, opts ...Option) (*Caseflow, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	processing := cnf.Processing
	c := &Caseflow{
		datasource:     db,
		cnf:            cnf,
		retryPolicy:    DefaultRetryPolicy(),
		classifier:     DefaultFailureClassifier(),
		storeRetry:     newStoreRetry(config.DEFAULT_STORE_RETRY_LIMIT),
		claimLease:     5 * time.Minute,
		dlqFlagKey:     config.DEFAULT_DLQ_FLAG_KEY,
		processFlagKey: config.DEFAULT_PROCESS_FLAG_KEY,
		now:            time.Now,
	}
	if len(processing.RetryLadderSec) > 0 {
		c.retryPolicy = NewRetryPolicy(processing.RetryLadder())
	}
	if len(processing.RetryableStatuses) > 0 {
		c.classifier = NewFailureClassifier(processing.RetryableStatuses)
	}
	if processing.StoreRetryAttempts > 0 {
		c.storeRetry = newStoreRetry(processing.StoreRetryAttempts)
	}
	if processing.ClaimLeaseSec > 0 {
		c.claimLease = processing.ClaimLease()
	}
	if cnf.FeatureFlags.DeadLetterFlagKey != "" {
		c.dlqFlagKey = cnf.FeatureFlags.DeadLetterFlagKey
	}
	if cnf.FeatureFlags.ProcessingFlagKey != "" {
		c.processFlagKey = cnf.FeatureFlags.ProcessingFlagKey
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.wireDefaults(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Caseflow) wireDefaults() error {
	if c.redis == nil {
		client, err := redis_db.NewRedisClient([]string{c.cnf.Redis.Dns}, false)
		if err != nil {
			return err
		}
		c.redis = client.Client()
		c.closers = append(c.closers, client.Close)
	}

	if c.queue == nil {
		q, err := NewQueue(c.cnf)
		if err != nil {
			return err
		}
		c.queue = q
		c.closers = append(c.closers, q.Close)
	}

	if c.deadLetters == nil {
		c.deadLetters = c.queue
	}

	if c.flags == nil {
		checker, closeFn, err := flags.New(c.cnf.FeatureFlags, c.redis)
		if err != nil {
			return err
		}
		c.flags = checker
		c.closers = append(c.closers, closeFn)
	}

	if c.downstream == nil {
		c.downstream = downstream.NewClient(c.cnf.Downstream)
	}
	return nil
}

// Close releases every client NewCaseflow created itself.
func (c *Caseflow) Close() error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, c.closers[i]())
	}
	c.closers = nil
	return err
}

// Config returns the configuration the service was built with.
func (c *Caseflow) Config() *config.Configuration {
	return c.cnf
}
