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
	"fmt"
	"time"

	"github.com/blnkfinance/caseflow/model"
)

// BacklogHealth summarises message accumulation, the signal that promotion
// or processing has stalled.
type BacklogHealth struct {
	Healthy      bool                         `json:"healthy"`
	Counts       map[model.MessageState]int64 `json:"counts"`
	StuckNew     int                          `json:"stuck_new"`
	ReadyBacklog int64                        `json:"ready_backlog"`
	Reasons      []string                     `json:"reasons,omitempty"`
	CheckedAt    time.Time                    `json:"checked_at"`
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// CheckBacklog is unhealthy when NEW messages are older than the configured
// threshold or the READY backlog is over its limit.
func (c *Caseflow) CheckBacklog(ctx context.Context) (*BacklogHealth, error) {
	threshold := c.cnf.Health.StuckNewThresholdMin
	if threshold <= 0 {
		threshold = 60
	}
	limit := c.cnf.Health.ReadyBacklogLimit
	if limit <= 0 {
		limit = 1000
	}

	counts, err := c.datasource.CountMessagesByState(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	stuck, err := c.datasource.FindStuckNewMessages(ctx, now.Add(-minutes(threshold)), 1)
	if err != nil {
		return nil, err
	}

	health := &BacklogHealth{
		Healthy:   true,
		Counts:    make(map[model.MessageState]int64, len(counts)),
		StuckNew:  len(stuck),
		CheckedAt: now.UTC(),
	}
	for _, sc := range counts {
		health.Counts[sc.State] = sc.Count
	}
	health.ReadyBacklog = health.Counts[model.StateReady]

	if health.StuckNew > 0 {
		health.Healthy = false
		health.Reasons = append(health.Reasons, fmt.Sprintf("NEW messages older than %d minutes", threshold))
	}
	if health.ReadyBacklog > limit {
		health.Healthy = false
		health.Reasons = append(health.Reasons, fmt.Sprintf("READY backlog %d exceeds %d", health.ReadyBacklog, limit))
	}
	return health, nil
}

// CheckReadiness pings the store and redis.
func (c *Caseflow) CheckReadiness(ctx context.Context) error {
	if err := c.datasource.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
