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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/database"
	"github.com/blnkfinance/caseflow/internal/flags"
	"github.com/blnkfinance/caseflow/model"
	"github.com/stretchr/testify/require"
)

type fakeDeadLetters struct {
	mu    sync.Mutex
	empty bool
	err   error
	calls int
}

func (f *fakeDeadLetters) IsEmpty(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.empty, f.err
}

func (f *fakeDeadLetters) set(empty bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.empty = empty
	f.err = err
}

// fakeDownstream returns results in order and repeats the last one.
type fakeDownstream struct {
	mu      sync.Mutex
	results []error
	calls   map[string]int
	panicV  interface{}
}

func (f *fakeDownstream) Process(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[msg.MessageID]++
	if f.panicV != nil {
		panic(f.panicV)
	}
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return err
}

func (f *fakeDownstream) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func enabledFlags() *flags.Static {
	return flags.NewStatic(map[string]bool{
		config.DEFAULT_DLQ_FLAG_KEY:     true,
		config.DEFAULT_PROCESS_FLAG_KEY: true,
	})
}

func newTestCaseflow(t *testing.T, store database.IDataSource, opts ...Option) *Caseflow {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{IngestQueue: config.DEFAULT_INGEST_QUEUE},
	})

	defaults := []Option{
		WithFlags(enabledFlags()),
		WithDeadLetterQueue(&fakeDeadLetters{empty: true}),
		WithDownstream(&fakeDownstream{}),
		withStoreRetryPolicy(storeRetry{attempts: 3, initialInterval: time.Millisecond, maxInterval: time.Millisecond}),
	}
	c, err := NewCaseflow(store, append(defaults, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventBody(caseID, eventTime, userID string) string {
	ts := ""
	if eventTime != "" {
		ts = fmt.Sprintf(`"EventTimeStamp":%q,`, eventTime)
	}
	return fmt.Sprintf(`{"EventInstanceId":"inst-%s",%s"CaseId":%q,"JurisdictionId":"IA","CaseTypeId":"Asylum","EventId":"submitAppeal","NewStateId":"appealSubmitted","UserId":%q}`,
		caseID, ts, caseID, userID)
}

func incoming(id, caseID, eventTime string) model.IncomingMessage {
	return model.IncomingMessage{
		MessageID:  id,
		SessionID:  caseID,
		Body:       eventBody(caseID, eventTime, "user-1"),
		Properties: map[string]string{"source": "ccd"},
	}
}

const (
	eventuallyWait = 2 * time.Second
	pollEvery      = 5 * time.Millisecond
	lockTTL        = 30 * time.Second
)
