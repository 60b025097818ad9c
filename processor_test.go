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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/database/mocks"
	"github.com/blnkfinance/caseflow/internal/flags"
	"github.com/blnkfinance/caseflow/internal/notification"
	"github.com/blnkfinance/caseflow/internal/request"
	"github.com/blnkfinance/caseflow/model"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func readyMessage(id string, retryCount int) *model.Message {
	return &model.Message{
		MessageID:  id,
		CaseID:     "1700000000000001",
		State:      model.StateReady,
		RetryCount: retryCount,
		RawContent: eventBody("1700000000000001", "2024-03-01T10:00:00", "user-1"),
	}
}

func TestProcessNextMessage_DisabledByFlag(t *testing.T) {
	ds := new(mocks.MockDataSource)
	c := newTestCaseflow(t, ds, WithFlags(flags.NewStatic(map[string]bool{config.DEFAULT_PROCESS_FLAG_KEY: false})))

	outcome, err := c.ProcessNextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, outcome)
	ds.AssertNotCalled(t, "ClaimNextReadyMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessNextMessage_NothingToClaim(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	ds := new(mocks.MockDataSource)
	ds.On("ClaimNextReadyMessage", mock.Anything, mock.Anything, 5*time.Minute).Return(nil, nil)
	c := newTestCaseflow(t, ds)

	outcome, err := c.ProcessNextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.True(t, hasLog(hook, logrus.InfoLevel, "No message to process"))
}

func TestProcessNextMessage_StoreUnavailableOnClaim(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	ds := new(mocks.MockDataSource)
	ds.On("ClaimNextReadyMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil, errStoreDown)
	downstream := &fakeDownstream{}
	c := newTestCaseflow(t, ds, WithDownstream(downstream))

	outcome, err := c.ProcessNextMessage(context.Background())
	assert.Error(t, err)
	assert.Equal(t, OutcomeStoreFailure, outcome)
	ds.AssertNumberOfCalls(t, "ClaimNextReadyMessage", 3)
	assert.Empty(t, downstream.calls)
	assert.True(t, hasLog(hook, logrus.WarnLevel, "Message store unavailable"))
	assert.False(t, hasLog(hook, logrus.InfoLevel, "Message marked unprocessable"))
}

func TestProcessNextMessage_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		retryCount  int
		result      error
		panicValue  interface{}
		wantOutcome Outcome
		wantState   model.MessageState
		wantLog     string
	}{
		{name: "success", result: nil, wantOutcome: OutcomeProcessed, wantState: model.StateProcessed, wantLog: "Message processed"},
		{name: "non retryable status", result: &request.HTTPError{Status: 400}, wantOutcome: OutcomeUnprocessable, wantState: model.StateUnprocessable, wantLog: "Message marked unprocessable"},
		{name: "unclassified error", result: errors.New("unexpected token"), wantOutcome: OutcomeUnprocessable, wantState: model.StateUnprocessable, wantLog: "Message marked unprocessable"},
		{name: "panic", panicValue: "nil map", wantOutcome: OutcomeUnprocessable, wantState: model.StateUnprocessable, wantLog: "Message marked unprocessable"},
		{name: "retryable but exhausted", retryCount: 8, result: &request.HTTPError{Status: 503}, wantOutcome: OutcomeUnprocessable, wantState: model.StateUnprocessable, wantLog: "Message marked unprocessable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := test.NewGlobal()
			defer hook.Reset()

			msg := readyMessage("msg-1", tt.retryCount)
			ds := new(mocks.MockDataSource)
			ds.On("ClaimNextReadyMessage", mock.Anything, mock.Anything, mock.Anything).Return(msg, nil)
			ds.On("UpdateMessageState", mock.Anything, tt.wantState, []string{"msg-1"}).Return(int64(1), nil)

			downstream := &fakeDownstream{results: []error{tt.result}, panicV: tt.panicValue}
			c := newTestCaseflow(t, ds, WithDownstream(downstream))

			outcome, err := c.ProcessNextMessage(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
			ds.AssertExpectations(t)
			ds.AssertNotCalled(t, "UpdateMessageRetryDetails", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			assert.True(t, hasLog(hook, logrus.InfoLevel, tt.wantLog))
		})
	}
}

func TestProcessNextMessage_SchedulesRetry(t *testing.T) {
	clock := newFakeClock()
	msg := readyMessage("msg-1", 2)

	ds := new(mocks.MockDataSource)
	ds.On("ClaimNextReadyMessage", mock.Anything, clock.Now(), 5*time.Minute).Return(msg, nil)
	ds.On("UpdateMessageRetryDetails", mock.Anything, 3, clock.Now().Add(30*time.Second), "msg-1").Return(nil)

	downstream := &fakeDownstream{results: []error{&request.HTTPError{Status: 429}}}
	c := newTestCaseflow(t, ds, WithDownstream(downstream), WithClock(clock.Now))

	outcome, err := c.ProcessNextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcome)
	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "UpdateMessageState", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessNextMessage_CustomRetryPolicy(t *testing.T) {
	clock := newFakeClock()
	ds := new(mocks.MockDataSource)
	ds.On("ClaimNextReadyMessage", mock.Anything, mock.Anything, mock.Anything).Return(readyMessage("msg-1", 1), nil)
	ds.On("UpdateMessageState", mock.Anything, model.StateUnprocessable, []string{"msg-1"}).Return(int64(1), nil)

	downstream := &fakeDownstream{results: []error{&request.HTTPError{Status: 502}}}
	c := newTestCaseflow(t, ds,
		WithDownstream(downstream),
		WithClock(clock.Now),
		WithRetryPolicy(NewRetryPolicy([]time.Duration{time.Second})))

	outcome, err := c.ProcessNextMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnprocessable, outcome)
	ds.AssertExpectations(t)
}

func TestProcessNextMessage_TransitionStoreFailure(t *testing.T) {
	ds := new(mocks.MockDataSource)
	ds.On("ClaimNextReadyMessage", mock.Anything, mock.Anything, mock.Anything).Return(readyMessage("msg-1", 0), nil)
	ds.On("UpdateMessageState", mock.Anything, model.StateProcessed, []string{"msg-1"}).Return(int64(0), errStoreDown)
	c := newTestCaseflow(t, ds)

	outcome, err := c.ProcessNextMessage(context.Background())
	assert.Error(t, err)
	assert.Equal(t, OutcomeStoreFailure, outcome)
	ds.AssertNumberOfCalls(t, "UpdateMessageState", 3)
}

func TestProcessNextMessage_PublishesUnprocessable(t *testing.T) {
	var mu sync.Mutex
	var events []string
	notification.RegisterWebhookSender(func(event string, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
		return nil
	})
	defer notification.RegisterWebhookSender(nil)

	ds := new(mocks.MockDataSource)
	ds.On("ClaimNextReadyMessage", mock.Anything, mock.Anything, mock.Anything).Return(readyMessage("msg-1", 0), nil)
	ds.On("UpdateMessageState", mock.Anything, model.StateUnprocessable, []string{"msg-1"}).Return(int64(1), nil)
	c := newTestCaseflow(t, ds, WithDownstream(&fakeDownstream{results: []error{&request.HTTPError{Status: 400}}}))

	_, err := c.ProcessNextMessage(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"message.unprocessable"}, events)
}

func TestMessageProcessor_RunsOnSchedule(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	c := newTestCaseflow(t, store)
	c.cnf.Processing.ProcessorIntervalMs = 5

	_, err := c.IngestMessage(ctx, incoming("msg-1", "1700000000000001", "2024-03-01T10:00:00"))
	require.NoError(t, err)
	_, err = c.PromoteReadyMessages(ctx)
	require.NoError(t, err)

	processor := NewMessageProcessor(c)
	processor.Start(ctx)
	defer processor.Stop()

	assert.Eventually(t, func() bool {
		return store.state("msg-1") == model.StateProcessed
	}, eventuallyWait, pollEvery)
}

// contextAwareStore rejects writes on a done context like database/sql does.
type contextAwareStore struct {
	*memoryStore
}

func (s contextAwareStore) UpdateMessageState(ctx context.Context, state model.MessageState, ids []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.memoryStore.UpdateMessageState(ctx, state, ids)
}

// blockingDownstream succeeds once release is closed.
type blockingDownstream struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingDownstream) Process(_ context.Context, _ *model.Message) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}

func TestMessageProcessor_ShutdownFinishesInFlightMessage(t *testing.T) {
	store := contextAwareStore{memoryStore: newMemoryStore()}
	downstream := &blockingDownstream{started: make(chan struct{}), release: make(chan struct{})}
	c := newTestCaseflow(t, store, WithDownstream(downstream))
	c.cnf.Processing.ProcessorIntervalMs = 5

	_, err := c.IngestMessage(context.Background(), incoming("msg-1", "1700000000000001", "2024-03-01T10:00:00"))
	require.NoError(t, err)
	_, err = c.PromoteReadyMessages(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.StateReady, store.state("msg-1"))

	ctx, cancel := context.WithCancel(context.Background())
	processor := NewMessageProcessor(c)
	processor.Start(ctx)

	<-downstream.started
	cancel()
	close(downstream.release)
	processor.Stop()

	assert.Equal(t, model.StateProcessed, store.state("msg-1"))
}
