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

package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/caseflow/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func messageOrNil(v interface{}) *model.Message {
	if v == nil {
		return nil
	}
	return v.(*model.Message)
}

func messagesOrNil(v interface{}) []*model.Message {
	if v == nil {
		return nil
	}
	return v.([]*model.Message)
}

// Message methods

func (m *MockDataSource) UpsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	args := m.Called(ctx, msg)
	return messageOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetNewMessages(ctx context.Context) ([]*model.Message, error) {
	args := m.Called(ctx)
	return messagesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) ClaimNextReadyMessage(ctx context.Context, now time.Time, lease time.Duration) (*model.Message, error) {
	args := m.Called(ctx, now, lease)
	return messageOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) UpdateMessageState(ctx context.Context, state model.MessageState, ids []string) (int64, error) {
	args := m.Called(ctx, state, ids)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) UpdateMessageRetryDetails(ctx context.Context, retryCount int, holdUntil time.Time, id string) error {
	args := m.Called(ctx, retryCount, holdUntil, id)
	return args.Error(0)
}

// Maintenance methods

func (m *MockDataSource) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	args := m.Called(ctx, id)
	return messageOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetMessagesByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	args := m.Called(ctx, ids)
	return messagesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) QueryMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	args := m.Called(ctx, filter)
	return messagesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) CountMessagesByState(ctx context.Context) ([]model.StateCount, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.StateCount), args.Error(1)
}

func (m *MockDataSource) FindStuckNewMessages(ctx context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error) {
	args := m.Called(ctx, receivedBefore, limit)
	return messagesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) OverrideMessageState(ctx context.Context, state model.MessageState, ids []string) (int64, error) {
	args := m.Called(ctx, state, ids)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetArchivableMessages(ctx context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error) {
	args := m.Called(ctx, receivedBefore, limit)
	return messagesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) DeleteMessages(ctx context.Context, ids []string) (int64, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
