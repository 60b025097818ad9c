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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/caseflow/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	message     // Interface for message lifecycle operations
	maintenance // Interface for inspection and housekeeping operations
	Ping(ctx context.Context) error
}

// message defines the operations the ingestion gateway, promoter and processor rely on.
type message interface {
	UpsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error)                          // Inserts a message or refreshes an existing one
	GetNewMessages(ctx context.Context) ([]*model.Message, error)                                           // Lists NEW messages, oldest event first
	ClaimNextReadyMessage(ctx context.Context, now time.Time, lease time.Duration) (*model.Message, error) // Claims the oldest eligible READY message
	UpdateMessageState(ctx context.Context, state model.MessageState, ids []string) (int64, error)         // Applies a legal transition
	UpdateMessageRetryDetails(ctx context.Context, retryCount int, holdUntil time.Time, id string) error   // Schedules a retry for a READY message
}

// maintenance defines read queries and operator operations.
type maintenance interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessagesByIDs(ctx context.Context, ids []string) ([]*model.Message, error)
	QueryMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error)
	CountMessagesByState(ctx context.Context) ([]model.StateCount, error)
	FindStuckNewMessages(ctx context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error)
	OverrideMessageState(ctx context.Context, state model.MessageState, ids []string) (int64, error) // Sets state without transition checks
	GetArchivableMessages(ctx context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error)
	DeleteMessages(ctx context.Context, ids []string) (int64, error)
}
