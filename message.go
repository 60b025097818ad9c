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
	"strings"

	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/blnkfinance/caseflow/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// IngestMessage stores an incoming message. Messages that miss a mandatory
// field are stored as UNPROCESSABLE; re-delivering a known id refreshes it.
func (c *Caseflow) IngestMessage(ctx context.Context, in model.IncomingMessage) (*model.Message, error) {
	ctx, span := otel.Tracer("caseflow.ingestion").Start(ctx, "Ingest message")
	defer span.End()

	if strings.TrimSpace(in.MessageID) == "" {
		in.MessageID = uuid.NewString()
	}
	if in.DeliveryCount < 1 {
		in.DeliveryCount = 1
	}
	span.SetAttributes(attribute.String("message.id", in.MessageID), attribute.Bool("message.from_dead_letter", in.FromDeadLetter))

	msg := &model.Message{
		MessageID:         in.MessageID,
		CaseID:            in.SessionID,
		FromDeadLetter:    in.FromDeadLetter,
		State:             model.StateNew,
		MessageProperties: in.Properties,
		RawContent:        in.Body,
		DeliveryCount:     in.DeliveryCount,
	}

	stored, err := withStoreRetry(ctx, c.storeRetry, "upsert", func() (*model.Message, error) {
		return c.datasource.UpsertMessage(ctx, msg)
	})
	if err != nil {
		span.RecordError(err)
		logStoreFailure(err, "upsert", msg)
		return nil, err
	}

	messageLog(stored).WithFields(logrus.Fields{
		"state":            stored.State,
		"from_dead_letter": stored.FromDeadLetter,
		"delivery_count":   stored.DeliveryCount,
	}).Info("Message ingested")
	return stored, nil
}

func (c *Caseflow) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return c.datasource.GetMessage(ctx, id)
}

func (c *Caseflow) GetMessagesByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	return c.datasource.GetMessagesByIDs(ctx, ids)
}

func (c *Caseflow) QueryMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	return c.datasource.QueryMessages(ctx, filter)
}

func (c *Caseflow) CountMessagesByState(ctx context.Context) ([]model.StateCount, error) {
	return c.datasource.CountMessagesByState(ctx)
}

// StateChange is a maintenance request to move messages to a state.
type StateChange struct {
	State      model.MessageState
	MessageIDs []string
	Operator   string
	// Override skips transition legality, e.g. to replay an UNPROCESSABLE message from NEW.
	Override bool
}

// ChangeMessageState applies a maintenance state change and returns the number
// of messages that moved. Without Override only legal transitions are applied.
func (c *Caseflow) ChangeMessageState(ctx context.Context, change StateChange) (int64, error) {
	if strings.TrimSpace(change.Operator) == "" {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "operator is required for state changes", nil)
	}
	if len(change.MessageIDs) == 0 {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "at least one message id is required", nil)
	}
	if _, err := model.ParseMessageState(string(change.State)); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	entry := logrus.WithFields(logrus.Fields{
		"operator":    change.Operator,
		"state":       change.State,
		"message_ids": change.MessageIDs,
		"override":    change.Override,
	})

	if !change.Override {
		n, err := c.datasource.UpdateMessageState(ctx, change.State, change.MessageIDs)
		if err != nil {
			return 0, err
		}
		entry.WithField("updated", n).Info("Operator requested state transition")
		return n, nil
	}

	n, err := c.datasource.OverrideMessageState(ctx, change.State, change.MessageIDs)
	if err != nil {
		return 0, err
	}
	entry.WithField("updated", n).Warn("Operator initiated state override")
	return n, nil
}

// FindStuckNewMessages lists NEW messages received more than threshold ago.
func (c *Caseflow) FindStuckNewMessages(ctx context.Context, olderThanMin int, limit int) ([]*model.Message, error) {
	if olderThanMin < 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("invalid age %d", olderThanMin), nil)
	}
	before := c.now().Add(-minutes(olderThanMin))
	return c.datasource.FindStuckNewMessages(ctx, before, limit)
}
