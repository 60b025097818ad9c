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

	"github.com/blnkfinance/caseflow/internal/notification"
	"github.com/blnkfinance/caseflow/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome is what a processor tick did.
type Outcome string

const (
	OutcomeDisabled       Outcome = "disabled"
	OutcomeIdle           Outcome = "idle"
	OutcomeProcessed      Outcome = "processed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeUnprocessable  Outcome = "unprocessable"
	OutcomeStoreFailure   Outcome = "store_failure"
)

// MessageProcessor periodically processes one READY message per tick.
type MessageProcessor struct {
	*periodicTask
}

func NewMessageProcessor(c *Caseflow) *MessageProcessor {
	interval := c.cnf.Processing.ProcessorInterval()
	if interval <= 0 {
		interval = defaultProcessorInterval
	}
	return &MessageProcessor{
		periodicTask: newPeriodicTask("message_processor", interval, func(ctx context.Context) {
			_, _ = c.ProcessNextMessage(ctx)
		}),
	}
}

// ProcessNextMessage claims the oldest eligible READY message and settles it.
// Store outages are returned with OutcomeStoreFailure; downstream failures are
// not errors, they only decide the outcome.
func (c *Caseflow) ProcessNextMessage(ctx context.Context) (Outcome, error) {
	ctx, span := otel.Tracer("caseflow.processor").Start(ctx, "Process next message")
	defer span.End()

	enabled, err := c.flags.IsEnabled(ctx, c.processFlagKey, "global")
	if err != nil {
		logrus.WithError(err).WithField("flag", c.processFlagKey).Warn("Feature flag check failed")
		return OutcomeDisabled, nil
	}
	if !enabled {
		logrus.WithField("flag", c.processFlagKey).Info("Message processing disabled")
		return OutcomeDisabled, nil
	}

	now := c.now()
	msg, err := withStoreRetry(ctx, c.storeRetry, "claim_ready", func() (*model.Message, error) {
		return c.datasource.ClaimNextReadyMessage(ctx, now, c.claimLease)
	})
	if err != nil {
		span.RecordError(err)
		logStoreFailure(err, "claim_ready", nil)
		return OutcomeStoreFailure, err
	}
	if msg == nil {
		logrus.Info("No message to process")
		return OutcomeIdle, nil
	}
	span.SetAttributes(attribute.String("message.id", msg.MessageID), attribute.String("case.id", msg.CaseID))

	procErr := c.invokeDownstream(ctx, msg)
	if procErr == nil {
		return c.settle(ctx, msg, model.StateProcessed, OutcomeProcessed, "Message processed", nil)
	}
	span.SetStatus(codes.Error, procErr.Error())

	class, status := c.classifier.Classify(procErr)
	entry := messageLog(msg).WithFields(logrus.Fields{
		"classification": class.String(),
		"http_status":    status,
	}).WithError(procErr)

	if class != Retryable {
		return c.settle(ctx, msg, model.StateUnprocessable, OutcomeUnprocessable, "Message marked unprocessable", entry)
	}

	attempt := msg.RetryCount + 1
	hold, ok := c.retryPolicy.Backoff(attempt)
	if !ok {
		entry = entry.WithField("retry_count", msg.RetryCount).WithField("reason", "retries exhausted")
		return c.settle(ctx, msg, model.StateUnprocessable, OutcomeUnprocessable, "Message marked unprocessable", entry)
	}

	holdUntil := ptr.Time(now.Add(hold))
	_, err = withStoreRetry(ctx, c.storeRetry, "update_retry", func() (struct{}, error) {
		return struct{}{}, c.datasource.UpdateMessageRetryDetails(ctx, attempt, *holdUntil, msg.MessageID)
	})
	if err != nil {
		logStoreFailure(err, "update_retry", msg)
		return OutcomeStoreFailure, err
	}

	msg.RetryCount = attempt
	msg.HoldUntil = holdUntil
	entry.WithFields(logrus.Fields{
		"retry_count": attempt,
		"hold_until":  holdUntil.Format(time.RFC3339),
	}).Info("Message scheduled for retry")
	return OutcomeRetryScheduled, nil
}

// invokeDownstream never lets a downstream panic escape the tick.
func (c *Caseflow) invokeDownstream(ctx context.Context, msg *model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return c.downstream.Process(ctx, msg)
}

func (c *Caseflow) settle(ctx context.Context, msg *model.Message, state model.MessageState, outcome Outcome, logMsg string, entry *logrus.Entry) (Outcome, error) {
	_, err := withStoreRetry(ctx, c.storeRetry, fmt.Sprintf("transition_%s", state), func() (int64, error) {
		return c.datasource.UpdateMessageState(ctx, state, []string{msg.MessageID})
	})
	if err != nil {
		logStoreFailure(err, fmt.Sprintf("transition_%s", state), msg)
		return OutcomeStoreFailure, err
	}

	msg.State = state
	if entry == nil {
		entry = messageLog(msg)
	}
	entry.Info(logMsg)

	if state == model.StateUnprocessable {
		notification.Publish("message.unprocessable", msg)
	}
	return outcome, nil
}
