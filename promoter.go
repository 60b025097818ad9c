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

	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/blnkfinance/caseflow/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ReadinessPromoter periodically moves NEW messages to READY.
type ReadinessPromoter struct {
	*periodicTask
}

func NewReadinessPromoter(c *Caseflow) *ReadinessPromoter {
	interval := c.cnf.Processing.PromoterInterval()
	if interval <= 0 {
		interval = defaultPromoterInterval
	}
	return &ReadinessPromoter{
		periodicTask: newPeriodicTask("readiness_promoter", interval, func(ctx context.Context) {
			_, _ = c.PromoteReadyMessages(ctx)
		}),
	}
}

// PromoteReadyMessages runs one promotion pass and returns how many messages
// became READY. A message is promoted only while the dead letter queue is
// empty and the dead letter backed processing flag is on for its user.
// Failures on one message are logged and the pass moves on.
func (c *Caseflow) PromoteReadyMessages(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("caseflow.promoter").Start(ctx, "Promote ready messages")
	defer span.End()

	messages, err := withStoreRetry(ctx, c.storeRetry, "list_new", func() ([]*model.Message, error) {
		return c.datasource.GetNewMessages(ctx)
	})
	if err != nil {
		span.RecordError(err)
		logStoreFailure(err, "list_new", nil)
		return 0, err
	}

	promoted := 0
	for _, msg := range messages {
		if c.promote(ctx, msg) {
			promoted++
		}
	}

	span.SetAttributes(attribute.Int("messages.new", len(messages)), attribute.Int("messages.promoted", promoted))
	return promoted, nil
}

func (c *Caseflow) promote(ctx context.Context, msg *model.Message) bool {
	entry := messageLog(msg)

	empty, err := c.deadLetters.IsEmpty(ctx)
	if err != nil {
		entry.WithError(err).Warn("Dead letter queue check failed")
		return false
	}
	if !empty {
		entry.Debug("Dead letter queue not empty, holding message")
		return false
	}

	enabled, err := c.flags.IsEnabled(ctx, c.dlqFlagKey, msg.UserID())
	if err != nil {
		entry.WithError(err).Warn("Feature flag check failed")
		return false
	}
	if !enabled {
		entry.WithField("flag", c.dlqFlagKey).Debug("Dead letter backed processing disabled for message")
		return false
	}

	n, err := withStoreRetry(ctx, c.storeRetry, "transition_ready", func() (int64, error) {
		return c.datasource.UpdateMessageState(ctx, model.StateReady, []string{msg.MessageID})
	})
	if err != nil {
		logStoreFailure(err, "transition_ready", msg)
		return false
	}
	if n == 0 {
		entry.Debug("Message no longer NEW, skipping promotion")
		return false
	}

	entry.Info("Message promoted to ready")
	return true
}

// messageLog returns an entry carrying the identifiers every transition log needs.
func messageLog(msg *model.Message) *logrus.Entry {
	if msg == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return logrus.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"case_id":    msg.CaseID,
	})
}

// logStoreFailure keeps store outages distinguishable from processing failures.
func logStoreFailure(err error, op string, msg *model.Message) {
	entry := messageLog(msg).WithField("operation", op).WithError(err)
	if apierror.IsUnavailable(err) {
		entry.Warn("Message store unavailable")
		return
	}
	entry.Error("Message store operation failed")
}
