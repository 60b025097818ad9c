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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/blnkfinance/caseflow/model"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "caseflow.database"

const messageColumns = `message_id, sequence, case_id, event_timestamp, from_dead_letter, state,
	message_properties, message_content, received, delivery_count, hold_until, retry_count`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg            model.Message
		caseID         sql.NullString
		eventTimestamp sql.NullTime
		holdUntil      sql.NullTime
		properties     []byte
	)

	err := row.Scan(
		&msg.MessageID,
		&msg.Sequence,
		&caseID,
		&eventTimestamp,
		&msg.FromDeadLetter,
		&msg.State,
		&properties,
		&msg.RawContent,
		&msg.ReceivedAt,
		&msg.DeliveryCount,
		&holdUntil,
		&msg.RetryCount,
	)
	if err != nil {
		return nil, err
	}

	msg.CaseID = caseID.String
	if eventTimestamp.Valid {
		msg.EventTimestamp = &eventTimestamp.Time
	}
	if holdUntil.Valid {
		msg.HoldUntil = &holdUntil.Time
	}
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &msg.MessageProperties); err != nil {
			return nil, fmt.Errorf("failed to decode message properties: %w", err)
		}
	}

	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer func() { _ = rows.Close() }()

	messages := []*model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func stateStrings(states []model.MessageState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// UpsertMessage inserts a message, or refreshes the transport fields of an existing one.
// Messages missing a mandatory field are stored as UNPROCESSABLE. An existing row keeps its
// state, provenance, sequence and received time.
func (d Datasource) UpsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Upserting message")
	defer span.End()

	if msg.MessageID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "message id is required", nil)
	}
	span.SetAttributes(attribute.String("message.id", msg.MessageID))

	if err := msg.PrepareForInsert(); err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.MessageID,
			"case_id":    msg.CaseID,
			"reason":     err.Error(),
		}).Warn("Message failed mandatory field validation")
	}

	properties, err := json.Marshal(msg.MessageProperties)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid message properties", err)
	}

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO caseflow.case_event_messages AS m (
			message_id, case_id, event_timestamp, from_dead_letter, state,
			message_properties, message_content, delivery_count, retry_count
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, 0)
		ON CONFLICT (message_id) DO UPDATE SET
			delivery_count = EXCLUDED.delivery_count,
			message_properties = EXCLUDED.message_properties,
			event_timestamp = COALESCE(m.event_timestamp, EXCLUDED.event_timestamp),
			case_id = COALESCE(m.case_id, EXCLUDED.case_id)
		RETURNING `+messageColumns,
		msg.MessageID, msg.CaseID, msg.EventTimestamp, msg.FromDeadLetter, string(msg.State),
		properties, msg.RawContent, msg.DeliveryCount,
	)

	stored, err := scanMessage(row)
	if err != nil {
		span.RecordError(err)
		return nil, classifyError(err, "failed to upsert message")
	}
	return stored, nil
}

// GetNewMessages returns every NEW message, oldest event first with unknown event times last.
func (d Datasource) GetNewMessages(ctx context.Context) ([]*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Fetching new messages")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM caseflow.case_event_messages
		WHERE state = $1
		ORDER BY event_timestamp ASC NULLS LAST, sequence ASC
	`, string(model.StateNew))
	if err != nil {
		span.RecordError(err)
		return nil, classifyError(err, "failed to fetch new messages")
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, classifyError(err, "failed to scan new messages")
	}
	return messages, nil
}

// ClaimNextReadyMessage claims the oldest READY message that is neither held for a retry nor
// claimed by another processor. The claim lasts for lease; a claim that is never resolved
// expires and the message becomes claimable again. Returns nil when nothing qualifies.
func (d Datasource) ClaimNextReadyMessage(ctx context.Context, now time.Time, lease time.Duration) (*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Claiming next ready message")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE caseflow.case_event_messages
		SET claimed_until = $1
		WHERE message_id = (
			SELECT message_id FROM caseflow.case_event_messages
			WHERE state = $2
			  AND (hold_until IS NULL OR hold_until <= $3)
			  AND (claimed_until IS NULL OR claimed_until <= $3)
			ORDER BY event_timestamp ASC NULLS LAST, sequence ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		now.Add(lease), string(model.StateReady), now,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, classifyError(err, "failed to claim ready message")
	}

	span.SetAttributes(attribute.String("message.id", msg.MessageID))
	return msg, nil
}

// UpdateMessageState moves the given messages to state where the transition is legal and
// releases any claim on them. Messages whose current state does not allow the transition are
// left untouched, so repeating a call is harmless. Returns the number of messages moved.
func (d Datasource) UpdateMessageState(ctx context.Context, state model.MessageState, ids []string) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Updating message state")
	defer span.End()
	span.SetAttributes(attribute.String("message.state", string(state)), attribute.Int("message.count", len(ids)))

	sources := model.SourceStates(state)
	if len(ids) == 0 || len(sources) == 0 {
		return 0, nil
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE caseflow.case_event_messages
		SET state = $1, claimed_until = NULL
		WHERE message_id = ANY($2) AND state = ANY($3)
	`, string(state), pq.Array(ids), pq.Array(stateStrings(sources)))
	if err != nil {
		span.RecordError(err)
		return 0, classifyError(err, "failed to update message state")
	}

	return result.RowsAffected()
}

// UpdateMessageRetryDetails records a retry attempt on a READY message and releases its claim.
// The message stays READY but is not claimable before holdUntil.
func (d Datasource) UpdateMessageRetryDetails(ctx context.Context, retryCount int, holdUntil time.Time, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Updating message retry details")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", id), attribute.Int("message.retry_count", retryCount))

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE caseflow.case_event_messages
		SET retry_count = $1, hold_until = $2, claimed_until = NULL
		WHERE message_id = $3 AND state = $4
	`, retryCount, holdUntil, id, string(model.StateReady))
	if err != nil {
		span.RecordError(err)
		return classifyError(err, "failed to update message retry details")
	}
	return nil
}

// GetMessage retrieves a message by its id.
func (d Datasource) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Fetching message")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM caseflow.case_event_messages
		WHERE message_id = $1
	`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("message with ID '%s' not found", id), nil)
		}
		return nil, classifyError(err, "failed to fetch message")
	}
	return msg, nil
}

func (d Datasource) GetMessagesByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Fetching messages by ids")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM caseflow.case_event_messages
		WHERE message_id = ANY($1)
		ORDER BY sequence ASC
	`, pq.Array(ids))
	if err != nil {
		return nil, classifyError(err, "failed to fetch messages")
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, classifyError(err, "failed to scan messages")
	}
	return messages, nil
}

// QueryMessages returns messages matching filter, newest sequence first.
func (d Datasource) QueryMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Querying messages")
	defer span.End()

	var (
		conditions []string
		args       []interface{}
	)
	addArg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.States) > 0 {
		conditions = append(conditions, "state = ANY("+addArg(pq.Array(stateStrings(filter.States)))+")")
	}
	if filter.CaseID != "" {
		conditions = append(conditions, "case_id = "+addArg(filter.CaseID))
	}
	if filter.ReceivedFrom != nil {
		conditions = append(conditions, "received >= "+addArg(*filter.ReceivedFrom))
	}
	if filter.ReceivedTo != nil {
		conditions = append(conditions, "received < "+addArg(*filter.ReceivedTo))
	}

	query := `SELECT ` + messageColumns + ` FROM caseflow.case_event_messages`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " ORDER BY sequence DESC LIMIT " + addArg(limit) + " OFFSET " + addArg(filter.Offset)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, classifyError(err, "failed to query messages")
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, classifyError(err, "failed to scan messages")
	}
	return messages, nil
}

// CountMessagesByState returns how many messages sit in each state. States with no
// messages are reported with a zero count.
func (d Datasource) CountMessagesByState(ctx context.Context) ([]model.StateCount, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Counting messages by state")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT state, COUNT(*)
		FROM caseflow.case_event_messages
		GROUP BY state
	`)
	if err != nil {
		return nil, classifyError(err, "failed to count messages")
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.MessageState]int64, len(model.AllStates))
	for rows.Next() {
		var (
			state string
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, classifyError(err, "failed to scan message count")
		}
		counts[model.MessageState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err, "failed to count messages")
	}

	result := make([]model.StateCount, 0, len(model.AllStates))
	for _, state := range model.AllStates {
		result = append(result, model.StateCount{State: state, Count: counts[state]})
	}
	return result, nil
}

// FindStuckNewMessages lists NEW messages received before receivedBefore, oldest first.
func (d Datasource) FindStuckNewMessages(ctx context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Finding stuck new messages")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM caseflow.case_event_messages
		WHERE state = $1 AND received < $2
		ORDER BY received ASC
		LIMIT $3
	`, string(model.StateNew), receivedBefore, limit)
	if err != nil {
		return nil, classifyError(err, "failed to find stuck messages")
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, classifyError(err, "failed to scan stuck messages")
	}
	return messages, nil
}

// OverrideMessageState sets state on the given messages regardless of their current state.
// It clears any retry hold and claim. Used only by operator maintenance.
func (d Datasource) OverrideMessageState(ctx context.Context, state model.MessageState, ids []string) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Overriding message state")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE caseflow.case_event_messages
		SET state = $1, hold_until = NULL, claimed_until = NULL
		WHERE message_id = ANY($2)
	`, string(state), pq.Array(ids))
	if err != nil {
		span.RecordError(err)
		return 0, classifyError(err, "failed to override message state")
	}

	return result.RowsAffected()
}

// GetArchivableMessages lists terminal messages received before receivedBefore.
func (d Datasource) GetArchivableMessages(ctx context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Fetching archivable messages")
	defer span.End()

	terminal := []string{string(model.StateProcessed), string(model.StateUnprocessable)}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM caseflow.case_event_messages
		WHERE state = ANY($1) AND received < $2
		ORDER BY sequence ASC
		LIMIT $3
	`, pq.Array(terminal), receivedBefore, limit)
	if err != nil {
		return nil, classifyError(err, "failed to fetch archivable messages")
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, classifyError(err, "failed to scan archivable messages")
	}
	return messages, nil
}

// DeleteMessages removes the given terminal messages. Messages that are still NEW or READY
// are kept.
func (d Datasource) DeleteMessages(ctx context.Context, ids []string) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Deleting messages")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	terminal := []string{string(model.StateProcessed), string(model.StateUnprocessable)}
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM caseflow.case_event_messages
		WHERE message_id = ANY($1) AND state = ANY($2)
	`, pq.Array(ids), pq.Array(terminal))
	if err != nil {
		return 0, classifyError(err, "failed to delete messages")
	}

	return result.RowsAffected()
}
