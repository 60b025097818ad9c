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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/caseflow/config"
	redlock "github.com/blnkfinance/caseflow/internal/lock"
	redis_db "github.com/blnkfinance/caseflow/internal/redis-db"
	"github.com/blnkfinance/caseflow/model"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// archiveInspector is the part of *asynq.Inspector the dead letter handling needs.
type archiveInspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Queue is the asynq transport carrying incoming case events.
// Tasks that exhaust their retries are archived, which is the dead letter queue.
type Queue struct {
	client    *asynq.Client
	inspector archiveInspector
	name      string
	maxRetry  int
	closers   []func() error
}

// NewQueue connects a client and an inspector to the configured redis.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	inspector := asynq.NewInspector(opt)
	q := newQueue(client, inspector, conf.Queue)
	q.closers = []func() error{client.Close, inspector.Close}
	return q, nil
}

func newQueue(client *asynq.Client, inspector archiveInspector, cnf config.QueueConfig) *Queue {
	name := cnf.IngestQueue
	if name == "" {
		name = config.DEFAULT_INGEST_QUEUE
	}
	return &Queue{client: client, inspector: inspector, name: name, maxRetry: cnf.MaxRetry}
}

// Name is the ingest queue name, also used as the task type.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue publishes an incoming message onto the ingest queue.
func (q *Queue) Enqueue(ctx context.Context, in model.IncomingMessage) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.Queue(q.name)}
	if in.MessageID != "" {
		opts = append(opts, asynq.TaskID(in.MessageID))
	}
	if q.maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(q.maxRetry))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(q.name, payload), opts...)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"message_id": in.MessageID, "task_id": info.ID}).Info("Message enqueued")
	return nil
}

// IsEmpty reports whether the ingest queue has no archived tasks.
func (q *Queue) IsEmpty(_ context.Context) (bool, error) {
	tasks, err := q.inspector.ListArchivedTasks(q.name, asynq.PageSize(1))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(tasks) == 0, nil
}

func (q *Queue) Close() error {
	var err error
	for _, c := range q.closers {
		err = errors.Join(err, c())
	}
	return err
}

// decodeIncoming reads a task payload. Payloads that are not an encoded
// IncomingMessage are kept as the raw body so they are stored, and rejected
// by validation, rather than lost.
func decodeIncoming(taskID string, payload []byte) model.IncomingMessage {
	var in model.IncomingMessage
	if err := json.Unmarshal(payload, &in); err != nil || (in.MessageID == "" && in.Body == "") {
		return model.IncomingMessage{MessageID: taskID, Body: string(payload)}
	}
	return in
}

// HandleIngestTask is the asynq handler for the ingest queue. Returning an
// error makes asynq retry the task and archive it once retries run out.
func (c *Caseflow) HandleIngestTask(ctx context.Context, t *asynq.Task) error {
	taskID, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)

	in := decodeIncoming(taskID, t.Payload())
	in.DeliveryCount = retried + 1
	in.FromDeadLetter = false

	_, err := c.IngestMessage(ctx, in)
	return err
}

// DeadLetterDrain periodically moves archived ingest tasks into the store.
type DeadLetterDrain struct {
	*periodicTask
}

func NewDeadLetterDrain(c *Caseflow) *DeadLetterDrain {
	interval := c.cnf.Processing.DeadLetterDrainInterval()
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	return &DeadLetterDrain{
		periodicTask: newPeriodicTask("dead_letter_drain", interval, func(ctx context.Context) {
			_, _ = c.DrainDeadLetters(ctx)
		}),
	}
}

// DrainDeadLetters stores up to one batch of archived ingest tasks with
// fromDeadLetter set and removes them from the archive. Only one process
// drains at a time.
func (c *Caseflow) DrainDeadLetters(ctx context.Context) (int, error) {
	drained := 0
	locker := redlock.NewLocker(c.redis, "caseflow:dead-letter-drain", "")
	err := locker.RunExclusive(ctx, 5*time.Minute, func(ctx context.Context) error {
		var err error
		drained, err = c.drainBatch(ctx)
		return err
	})
	if errors.Is(err, redlock.ErrLockHeld) {
		logrus.Debug("Dead letter drain already running elsewhere")
		return 0, nil
	}
	if err != nil {
		logrus.WithError(err).Warn("Dead letter drain failed")
		return drained, err
	}
	if drained > 0 {
		logrus.WithField("count", drained).Info("Dead letter messages drained")
	}
	return drained, nil
}

func (c *Caseflow) drainBatch(ctx context.Context) (int, error) {
	batch := c.cnf.Processing.DeadLetterDrainBatch
	if batch <= 0 {
		batch = 100
	}

	tasks, err := c.queue.inspector.ListArchivedTasks(c.queue.name, asynq.PageSize(batch))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, task := range tasks {
		in := decodeIncoming(task.ID, task.Payload)
		in.FromDeadLetter = true
		in.DeliveryCount = task.Retried + 1

		if _, err := c.IngestMessage(ctx, in); err != nil {
			return drained, err
		}
		if err := c.queue.inspector.DeleteTask(c.queue.name, task.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return drained, err
		}
		drained++
	}
	return drained, nil
}

// EnqueueMessage publishes in onto the ingest queue for the ingest consumer
// and returns the message id, generating one when in has none.
func (c *Caseflow) EnqueueMessage(ctx context.Context, in model.IncomingMessage) (string, error) {
	if strings.TrimSpace(in.MessageID) == "" {
		in.MessageID = uuid.NewString()
	}
	return in.MessageID, c.queue.Enqueue(ctx, in)
}
