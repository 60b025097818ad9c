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
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/blnkfinance/caseflow/model"
)

// memoryStore mirrors the datasource semantics in memory for lifecycle tests.
type memoryStore struct {
	mu       sync.Mutex
	rows     map[string]*memoryRow
	sequence int64
	clock    func() time.Time

	// failNext makes the next n calls fail with an unavailable error.
	failNext int
}

type memoryRow struct {
	msg          model.Message
	claimedUntil *time.Time
}

var errStoreDown = apierror.NewAPIError(apierror.ErrUnavailable, "database unavailable", nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]*memoryRow), clock: time.Now}
}

func (s *memoryStore) fail() error {
	if s.failNext > 0 {
		s.failNext--
		return errStoreDown
	}
	return nil
}

func clone(m model.Message) *model.Message {
	c := m
	if m.MessageProperties != nil {
		c.MessageProperties = make(map[string]string, len(m.MessageProperties))
		for k, v := range m.MessageProperties {
			c.MessageProperties[k] = v
		}
	}
	if m.EventTimestamp != nil {
		ts := *m.EventTimestamp
		c.EventTimestamp = &ts
	}
	if m.HoldUntil != nil {
		h := *m.HoldUntil
		c.HoldUntil = &h
	}
	return &c
}

func (s *memoryStore) UpsertMessage(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	_ = msg.PrepareForInsert()
	if existing, ok := s.rows[msg.MessageID]; ok {
		existing.msg.DeliveryCount = msg.DeliveryCount
		existing.msg.MessageProperties = msg.MessageProperties
		if existing.msg.EventTimestamp == nil {
			existing.msg.EventTimestamp = msg.EventTimestamp
		}
		if existing.msg.CaseID == "" {
			existing.msg.CaseID = msg.CaseID
		}
		return clone(existing.msg), nil
	}

	s.sequence++
	row := *clone(*msg)
	row.Sequence = s.sequence
	row.ReceivedAt = s.clock()
	row.RetryCount = 0
	row.HoldUntil = nil
	s.rows[msg.MessageID] = &memoryRow{msg: row}
	return clone(row), nil
}

func eventBefore(a, b *model.Message) bool {
	switch {
	case a.EventTimestamp == nil && b.EventTimestamp == nil:
		return a.Sequence < b.Sequence
	case a.EventTimestamp == nil:
		return false
	case b.EventTimestamp == nil:
		return true
	case a.EventTimestamp.Equal(*b.EventTimestamp):
		return a.Sequence < b.Sequence
	default:
		return a.EventTimestamp.Before(*b.EventTimestamp)
	}
}

func (s *memoryStore) sorted(match func(*memoryRow) bool) []*model.Message {
	var out []*model.Message
	for _, row := range s.rows {
		if match(row) {
			out = append(out, clone(row.msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return eventBefore(out[i], out[j]) })
	return out
}

func (s *memoryStore) GetNewMessages(_ context.Context) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.sorted(func(r *memoryRow) bool { return r.msg.State == model.StateNew }), nil
}

func (s *memoryStore) ClaimNextReadyMessage(_ context.Context, now time.Time, lease time.Duration) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	eligible := s.sorted(func(r *memoryRow) bool {
		return r.msg.State == model.StateReady &&
			(r.msg.HoldUntil == nil || !r.msg.HoldUntil.After(now)) &&
			(r.claimedUntil == nil || !r.claimedUntil.After(now))
	})
	if len(eligible) == 0 {
		return nil, nil
	}

	row := s.rows[eligible[0].MessageID]
	until := now.Add(lease)
	row.claimedUntil = &until
	return clone(row.msg), nil
}

func (s *memoryStore) UpdateMessageState(_ context.Context, state model.MessageState, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		row, ok := s.rows[id]
		if !ok || !model.CanTransition(row.msg.State, state) {
			continue
		}
		row.msg.State = state
		row.claimedUntil = nil
		n++
	}
	return n, nil
}

func (s *memoryStore) UpdateMessageRetryDetails(_ context.Context, retryCount int, holdUntil time.Time, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}

	row, ok := s.rows[id]
	if !ok || row.msg.State != model.StateReady {
		return nil
	}
	row.msg.RetryCount = retryCount
	row.msg.HoldUntil = &holdUntil
	row.claimedUntil = nil
	return nil
}

func (s *memoryStore) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "message not found", nil)
	}
	return clone(row.msg), nil
}

func (s *memoryStore) GetMessagesByIDs(_ context.Context, ids []string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			out = append(out, clone(row.msg))
		}
	}
	return out, nil
}

func (s *memoryStore) QueryMessages(_ context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(r *memoryRow) bool {
		if filter.CaseID != "" && r.msg.CaseID != filter.CaseID {
			return false
		}
		if len(filter.States) == 0 {
			return true
		}
		for _, st := range filter.States {
			if st == r.msg.State {
				return true
			}
		}
		return false
	}), nil
}

func (s *memoryStore) CountMessagesByState(_ context.Context) ([]model.StateCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.MessageState]int64)
	for _, row := range s.rows {
		counts[row.msg.State]++
	}
	out := make([]model.StateCount, 0, len(model.AllStates))
	for _, st := range model.AllStates {
		out = append(out, model.StateCount{State: st, Count: counts[st]})
	}
	return out, nil
}

func (s *memoryStore) FindStuckNewMessages(_ context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(r *memoryRow) bool {
		return r.msg.State == model.StateNew && r.msg.ReceivedAt.Before(receivedBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) OverrideMessageState(_ context.Context, state model.MessageState, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			row.msg.State = state
			row.msg.HoldUntil = nil
			row.claimedUntil = nil
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) GetArchivableMessages(_ context.Context, receivedBefore time.Time, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(r *memoryRow) bool {
		return r.msg.State.IsTerminal() && r.msg.ReceivedAt.Before(receivedBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) DeleteMessages(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if row, ok := s.rows[id]; ok && row.msg.State.IsTerminal() {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		return errors.New("connection refused")
	}
	return nil
}

// state returns the stored state of id, or "" when it does not exist.
func (s *memoryStore) state(id string) model.MessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		return row.msg.State
	}
	return ""
}

func (s *memoryStore) get(id string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		return clone(row.msg)
	}
	return nil
}
