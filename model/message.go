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

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// MessageState is the lifecycle state of a stored case event message.
type MessageState string

const (
	StateNew           MessageState = "NEW"
	StateReady         MessageState = "READY"
	StateProcessed     MessageState = "PROCESSED"
	StateUnprocessable MessageState = "UNPROCESSABLE"
)

// AllStates lists every state in lifecycle order.
var AllStates = []MessageState{StateNew, StateReady, StateProcessed, StateUnprocessable}

// legalSources maps a target state to the states it may be entered from
// by an automated transition.
var legalSources = map[MessageState][]MessageState{
	StateReady:         {StateNew},
	StateProcessed:     {StateReady},
	StateUnprocessable: {StateNew, StateReady},
}

// ParseMessageState converts a case-insensitive string into a MessageState.
func ParseMessageState(s string) (MessageState, error) {
	state := MessageState(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStates {
		if known == state {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown message state %q", s)
}

// IsTerminal reports whether no automated transition leaves the state.
func (s MessageState) IsTerminal() bool {
	return s == StateProcessed || s == StateUnprocessable
}

// SourceStates returns the states from which an automated transition into
// target is legal. The returned slice is a copy.
func SourceStates(target MessageState) []MessageState {
	sources := legalSources[target]
	out := make([]MessageState, len(sources))
	copy(out, sources)
	return out
}

// CanTransition reports whether an automated transition from -> to is legal.
func CanTransition(from, to MessageState) bool {
	for _, s := range legalSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Message is a case event message persisted by the message store.
type Message struct {
	MessageID         string            `json:"message_id"`
	Sequence          int64             `json:"sequence"`
	CaseID            string            `json:"case_id"`
	EventTimestamp    *time.Time        `json:"event_timestamp,omitempty"`
	FromDeadLetter    bool              `json:"from_dead_letter"`
	State             MessageState      `json:"state"`
	MessageProperties map[string]string `json:"message_properties,omitempty"`
	RawContent        string            `json:"message_content"`
	ReceivedAt        time.Time         `json:"received"`
	DeliveryCount     int               `json:"delivery_count"`
	HoldUntil         *time.Time        `json:"hold_until,omitempty"`
	RetryCount        int               `json:"retry_count"`
}

// EventInformation decodes the raw message content.
func (m *Message) EventInformation() (*EventInformation, error) {
	if strings.TrimSpace(m.RawContent) == "" {
		return nil, errors.New("message content is empty")
	}
	var info EventInformation
	if err := json.Unmarshal([]byte(m.RawContent), &info); err != nil {
		return nil, fmt.Errorf("unable to decode message content: %w", err)
	}
	return &info, nil
}

// UserID returns the user that raised the event, or an empty string when the
// content cannot be decoded.
func (m *Message) UserID() string {
	info, err := m.EventInformation()
	if err != nil {
		return ""
	}
	return info.UserID
}

// ValidateMandatoryFields checks the fields a message must carry before it may
// enter the processing pipeline.
func (m *Message) ValidateMandatoryFields() error {
	info, err := m.EventInformation()
	if err != nil {
		return err
	}
	return validation.Errors{
		"eventTimestamp": validation.Validate(m.EventTimestamp, validation.Required),
		"caseId":         validation.Validate(m.CaseID, validation.Required),
		"eventId":        validation.Validate(info.EventID, validation.Required),
		"userId":         validation.Validate(info.UserID, validation.Required),
		"jurisdictionId": validation.Validate(info.JurisdictionID, validation.Required),
		"caseTypeId":     validation.Validate(info.CaseTypeID, validation.Required),
	}.Filter()
}

// PrepareForInsert backfills the envelope from the content and forces the
// message into UNPROCESSABLE when a mandatory field is missing. The returned
// error describes the validation failure; the message is still insertable.
func (m *Message) PrepareForInsert() error {
	if info, err := m.EventInformation(); err == nil {
		if m.EventTimestamp == nil && !info.EventTimeStamp.IsZero() {
			ts := info.EventTimeStamp.Time
			m.EventTimestamp = &ts
		}
		if m.CaseID == "" {
			m.CaseID = info.CaseID
		}
	}

	if err := m.ValidateMandatoryFields(); err != nil {
		m.State = StateUnprocessable
		return err
	}
	if m.State == "" {
		m.State = StateNew
	}
	return nil
}

// EventInformation is the case event body produced upstream.
type EventInformation struct {
	EventInstanceID string                 `json:"EventInstanceId"`
	EventTimeStamp  EventTime              `json:"EventTimeStamp"`
	CaseID          string                 `json:"CaseId"`
	JurisdictionID  string                 `json:"JurisdictionId"`
	CaseTypeID      string                 `json:"CaseTypeId"`
	EventID         string                 `json:"EventId"`
	PreviousStateID string                 `json:"PreviousStateId"`
	NewStateID      string                 `json:"NewStateId"`
	UserID          string                 `json:"UserId"`
	AdditionalData  map[string]interface{} `json:"AdditionalData,omitempty"`
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// EventTime accepts timestamps with or without a zone; zoneless values are UTC.
type EventTime struct {
	time.Time
}

func (t *EventTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range eventTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported event timestamp %q", raw)
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// IncomingMessage is a message as delivered by the transport, before it is stored.
type IncomingMessage struct {
	MessageID      string            `json:"message_id"`
	SessionID      string            `json:"session_id"`
	Body           string            `json:"body"`
	Properties     map[string]string `json:"properties,omitempty"`
	DeliveryCount  int               `json:"delivery_count"`
	FromDeadLetter bool              `json:"from_dead_letter"`
}

// MessageFilter narrows message queries. Zero values are ignored.
type MessageFilter struct {
	States       []MessageState
	CaseID       string
	ReceivedFrom *time.Time
	ReceivedTo   *time.Time
	Limit        int
	Offset       int
}

// StateCount is the number of stored messages in a state.
type StateCount struct {
	State MessageState `json:"state"`
	Count int64        `json:"count"`
}
