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
	"strings"

	"github.com/blnkfinance/caseflow/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// IngestMessage is the HTTP form of an incoming case event.
type IngestMessage struct {
	MessageID      string            `json:"message_id"`
	CaseID         string            `json:"case_id"`
	MessageContent json.RawMessage   `json:"message_content"`
	Properties     map[string]string `json:"message_properties"`
	FromDeadLetter bool              `json:"from_dead_letter"`
}

func (m *IngestMessage) ValidateIngestMessage() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.MessageContent, validation.Required, validation.By(func(value interface{}) error {
			raw, _ := value.(json.RawMessage)
			if !json.Valid(raw) {
				return errors.New("must be valid JSON")
			}
			return nil
		})),
		validation.Field(&m.MessageID, validation.Length(0, 255)),
	)
}

func (m *IngestMessage) ToIncomingMessage() model.IncomingMessage {
	return model.IncomingMessage{
		MessageID:      strings.TrimSpace(m.MessageID),
		SessionID:      m.CaseID,
		Body:           string(m.MessageContent),
		Properties:     m.Properties,
		DeliveryCount:  1,
		FromDeadLetter: m.FromDeadLetter,
	}
}

// ChangeMessageState asks for messages to be moved to a state by an operator.
type ChangeMessageState struct {
	State      string   `json:"state"`
	MessageIDs []string `json:"message_ids"`
	Operator   string   `json:"operator"`
	Override   bool     `json:"override"`
}

func (s *ChangeMessageState) ValidateChangeMessageState() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.State, validation.Required, validation.By(func(value interface{}) error {
			_, err := model.ParseMessageState(value.(string))
			return err
		})),
		validation.Field(&s.MessageIDs, validation.Required, validation.Each(validation.Required)),
		validation.Field(&s.Operator, validation.Required),
	)
}

// StateChangeResult reports how many messages moved.
type StateChangeResult struct {
	State   model.MessageState `json:"state"`
	Updated int64              `json:"updated"`
}
