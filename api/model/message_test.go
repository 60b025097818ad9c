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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIngestMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload IngestMessage
		wantErr bool
	}{
		{name: "valid", payload: IngestMessage{MessageContent: json.RawMessage(`{"CaseId":"1"}`)}, wantErr: false},
		{name: "missing content", payload: IngestMessage{MessageID: "m1"}, wantErr: true},
		{name: "invalid json", payload: IngestMessage{MessageContent: json.RawMessage(`{"CaseId":`)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.ValidateIngestMessage()
			assert.Equal(t, tt.wantErr, err != nil, err)
		})
	}
}

func TestToIncomingMessage(t *testing.T) {
	payload := IngestMessage{
		MessageID:      " m1 ",
		CaseID:         "1700000000000001",
		MessageContent: json.RawMessage(`{"CaseId":"1700000000000001"}`),
		Properties:     map[string]string{"source": "ccd"},
		FromDeadLetter: true,
	}

	in := payload.ToIncomingMessage()
	assert.Equal(t, "m1", in.MessageID)
	assert.Equal(t, "1700000000000001", in.SessionID)
	assert.Equal(t, `{"CaseId":"1700000000000001"}`, in.Body)
	assert.Equal(t, 1, in.DeliveryCount)
	assert.True(t, in.FromDeadLetter)
}

func TestValidateChangeMessageState(t *testing.T) {
	tests := []struct {
		name    string
		payload ChangeMessageState
		wantErr bool
	}{
		{name: "valid", payload: ChangeMessageState{State: "ready", MessageIDs: []string{"m1"}, Operator: "ops"}},
		{name: "unknown state", payload: ChangeMessageState{State: "DONE", MessageIDs: []string{"m1"}, Operator: "ops"}, wantErr: true},
		{name: "missing operator", payload: ChangeMessageState{State: "NEW", MessageIDs: []string{"m1"}}, wantErr: true},
		{name: "missing ids", payload: ChangeMessageState{State: "NEW", Operator: "ops"}, wantErr: true},
		{name: "blank id", payload: ChangeMessageState{State: "NEW", MessageIDs: []string{""}, Operator: "ops"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.ValidateChangeMessageState()
			assert.Equal(t, tt.wantErr, err != nil, err)
		})
	}
}
