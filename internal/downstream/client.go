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

// Package downstream calls the rule evaluation and workflow services for a case event.
package downstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/internal/request"
	"github.com/blnkfinance/caseflow/model"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// EvaluationRequest is sent to the rule evaluation service.
type EvaluationRequest struct {
	MessageID string                  `json:"message_id"`
	Event     *model.EventInformation `json:"event"`
}

// Action is one outcome of a rule evaluation.
type Action struct {
	Name      string                 `json:"name"`
	TaskType  string                 `json:"task_type,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// EvaluationResult is the rule evaluation response.
type EvaluationResult struct {
	Actions []Action `json:"actions"`
}

// WorkflowMessage correlates an action with the workflow engine.
type WorkflowMessage struct {
	MessageName   string                 `json:"message_name"`
	CaseID        string                 `json:"case_id"`
	CorrelationID string                 `json:"correlation_id"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// Client evaluates a case event and forwards every resulting action to the
// workflow service. HTTP failures surface as *request.HTTPError.
type Client struct {
	http           *http.Client
	evaluationURL  string
	workflowURL    string
	authToken      string
	defaultHeaders map[string]string
}

func NewClient(cnf config.DownstreamConfig) *Client {
	timeout := time.Duration(cnf.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:           &http.Client{Timeout: timeout},
		evaluationURL:  strings.TrimRight(cnf.RuleEvaluationURL, "/"),
		workflowURL:    strings.TrimRight(cnf.WorkflowURL, "/"),
		authToken:      cnf.AuthToken,
		defaultHeaders: cnf.Headers,
	}
}

// HTTPClient exposes the underlying client, mainly so tests can intercept it.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Process runs the message through rule evaluation and the workflow service.
func (c *Client) Process(ctx context.Context, msg *model.Message) error {
	ctx, span := otel.Tracer("caseflow.downstream").Start(ctx, "Processing message downstream")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", msg.MessageID), attribute.String("case.id", msg.CaseID))

	event, err := msg.EventInformation()
	if err != nil {
		return errors.Wrap(err, "cannot process message")
	}

	var result EvaluationResult
	err = c.post(ctx, c.evaluationURL+"/evaluate", EvaluationRequest{MessageID: msg.MessageID, Event: event}, &result)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "rule evaluation failed")
	}

	for _, action := range result.Actions {
		wm := WorkflowMessage{
			MessageName:   action.Name,
			CaseID:        msg.CaseID,
			CorrelationID: msg.MessageID,
			Variables:     action.Variables,
		}
		if err := c.post(ctx, c.workflowURL+"/messages", wm, nil); err != nil {
			span.RecordError(err)
			return errors.Wrapf(err, "workflow correlation failed for action %s", action.Name)
		}
	}

	span.SetAttributes(attribute.Int("downstream.actions", len(result.Actions)))
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload, response interface{}) error {
	body, err := request.ToJsonReq(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.authToken))
	}

	_, err = request.Call(c.http, req, response)
	return err
}
