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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/internal/request"
	"github.com/sirupsen/logrus"
)

// WebhookSender delivers a lifecycle event to an external subscriber.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

// RegisterWebhookSender replaces the sender used by Publish.
func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

// Publish hands event to the registered sender, if any. Failures are logged.
func Publish(event string, payload interface{}) {
	senderMu.RLock()
	sender := webhookSender
	senderMu.RUnlock()

	if sender == nil {
		return
	}
	if err := sender(event, payload); err != nil {
		logrus.WithError(err).WithField("event", event).Warn("Failed to publish webhook event")
	}
}

// NewHTTPWebhookSender posts events as JSON to the configured webhook url.
func NewHTTPWebhookSender(client *http.Client, url string, headers map[string]string) WebhookSender {
	return func(event string, payload interface{}) error {
		body, err := request.ToJsonReq(map[string]interface{}{
			"event": event,
			"data":  payload,
			"time":  time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		_, err = request.Call(client, req, nil)
		return err
	}
}

func slackPayload(systemError error, at time.Time) map[string]interface{} {
	field := func(label, value string) map[string]interface{} {
		return map[string]interface{}{
			"type": "section",
			"fields": []map[string]string{
				{"type": "mrkdwn", "text": fmt.Sprintf("*%s:*\n%s", label, value)},
			},
		}
	}

	return map[string]interface{}{
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": "Error From Caseflow 🐞", "emoji": true},
			},
			field("Error", systemError.Error()),
			field("Time", at.Format(time.RFC822)),
		},
	}
}

// SlackNotification sends an error message to the configured Slack webhook.
func SlackNotification(webhookURL string, systemError error) error {
	payload, err := request.ToJsonReq(slackPayload(systemError, time.Now()))
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}

	_, err = request.Call(nil, req, nil)
	return err
}

// NotifyError logs systemError and, when Slack is configured, reports it there.
// The Slack call runs in the background.
func NotifyError(systemError error) {
	logrus.Error(systemError)

	conf, err := config.Fetch()
	if err != nil || conf.Notification.Slack.WebhookUrl == "" {
		return
	}

	go func(url string) {
		if err := SlackNotification(url, systemError); err != nil {
			logrus.WithError(err).Warn("Failed to send slack notification")
		}
	}(conf.Notification.Slack.WebhookUrl)
}

// RegisterConfiguredWebhook registers an HTTP sender when a webhook url is configured.
func RegisterConfiguredWebhook(cnf *config.Configuration) {
	if cnf.Notification.Webhook.Url == "" {
		return
	}
	RegisterWebhookSender(NewHTTPWebhookSender(&http.Client{Timeout: 10 * time.Second}, cnf.Notification.Webhook.Url, cnf.Notification.Webhook.Headers))
}

