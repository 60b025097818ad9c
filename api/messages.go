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

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/blnkfinance/caseflow"
	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/blnkfinance/caseflow/model"
	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/caseflow/api/model"
)

const defaultPageSize = 50

func errorResponse(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

// IngestMessage stores a case event directly, or hands it to the ingest
// queue when the queue query parameter is true.
func (a Api) IngestMessage(c *gin.Context) {
	var payload model2.IngestMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := payload.ValidateIngestMessage(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err})
		return
	}

	in := payload.ToIncomingMessage()
	if queued, _ := strconv.ParseBool(c.Query("queue")); queued {
		id, err := a.caseflow.EnqueueMessage(c.Request.Context(), in)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message_id": id, "status": "queued"})
		return
	}

	msg, err := a.caseflow.IngestMessage(c.Request.Context(), in)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (a Api) GetMessage(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	msg, err := a.caseflow.GetMessage(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func parseTimeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, key+" must be an RFC3339 timestamp", err)
	}
	return &t, nil
}

func parseIntQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierror.NewAPIError(apierror.ErrBadRequest, key+" must be a non-negative integer", err)
	}
	return n, nil
}

// QueryMessages lists messages filtered by state, case and received window.
func (a Api) QueryMessages(c *gin.Context) {
	var filter model.MessageFilter
	for _, raw := range c.QueryArray("state") {
		state, err := model.ParseMessageState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.States = append(filter.States, state)
	}
	filter.CaseID = c.Query("case_id")

	var err error
	if filter.ReceivedFrom, err = parseTimeQuery(c, "received_from"); err != nil {
		errorResponse(c, err)
		return
	}
	if filter.ReceivedTo, err = parseTimeQuery(c, "received_to"); err != nil {
		errorResponse(c, err)
		return
	}
	if filter.Limit, err = parseIntQuery(c, "limit", defaultPageSize); err != nil {
		errorResponse(c, err)
		return
	}
	if filter.Offset, err = parseIntQuery(c, "offset", 0); err != nil {
		errorResponse(c, err)
		return
	}

	messages, err := a.caseflow.QueryMessages(c.Request.Context(), filter)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if messages == nil {
		messages = []*model.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (a Api) MessageStats(c *gin.Context) {
	counts, err := a.caseflow.CountMessagesByState(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// StuckMessages lists NEW messages older than older_than_min minutes.
func (a Api) StuckMessages(c *gin.Context) {
	olderThan, err := parseIntQuery(c, "older_than_min", 60)
	if err != nil {
		errorResponse(c, err)
		return
	}
	limit, err := parseIntQuery(c, "limit", defaultPageSize)
	if err != nil {
		errorResponse(c, err)
		return
	}

	messages, err := a.caseflow.FindStuckNewMessages(c.Request.Context(), olderThan, limit)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if messages == nil {
		messages = []*model.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (a Api) ChangeMessageState(c *gin.Context) {
	var payload model2.ChangeMessageState
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := payload.ValidateChangeMessageState(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err})
		return
	}

	state, _ := model.ParseMessageState(payload.State)
	updated, err := a.caseflow.ChangeMessageState(c.Request.Context(), caseflow.StateChange{
		State:      state,
		MessageIDs: payload.MessageIDs,
		Operator:   payload.Operator,
		Override:   payload.Override,
	})
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, model2.StateChangeResult{State: state, Updated: updated})
}
