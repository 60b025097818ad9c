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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/caseflow"
	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/database/mocks"
	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/blnkfinance/caseflow/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	model2 "github.com/blnkfinance/caseflow/api/model"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	err := json.NewDecoder(resp.Body).Decode(s.Response)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func setupRouter(t *testing.T) (*gin.Engine, *mocks.MockDataSource, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		ProjectName: "caseflow",
		Redis:       config.RedisConfig{Dns: mr.Addr()},
		DataSource:  config.DataSourceConfig{Dns: "postgres://postgres:@localhost:5432/caseflow?sslmode=disable"},
		Queue:       config.QueueConfig{IngestQueue: config.DEFAULT_INGEST_QUEUE},
		Processing:  config.ProcessingConfig{StoreRetryAttempts: 1},
	})

	ds := new(mocks.MockDataSource)
	c, err := caseflow.NewCaseflow(ds)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return NewAPI(c).Router(), ds, mr
}

func toJSON(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func caseEvent(caseID string) json.RawMessage {
	return json.RawMessage(`{"EventInstanceId":"` + gofakeit.UUID() + `","EventTimeStamp":"2024-05-01T10:00:00.000","CaseId":"` + caseID + `","JurisdictionId":"IA","CaseTypeId":"Asylum","EventId":"submitAppeal","NewStateId":"appealSubmitted","UserId":"user-1"}`)
}

func TestIngestMessage(t *testing.T) {
	router, ds, _ := setupRouter(t)
	caseID := gofakeit.Numerify("################")
	payload := model2.IngestMessage{
		MessageID:      gofakeit.UUID(),
		CaseID:         caseID,
		MessageContent: caseEvent(caseID),
	}

	ds.On("UpsertMessage", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.MessageID == payload.MessageID && m.CaseID == caseID && m.State == model.StateNew
	})).Return(&model.Message{MessageID: payload.MessageID, CaseID: caseID, State: model.StateNew}, nil)

	var response model.Message
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toJSON(t, payload),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/messages",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, payload.MessageID, response.MessageID)
	assert.Equal(t, model.StateNew, response.State)
}

func TestIngestMessage_Invalid(t *testing.T) {
	router, ds, _ := setupRouter(t)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toJSON(t, map[string]string{"message_id": "m1"}),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/messages",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, response, "errors")
	ds.AssertNotCalled(t, "UpsertMessage", mock.Anything, mock.Anything)
}

func TestIngestMessage_StoreUnavailable(t *testing.T) {
	router, ds, _ := setupRouter(t)
	ds.On("UpsertMessage", mock.Anything, mock.Anything).
		Return(nil, apierror.NewAPIError(apierror.ErrUnavailable, "database unavailable", nil))

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toJSON(t, model2.IngestMessage{MessageContent: caseEvent("1")}),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/messages",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestGetMessage(t *testing.T) {
	router, ds, _ := setupRouter(t)
	ds.On("GetMessage", mock.Anything, "m1").Return(&model.Message{MessageID: "m1", State: model.StateReady}, nil)
	ds.On("GetMessage", mock.Anything, "missing").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "message with ID 'missing' not found", nil))

	var found model.Message
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &found, Method: http.MethodGet, Route: "/messages/m1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.StateReady, found.State)

	var missing map[string]interface{}
	resp, err = SetUpTestRequest(TestRequest{Router: router, Response: &missing, Method: http.MethodGet, Route: "/messages/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestQueryMessages(t *testing.T) {
	router, ds, _ := setupRouter(t)
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	ds.On("QueryMessages", mock.Anything, mock.MatchedBy(func(f model.MessageFilter) bool {
		return len(f.States) == 2 && f.States[0] == model.StateNew && f.States[1] == model.StateReady &&
			f.CaseID == "c1" && f.ReceivedFrom != nil && f.ReceivedFrom.Equal(from) &&
			f.ReceivedTo == nil && f.Limit == 10 && f.Offset == 20
	})).Return([]*model.Message{{MessageID: "m1"}}, nil)

	var response []model.Message
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/messages?state=new&state=READY&case_id=c1&received_from=2024-05-01T00:00:00Z&limit=10&offset=20",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, response, 1)
	assert.Equal(t, "m1", response[0].MessageID)
}

func TestQueryMessages_BadParams(t *testing.T) {
	router, ds, _ := setupRouter(t)

	for _, route := range []string{
		"/messages?state=DONE",
		"/messages?received_to=yesterday",
		"/messages?limit=-1",
	} {
		var response map[string]interface{}
		resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &response, Method: http.MethodGet, Route: route})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.Code, route)
	}
	ds.AssertNotCalled(t, "QueryMessages", mock.Anything, mock.Anything)
}

func TestMessageStats(t *testing.T) {
	router, ds, _ := setupRouter(t)
	ds.On("CountMessagesByState", mock.Anything).Return([]model.StateCount{
		{State: model.StateNew, Count: 3},
		{State: model.StateProcessed, Count: 7},
	}, nil)

	var response []model.StateCount
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &response, Method: http.MethodGet, Route: "/messages/stats"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, response, 2)
}

func TestStuckMessages(t *testing.T) {
	router, ds, _ := setupRouter(t)
	ds.On("FindStuckNewMessages", mock.Anything, mock.AnythingOfType("time.Time"), 5).
		Return([]*model.Message{{MessageID: "old", State: model.StateNew}}, nil)

	var response []model.Message
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &response, Method: http.MethodGet, Route: "/messages/stuck?older_than_min=30&limit=5"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, response, 1)
	assert.Equal(t, "old", response[0].MessageID)
}

func TestChangeMessageState(t *testing.T) {
	router, ds, _ := setupRouter(t)
	ds.On("UpdateMessageState", mock.Anything, model.StateReady, []string{"m1", "m2"}).Return(int64(1), nil)
	ds.On("OverrideMessageState", mock.Anything, model.StateNew, []string{"m3"}).Return(int64(1), nil)

	var response model2.StateChangeResult
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toJSON(t, model2.ChangeMessageState{State: "ready", MessageIDs: []string{"m1", "m2"}, Operator: "ops@example.com"}),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/messages/state",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(1), response.Updated)
	assert.Equal(t, model.StateReady, response.State)

	resp, err = SetUpTestRequest(TestRequest{
		Payload:  toJSON(t, model2.ChangeMessageState{State: "NEW", MessageIDs: []string{"m3"}, Operator: "ops@example.com", Override: true}),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/messages/state",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	ds.AssertExpectations(t)
}

func TestChangeMessageState_MissingOperator(t *testing.T) {
	router, ds, _ := setupRouter(t)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  toJSON(t, model2.ChangeMessageState{State: "READY", MessageIDs: []string{"m1"}}),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/messages/state",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	ds.AssertNotCalled(t, "UpdateMessageState", mock.Anything, mock.Anything, mock.Anything)
}

func TestHealthEndpoints(t *testing.T) {
	router, ds, _ := setupRouter(t)
	ds.On("Ping", mock.Anything).Return(nil).Once()
	ds.On("Ping", mock.Anything).Return(errors.New("connection refused"))

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &response, Method: http.MethodGet, Route: "/health/liveness"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Response: &response, Method: http.MethodGet, Route: "/health/readiness"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Response: &response, Method: http.MethodGet, Route: "/health/readiness"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "DOWN", response["status"])
}

func TestMessageHealth(t *testing.T) {
	router, ds, _ := setupRouter(t)
	ds.On("CountMessagesByState", mock.Anything).Return([]model.StateCount{{State: model.StateReady, Count: 2}}, nil).Once()
	ds.On("FindStuckNewMessages", mock.Anything, mock.Anything, 1).Return(nil, nil).Once()

	var healthy caseflow.BacklogHealth
	resp, err := SetUpTestRequest(TestRequest{Router: router, Response: &healthy, Method: http.MethodGet, Route: "/health/messages"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, healthy.Healthy)
	assert.Equal(t, int64(2), healthy.ReadyBacklog)

	ds.On("CountMessagesByState", mock.Anything).Return([]model.StateCount{{State: model.StateNew, Count: 1}}, nil)
	ds.On("FindStuckNewMessages", mock.Anything, mock.Anything, 1).Return([]*model.Message{{MessageID: "old"}}, nil)

	var unhealthy caseflow.BacklogHealth
	resp, err = SetUpTestRequest(TestRequest{Router: router, Response: &unhealthy, Method: http.MethodGet, Route: "/health/messages"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.False(t, unhealthy.Healthy)
	assert.NotEmpty(t, unhealthy.Reasons)
}
