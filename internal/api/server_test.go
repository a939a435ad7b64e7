package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cyclearb/internal/arbitrage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockController struct {
	mock.Mock
}

func (m *MockController) Start(ctx context.Context, subjectID string, notional float64) error {
	return m.Called(ctx, subjectID, notional).Error(0)
}

func (m *MockController) Stop(ctx context.Context, subjectID string) error {
	return m.Called(ctx, subjectID).Error(0)
}

func (m *MockController) Status(ctx context.Context, subjectID string) (arbitrage.SubjectStatus, error) {
	args := m.Called(ctx, subjectID)
	return args.Get(0).(arbitrage.SubjectStatus), args.Error(1)
}

func newServer(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewHandler(ctrl, logger).Router())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStart(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Start", mock.Anything, "42", 150.0).Return(nil)
	srv := newServer(t, ctrl)

	code, body := call(t, http.MethodPost, srv.URL+"/subjects/42/start", `{"notional": 150}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	ctrl.AssertExpectations(t)
}

func TestStart_MalformedBody(t *testing.T) {
	srv := newServer(t, new(MockController))
	code, body := call(t, http.MethodPost, srv.URL+"/subjects/42/start", `notional=5`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_amount", body.Status)
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err    error
		code   int
		status string
	}{
		{arbitrage.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{arbitrage.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: bad signature", arbitrage.ErrCredentialsInvalid), http.StatusUnprocessableEntity, "credentials_invalid"},
		{arbitrage.ErrAlreadyRunning, http.StatusConflict, "already_running"},
		{errors.New("database is down"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ctrl := new(MockController)
			ctrl.On("Start", mock.Anything, "42", 10.0).Return(tt.err)
			srv := newServer(t, ctrl)

			code, body := call(t, http.MethodPost, srv.URL+"/subjects/42/start", `{"notional": 10}`)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body.Status)
		})
	}
}

func TestStop(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Stop", mock.Anything, "42").Return(nil).Once()
	ctrl.On("Stop", mock.Anything, "42").Return(arbitrage.ErrNotRunning).Once()
	srv := newServer(t, ctrl)

	code, body := call(t, http.MethodPost, srv.URL+"/subjects/42/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	code, body = call(t, http.MethodPost, srv.URL+"/subjects/42/stop", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "not_running", body.Status)
}

func TestStatus(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Status", mock.Anything, "42").Return(arbitrage.SubjectStatus{
		SubjectID: "42", Running: true, State: arbitrage.StateSleeping, Notional: 100, Profit: 1.5,
	}, nil)
	ctrl.On("Status", mock.Anything, "7").Return(arbitrage.SubjectStatus{}, arbitrage.ErrNotFound)
	srv := newServer(t, ctrl)

	code, body := call(t, http.MethodGet, srv.URL+"/subjects/42/", "")
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, body.Subject)
	assert.True(t, body.Subject.Running)
	assert.Equal(t, arbitrage.StateSleeping, body.Subject.State)
	assert.Equal(t, 1.5, body.Subject.Profit)

	code, body = call(t, http.MethodGet, srv.URL+"/subjects/7/", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Nil(t, body.Subject)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t, new(MockController))

	code, body := call(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
