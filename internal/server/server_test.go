package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paguebem/infra/internal/state"
)

type fakeSource struct {
	st  *state.State
	err error
}

func (f *fakeSource) Outputs(context.Context) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.st.Outputs, nil
}

func (f *fakeSource) State(context.Context) (*state.State, error) {
	return f.st, f.err
}

func appliedState() *state.State {
	st := state.New()
	st.Serial = 7
	st.Upsert(&state.ResourceState{
		Address:    "function.api",
		Type:       "lambda_function",
		Inputs:     json.RawMessage(`{"environment":{"JWT_SECRET":"s3cret"}}`),
		Attributes: map[string]string{"function_name": "paguebem-api-dev"},
	})
	st.Outputs = map[string]string{
		"function_name": "paguebem-api-dev",
		"invoke_arn":    "arn:aws:apigateway:us-east-1:lambda:path/2015-03-31/functions/fn/invocations",
	}
	return st
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	status, body := get(t, New(&fakeSource{st: state.New()}, zap.NewNop()), "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestOutputs(t *testing.T) {
	s := New(&fakeSource{st: appliedState()}, zap.NewNop())

	status, body := get(t, s, "/outputs")
	assert.Equal(t, http.StatusOK, status)
	var outputs map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &outputs))
	assert.Equal(t, "paguebem-api-dev", outputs["function_name"])

	status, body = get(t, s, "/outputs/invoke_arn")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "lambda:path/2015-03-31")

	status, _ = get(t, s, "/outputs/missing")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestOutputs_NothingApplied(t *testing.T) {
	status, body := get(t, New(&fakeSource{st: state.New()}, zap.NewNop()), "/outputs")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, "run apply first")
}

func TestState_OmitsInputs(t *testing.T) {
	status, body := get(t, New(&fakeSource{st: appliedState()}, zap.NewNop()), "/state")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"serial":7`)
	assert.Contains(t, body, `"function.api"`)
	assert.NotContains(t, body, "s3cret")
}

func TestBackendErrorIs500(t *testing.T) {
	status, body := get(t, New(&fakeSource{err: errors.New("AccessDenied")}, zap.NewNop()), "/state")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body, "AccessDenied")
}
