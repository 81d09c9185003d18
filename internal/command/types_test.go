package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRequestToRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantArg *string
		wantErr bool
	}{
		{name: "no value", body: `{"command":"system_info"}`},
		{name: "null value", body: `{"command":"system_info","value":null}`},
		{name: "string value", body: `{"command":"ping_test","value":"hello"}`, wantArg: ptr("hello")},
		{name: "number value", body: `{"command":"ping_test","value":42.5}`, wantArg: ptr("42.5")},
		{name: "bool value", body: `{"command":"ping_test","value":true}`, wantArg: ptr("true")},
		{name: "object value", body: `{"command":"ping_test","value":{"a":1}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w WireRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &w))

			req, err := w.ToRequest()
			if tt.wantErr {
				assert.Equal(t, Validation, KindOf(err))
				return
			}
			require.NoError(t, err)
			if tt.wantArg == nil {
				assert.Nil(t, req.Argument)
				assert.False(t, req.HasArg())
				return
			}
			require.NotNil(t, req.Argument)
			assert.Equal(t, *tt.wantArg, *req.Argument)
		})
	}
}

func TestResultBody(t *testing.T) {
	ok := Success(map[string]any{"echo_value": "hi", "status": "ignored"})
	body := ok.Body()
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "hi", body["echo_value"])

	fail := Failure(Execution, "boom", map[string]any{"details": "stdout text"})
	body = fail.Body()
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "boom", body["message"])
	assert.Equal(t, "stdout text", body["details"])
	assert.False(t, fail.OK())
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Validation.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, NotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Timeout.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Unexpected.HTTPStatus())

	wrapped := fmt.Errorf("outer: %w", NewExecutionError("inner failed", errors.New("exit 1")))
	assert.Equal(t, Execution, KindOf(wrapped))
	assert.Equal(t, Unexpected, KindOf(errors.New("plain")))

	res := FromError(NewValidationError("missing value"))
	assert.Equal(t, Validation, res.Error)
	assert.Equal(t, "missing value", res.Message)

	res = FromError(fmt.Errorf("step: %w", NewTimeoutError("System update timed out after 30m0s").WithDetails(map[string]any{"return_code": -1})))
	assert.Equal(t, Timeout, res.Error)
	assert.Equal(t, "System update timed out after 30m0s", res.Message)
	assert.Equal(t, -1, res.Details["return_code"])

	res = FromError(errors.New("plain"))
	assert.Equal(t, Unexpected, res.Error)
	assert.Equal(t, "plain", res.Message)
}

func ptr(s string) *string { return &s }
