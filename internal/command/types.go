package command

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Request is a single command received from the controller.
type Request struct {
	Name     string
	Argument *string
}

// NewRequest builds a Request with an optional argument.
func NewRequest(name string, arg ...string) Request {
	req := Request{Name: name}
	if len(arg) > 0 {
		v := arg[0]
		req.Argument = &v
	}
	return req
}

// Arg returns the trimmed argument, or "" when absent.
func (r Request) Arg() string {
	if r.Argument == nil {
		return ""
	}
	return strings.TrimSpace(*r.Argument)
}

// HasArg reports whether a non-blank argument was supplied.
func (r Request) HasArg() bool {
	return r.Arg() != ""
}

// WireRequest is the JSON body accepted on the command endpoint.
type WireRequest struct {
	Command string          `json:"command"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// ToRequest converts the wire form. Scalar values are stringified; null means absent.
// Non-scalar values are a Validation error.
func (w WireRequest) ToRequest() (Request, error) {
	req := Request{Name: strings.TrimSpace(w.Command)}
	raw := strings.TrimSpace(string(w.Value))
	if raw == "" || raw == "null" {
		return req, nil
	}

	var v any
	if err := json.Unmarshal(w.Value, &v); err != nil {
		return req, &Error{Kind: Validation, Message: "Invalid value", Err: err}
	}

	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return req, NewValidationError("Value must be a string, number or boolean")
	}
	req.Argument = &s
	return req, nil
}

// Kind tags a Result.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Result is the outcome of exactly one dispatch.
type Result struct {
	Kind    Kind
	Payload map[string]any // Success only

	Message string         // Failure only
	Error   ErrorKind      // Failure only
	Details map[string]any // Failure only, optional
}

// Success builds a successful Result.
func Success(payload map[string]any) Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return Result{Kind: KindSuccess, Payload: payload}
}

// Failure builds a failed Result.
func Failure(kind ErrorKind, message string, details map[string]any) Result {
	return Result{Kind: KindFailure, Error: kind, Message: message, Details: details}
}

// FromError converts an error into a Failure, keeping its kind and details when
// it is an *Error.
func FromError(err error) Result {
	var ce *Error
	if errors.As(err, &ce) {
		return Failure(ce.Kind, ce.Error(), ce.Details)
	}
	return Failure(Unexpected, err.Error(), nil)
}

// OK reports whether the result is a success.
func (r Result) OK() bool { return r.Kind == KindSuccess }

// Body renders the response body: {"status": "success"|"error", ...fields}.
func (r Result) Body() map[string]any {
	out := make(map[string]any, len(r.Payload)+len(r.Details)+2)
	if r.OK() {
		for k, v := range r.Payload {
			out[k] = v
		}
		out["status"] = "success"
		return out
	}
	for k, v := range r.Details {
		out[k] = v
	}
	out["status"] = "error"
	out["message"] = r.Message
	return out
}
