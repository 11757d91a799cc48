package handler

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/polisai/polis-apikit/pkg/domain"
)

// MessageSuccess is the message carried by successful results.
const MessageSuccess = "success"

// Result is the outcome of a controller run, rendered as a domain.ErrorResponse.
type Result struct {
	Code    domain.ErrorCode
	Error   string
	Message string
	Data    any

	// Status overrides the HTTP status derived from Code when non-zero.
	Status int
	// Header is copied onto the response before it is written.
	Header http.Header
}

// Success builds the result for an accepted request.
func Success(data any) *Result {
	return &Result{Code: domain.CodeOK, Message: MessageSuccess, Data: data}
}

// Response converts r into the wire body.
func (r *Result) Response(requestID, traceID string) domain.ErrorResponse {
	return domain.ErrorResponse{
		Code:      r.Code,
		Error:     r.Error,
		Message:   r.Message,
		Data:      r.Data,
		RequestID: requestID,
		TraceID:   traceID,
	}
}

// Helper builds results for the controller.
type Helper interface {
	// SetAPIError records the error descriptor used by the next Result.
	SetAPIError(apiErr domain.APIError)
	// Result builds a result with code and the recorded error, if any.
	Result(code domain.ErrorCode) *Result
}

// JSONHelper is the default Helper.
type JSONHelper struct {
	apiErr *domain.APIError
}

// NewJSONHelper returns a Helper with no recorded error.
func NewJSONHelper() Helper {
	return &JSONHelper{}
}

// SetAPIError implements Helper.
func (h *JSONHelper) SetAPIError(apiErr domain.APIError) {
	h.apiErr = &apiErr
}

// Result implements Helper.
func (h *JSONHelper) Result(code domain.ErrorCode) *Result {
	res := &Result{Code: code}
	if h.apiErr != nil {
		res.Error = h.apiErr.Key
		res.Message = h.apiErr.Message
	}
	return res
}

// HTTPStatus returns the response status for r.
func (r *Result) HTTPStatus() int {
	if r.Status != 0 {
		return r.Status
	}
	return r.Code.HTTPStatus()
}

// writeResult encodes res with its HTTP status and headers.
func writeResult(w http.ResponseWriter, res *Result, requestID, traceID string) error {
	for key, values := range res.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.HTTPStatus())
	return json.NewEncoder(w).Encode(res.Response(requestID, traceID))
}
