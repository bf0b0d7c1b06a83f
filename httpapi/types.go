package httpapi

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/isdmx/flowbox/flowstore"
	"github.com/isdmx/flowbox/sandbox"
	"github.com/isdmx/flowbox/session"
)

// ExecuteRequest is the body of every execute endpoint. InputValue may be a
// JSON string or any other JSON value; non-strings are passed on as JSON text.
type ExecuteRequest struct {
	FunctionCode string          `json:"function_code"`
	InputValue   json.RawMessage `json:"input_value"`
	Timeout      float64         `json:"timeout"`
}

// InputText returns the input as handed to the engine
func (r ExecuteRequest) InputText() string {
	raw := bytes.TrimSpace(r.InputValue)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ExecuteResponse is the normalized result of a synchronous execution
type ExecuteResponse struct {
	Success         bool    `json:"success"`
	Output          *string `json:"output"`
	ExecutionTime   float64 `json:"execution_time"`
	Error           *string `json:"error"`
	ErrorType       *string `json:"error_type"`
	TimeoutEnforced bool    `json:"timeout_enforced"`
}

func newExecuteResponse(result sandbox.ExecuteResult) ExecuteResponse {
	resp := ExecuteResponse{
		Success:         result.Success,
		Output:          result.Output,
		ExecutionTime:   result.ExecutionTime.Seconds(),
		Error:           result.Error,
		TimeoutEnforced: result.TimeoutEnforced,
	}
	if !result.Success {
		kind := string(result.ErrorKind)
		resp.ErrorType = &kind
	}
	return resp
}

// StartResponse is returned when an asynchronous execution is accepted
type StartResponse struct {
	Success      bool   `json:"success"`
	LogFileID    string `json:"log_file_id"`
	SessionToken string `json:"session_token"`
	Message      string `json:"message"`
}

// CancelResponse reports a cancel request
type CancelResponse struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message"`
	SessionToken string         `json:"session_token"`
	Status       session.Status `json:"status,omitempty"`
}

// SessionResponse describes an asynchronous execution
type SessionResponse struct {
	SessionToken string           `json:"session_token"`
	Status       session.Status   `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Result       *ExecuteResponse `json:"result,omitempty"`
}

// StreamEvent is one server-sent event of the streaming endpoint
type StreamEvent struct {
	Type          string   `json:"type"`
	Content       *string  `json:"content,omitempty"`
	ErrorType     string   `json:"error_type,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
}

// FlowData is the editor graph inside a save request
type FlowData struct {
	Nodes []json.RawMessage `json:"nodes"`
	Edges []json.RawMessage `json:"edges"`
}

// SaveFlowRequest is the body of the save endpoint
type SaveFlowRequest struct {
	FlowData *FlowData `json:"flow_data"`
	FlowID   string    `json:"flow_id"`
}

// FlowResponse reports a save or load
type FlowResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	FlowID  string            `json:"flow_id"`
	SavedAt *time.Time        `json:"saved_at,omitempty"`
	Nodes   []json.RawMessage `json:"nodes"`
	Edges   []json.RawMessage `json:"edges"`
}

// FlowListResponse lists saved flows
type FlowListResponse struct {
	Success bool                `json:"success"`
	Flows   []flowstore.Summary `json:"flows"`
	Count   int                 `json:"count"`
}

// HealthResponse reports service status
type HealthResponse struct {
	Status       string                   `json:"status"`
	GoVersion    string                   `json:"go_version"`
	APIVersion   string                   `json:"api_version"`
	Capabilities []sandbox.CapabilityInfo `json:"capabilities"`
}

// ErrorResponse is returned for rejected requests
type ErrorResponse struct {
	Error string `json:"error"`
}
