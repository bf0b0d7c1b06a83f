package mcpserver

import (
	"github.com/isdmx/flowbox/flowstore"
	"github.com/isdmx/flowbox/sandbox"
)

type executionResult struct {
	Success         bool    `json:"success"`
	Output          *string `json:"output"`
	ExecutionTime   float64 `json:"execution_time"`
	Error           *string `json:"error"`
	ErrorType       string  `json:"error_type,omitempty"`
	TimeoutEnforced bool    `json:"timeout_enforced"`
}

func newExecutionResult(result sandbox.ExecuteResult) executionResult {
	return executionResult{
		Success:         result.Success,
		Output:          result.Output,
		ExecutionTime:   result.ExecutionTime.Seconds(),
		Error:           result.Error,
		ErrorType:       string(result.ErrorKind),
		TimeoutEnforced: result.TimeoutEnforced,
	}
}

type startResult struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token"`
	LogFileID    string `json:"log_file_id"`
	Message      string `json:"message"`
}

type cancelResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SessionToken string `json:"session_token"`
	Status       string `json:"status"`
}

type flowList struct {
	Flows []flowstore.Summary `json:"flows"`
	Count int                 `json:"count"`
}
