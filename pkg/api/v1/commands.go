package v1

import (
	"encoding/json"
	"fmt"
)

// CommandType tags a command on the command stream.
type CommandType string

const (
	CommandCreate      CommandType = "create"
	CommandDelete      CommandType = "delete"
	CommandStatus      CommandType = "status"
	CommandSendCommand CommandType = "send_command"
	CommandSendFile    CommandType = "send_file"
	CommandGetLogs     CommandType = "get_logs"
)

// Command is the tagged union carried in the `data` field of a command
// stream entry. Fields not relevant to the tagged command are omitted.
type Command struct {
	Command   CommandType `json:"command"`
	RequestID string      `json:"request_id"`

	// create
	Config *WorkerConfig `json:"config,omitempty"`

	// all worker-scoped commands
	WorkerID string `json:"worker_id,omitempty"`

	// send_command
	ShellCommand   string `json:"shell_command,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// send_file
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// get_logs
	Tail int `json:"tail,omitempty"`
}

// ParseCommand decodes a command payload and checks the required fields for
// its tag. Unknown tags are rejected so the consumer can answer with a
// structured failure instead of guessing.
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command payload: %w", err)
	}
	if cmd.RequestID == "" {
		return nil, fmt.Errorf("request_id is required")
	}
	switch cmd.Command {
	case CommandCreate:
		if cmd.Config == nil {
			return nil, fmt.Errorf("create requires config")
		}
		if err := cmd.Config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid worker config: %w", err)
		}
	case CommandDelete, CommandStatus, CommandGetLogs:
		if cmd.WorkerID == "" {
			return nil, fmt.Errorf("%s requires worker_id", cmd.Command)
		}
	case CommandSendCommand:
		if cmd.WorkerID == "" {
			return nil, fmt.Errorf("send_command requires worker_id")
		}
		if cmd.ShellCommand == "" {
			return nil, fmt.Errorf("send_command requires shell_command")
		}
	case CommandSendFile:
		if cmd.WorkerID == "" || cmd.Path == "" {
			return nil, fmt.Errorf("send_file requires worker_id and path")
		}
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
	return &cmd, nil
}

// Response mirrors a command: same request_id, a success flag, and either
// command-specific result fields or an error string.
type Response struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`

	// create
	WorkerID string `json:"worker_id,omitempty"`

	// status
	Status *WorkerStatus `json:"status,omitempty"`

	// send_command
	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`

	// get_logs
	Logs string `json:"logs,omitempty"`
}

// FailureResponse builds an error response correlated to a request.
func FailureResponse(requestID string, err error) *Response {
	return &Response{
		RequestID: requestID,
		Success:   false,
		Error:     err.Error(),
	}
}
