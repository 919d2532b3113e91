// Package protocol defines the line-delimited JSON protocol spoken between
// archstate and archstate-runner over stdio. The runner announces itself
// with READY, then answers every CMD with zero or more EVENTs followed by
// DONE or ERROR, and finally sends EXIT.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeStateApply runs one state function on the host
	CommandTypeStateApply CommandType = "state.apply"
	// CommandTypeModuleCall calls a read-only execution module function
	CommandTypeModuleCall CommandType = "module.call"
	// CommandTypeExec executes a shell command
	CommandTypeExec CommandType = "exec"
)

// Module functions reachable through module.call.
const (
	ModuleAppImageIsInstalled = "appimage.is_installed"
	ModuleMakepkgGetPkgname   = "makepkg.get_pkgname"
	ModuleMakepkgIsInstalled  = "makepkg.is_installed"
	ModulePacmanGetBuildUser  = "pacman_build.get_build_user"
)

// Codes carried by ERROR messages.
const (
	// CodeInvalidCommand answers a line that is not a valid CMD.
	CodeInvalidCommand = "INVALID_COMMAND"
	// CodeExecFailed reports a handler error.
	CodeExecFailed = "EXEC_FAILED"
	// CodeTimeout reports a command that ran past its timeout.
	CodeTimeout = "TIMEOUT"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID             string            `json:"id"`
	Type           CommandType       `json:"type"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Timeout        int               `json:"timeout"` // seconds
	Params         json.RawMessage   `json:"params"`
	Signature      string            `json:"signature,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Progress  *ProgressInfo     `json:"progress,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Result    json.RawMessage   `json:"result"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID  string            `json:"command_id,omitempty"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Retryable  bool              `json:"retryable"`
	RetryAfter int               `json:"retry_after,omitempty"` // seconds
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	SelfDeleted   bool   `json:"self_deleted"`
	CommandsTotal int    `json:"commands_total"`
}

// Command parameter structures for each command type

// StateApplyParams names one state to run. The DONE result is an
// engine.StateResult.
type StateApplyParams struct {
	Function string                 `json:"function"`
	ID       string                 `json:"id"`
	Name     string                 `json:"name,omitempty"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Test     bool                   `json:"test"`
	RunID    string                 `json:"run_id,omitempty"`
}

// ModuleCallParams names an execution module function and its arguments.
type ModuleCallParams struct {
	Function string                 `json:"function"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// ModuleCallResult carries the function's return value.
type ModuleCallResult struct {
	Value interface{} `json:"value"`
}

// ExecParams contains parameters for shell command execution. Commands run
// as root unless RunAsBuildUser is set.
type ExecParams struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Stdin          string            `json:"stdin,omitempty"`
	RunAsBuildUser bool              `json:"run_as_build_user"`
}

// ExecResult contains the result of command execution.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration"`
}

// Validate checks the state.apply params.
func (p *StateApplyParams) Validate() error {
	if p.Function == "" {
		return fmt.Errorf("function is required")
	}
	if p.ID == "" {
		return fmt.Errorf("state id is required")
	}
	return nil
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeStateApply, CommandTypeModuleCall, CommandTypeExec:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
