// Package proto defines the wire types shared across the autopilot runner:
// model-emitted actions, iteration records, run lifecycle states, and the
// event stream consumed by the dashboard.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionType identifies one variant of the model action union.
type ActionType string

const (
	ActionRun         ActionType = "run"          // Execute a command in the sandbox
	ActionPatch       ActionType = "patch"        // Apply a unified diff to one file
	ActionWrite       ActionType = "write"        // Write or append bytes to one path
	ActionCommit      ActionType = "commit"       // Stage paths and commit
	ActionRotate      ActionType = "rotate"       // Control: start a fresh iteration
	ActionPause       ActionType = "pause"        // Control: suspend for human review
	ActionStopSuccess ActionType = "stop_success" // Control: declare the task done
	ActionStopFailure ActionType = "stop_failure" // Control: give up
)

// Terminating reports whether an action ends the batch: no action after a
// terminating one may execute.
func (t ActionType) Terminating() bool {
	switch t {
	case ActionRotate, ActionPause, ActionStopSuccess, ActionStopFailure:
		return true
	case ActionRun, ActionPatch, ActionWrite, ActionCommit:
		return false
	}
	return false
}

// Control reports whether the action has no sandbox side effect.
func (t ActionType) Control() bool {
	return t.Terminating()
}

// Action is one validated entry of a model action batch. Exactly the fields
// required by its Type are meaningful; Validate enforces them.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Action struct {
	Type ActionType `json:"type"`

	// run fields
	Command        string `json:"command,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// patch fields
	Path string `json:"path,omitempty"`
	Diff string `json:"diff,omitempty"`

	// write fields (Path shared with patch)
	Content string `json:"content,omitempty"`
	Append  bool   `json:"append,omitempty"`

	// commit fields
	Paths   []string `json:"paths,omitempty"`
	Message string   `json:"message,omitempty"`

	// control fields
	Reason string `json:"reason,omitempty"`
}

// MaxRunTimeoutSeconds bounds the timeout a model may request for a command.
const MaxRunTimeoutSeconds = 900

// Validate checks that the action carries exactly the required fields for
// its type. Unknown or malformed actions are rejected, never guessed at.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionRun:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("run action requires a command")
		}
		if a.TimeoutSeconds <= 0 {
			return fmt.Errorf("run action requires a positive timeout_seconds")
		}
		if a.TimeoutSeconds > MaxRunTimeoutSeconds {
			return fmt.Errorf("run timeout %ds exceeds maximum %ds", a.TimeoutSeconds, MaxRunTimeoutSeconds)
		}
	case ActionPatch:
		if a.Path == "" {
			return fmt.Errorf("patch action requires a path")
		}
		if a.Diff == "" {
			return fmt.Errorf("patch action requires a diff")
		}
	case ActionWrite:
		if a.Path == "" {
			return fmt.Errorf("write action requires a path")
		}
	case ActionCommit:
		if len(a.Paths) == 0 {
			return fmt.Errorf("commit action requires at least one path")
		}
		if strings.TrimSpace(a.Message) == "" {
			return fmt.Errorf("commit action requires a message")
		}
	case ActionRotate, ActionPause, ActionStopSuccess, ActionStopFailure:
		// Control signals carry only an optional reason.
	default:
		return fmt.Errorf("unknown action type: %q", a.Type)
	}
	return nil
}

// ActionBatch is the parsed, schema-validated output of one model request.
type ActionBatch struct {
	Actions []Action `json:"actions"`
}

// MaxBatchActions bounds the number of actions a model may emit per iteration.
const MaxBatchActions = 20

// ParseActionBatch parses raw model output into a validated batch. The model
// is asked for a bare JSON object but may wrap it in a markdown fence; the
// fence is stripped before parsing. Any schema violation fails the whole
// batch so the engine can issue its single repair retry.
func ParseActionBatch(raw string) (*ActionBatch, error) {
	trimmed := stripCodeFence(raw)

	var batch ActionBatch
	decoder := json.NewDecoder(strings.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to parse action batch: %w", err)
	}

	if len(batch.Actions) == 0 {
		return nil, fmt.Errorf("action batch is empty")
	}
	if len(batch.Actions) > MaxBatchActions {
		return nil, fmt.Errorf("action batch has %d actions, maximum is %d", len(batch.Actions), MaxBatchActions)
	}

	for i := range batch.Actions {
		if err := batch.Actions[i].Validate(); err != nil {
			return nil, fmt.Errorf("action %d invalid: %w", i, err)
		}
	}

	return &batch, nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ActionResult is the structured outcome of executing one action.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type ActionResult struct {
	Type     ActionType    `json:"type"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`

	// Command echoes the executed command for run actions.
	Command string `json:"command,omitempty"`
	// Path echoes the target path for patch/write actions.
	Path string `json:"path,omitempty"`
	// CommitSHA is set for successful commit actions.
	CommitSHA string `json:"commit_sha,omitempty"`
}
