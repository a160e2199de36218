package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{
			name:   "valid run",
			action: Action{Type: ActionRun, Command: "go test ./...", TimeoutSeconds: 120},
		},
		{
			name:    "run without command",
			action:  Action{Type: ActionRun, TimeoutSeconds: 120},
			wantErr: true,
		},
		{
			name:    "run without timeout",
			action:  Action{Type: ActionRun, Command: "ls"},
			wantErr: true,
		},
		{
			name:    "run timeout over cap",
			action:  Action{Type: ActionRun, Command: "sleep 1", TimeoutSeconds: MaxRunTimeoutSeconds + 1},
			wantErr: true,
		},
		{
			name:   "valid patch",
			action: Action{Type: ActionPatch, Path: "main.go", Diff: "@@ -1 +1 @@\n-a\n+b\n"},
		},
		{
			name:    "patch without diff",
			action:  Action{Type: ActionPatch, Path: "main.go"},
			wantErr: true,
		},
		{
			name:   "valid write",
			action: Action{Type: ActionWrite, Path: "notes.txt", Content: "hello"},
		},
		{
			name:    "write without path",
			action:  Action{Type: ActionWrite, Content: "hello"},
			wantErr: true,
		},
		{
			name:   "valid commit",
			action: Action{Type: ActionCommit, Paths: []string{"main.go"}, Message: "fix parser"},
		},
		{
			name:    "commit without paths",
			action:  Action{Type: ActionCommit, Message: "fix parser"},
			wantErr: true,
		},
		{
			name:   "control action with reason",
			action: Action{Type: ActionStopSuccess, Reason: "all checks pass"},
		},
		{
			name:    "unknown type",
			action:  Action{Type: "explode"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseActionBatch(t *testing.T) {
	raw := `{"actions":[{"type":"run","command":"go build ./...","timeout_seconds":300},{"type":"write","path":"a.txt","content":"x"}]}`

	batch, err := ParseActionBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch.Actions, 2)
	assert.Equal(t, ActionRun, batch.Actions[0].Type)
	assert.Equal(t, ActionWrite, batch.Actions[1].Type)
}

func TestParseActionBatchStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"actions\":[{\"type\":\"pause\"}]}\n```"

	batch, err := ParseActionBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch.Actions, 1)
	assert.Equal(t, ActionPause, batch.Actions[0].Type)
}

func TestParseActionBatchRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        "run the tests please",
		"empty batch":     `{"actions":[]}`,
		"unknown field":   `{"actions":[{"type":"pause"}],"mystery":true}`,
		"invalid action":  `{"actions":[{"type":"run"}]}`,
		"unknown variant": `{"actions":[{"type":"teleport"}]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseActionBatch(raw)
			assert.Error(t, err)
		})
	}
}

func TestTerminatingActions(t *testing.T) {
	assert.True(t, ActionRotate.Terminating())
	assert.True(t, ActionPause.Terminating())
	assert.True(t, ActionStopSuccess.Terminating())
	assert.True(t, ActionStopFailure.Terminating())
	assert.False(t, ActionRun.Terminating())
	assert.False(t, ActionCommit.Terminating())
}
