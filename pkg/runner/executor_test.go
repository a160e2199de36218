package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/proto"
	"autopilot/pkg/sandbox"
)

const samplePatch = `--- a/main.go
+++ b/main.go
@@ -1,3 +1,3 @@
 package main
-var x = 1
+var x = 2
`

func newTestExecutor(provider *fakeProvider, sink *fakeSink) *ActionExecutor {
	return NewActionExecutor(provider, "sess-test", "repo", "run-001", sink)
}

func TestExecuteBatchInOrder(t *testing.T) {
	provider := newFakeProvider()
	sink := &fakeSink{}
	exec := newTestExecutor(provider, sink)

	provider.script("git status --porcelain -- main.go", sandbox.ExecResult{Stdout: " M main.go\n"})

	actions := []proto.Action{
		{Type: proto.ActionRun, Command: "go test ./...", TimeoutSeconds: 60},
		{Type: proto.ActionWrite, Path: "notes.md", Content: "progress\n"},
		{Type: proto.ActionCommit, Paths: []string{"main.go"}, Message: "fix off-by-one"},
	}

	results, terminal, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	assert.Nil(t, terminal)
	require.Len(t, results, 3)

	assert.Equal(t, proto.ActionRun, results[0].Type)
	assert.True(t, results[0].OK)
	assert.Equal(t, proto.ActionWrite, results[1].Type)
	assert.True(t, results[1].OK)
	assert.Equal(t, proto.ActionCommit, results[2].Type)
	assert.True(t, results[2].OK)
	assert.Equal(t, "abc1234", results[2].CommitSHA)

	// The run command executed before the commit's status check.
	cmds := provider.commands()
	require.GreaterOrEqual(t, len(cmds), 2)
	assert.Equal(t, "sh -c go test ./...", cmds[0])

	// Every action produced a start and end event.
	assert.Len(t, sink.byType(proto.EventActionStart), 3)
	assert.Len(t, sink.byType(proto.EventActionEnd), 3)
}

func TestTerminatingActionShortCircuits(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	actions := []proto.Action{
		{Type: proto.ActionRun, Command: "ls", TimeoutSeconds: 10},
		{Type: proto.ActionStopSuccess, Reason: "all checks pass"},
		{Type: proto.ActionRun, Command: "never-runs", TimeoutSeconds: 10},
	}

	results, terminal, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, proto.ActionStopSuccess, terminal.Type)
	require.Len(t, results, 2)
	assert.True(t, results[1].OK)

	// The action after the terminating one never ran.
	for _, cmd := range provider.commands() {
		assert.NotContains(t, cmd, "never-runs")
	}
}

func TestRunFailureContinuesBatch(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	provider.script("sh -c go build ./...", sandbox.ExecResult{
		ExitCode: 2,
		Stderr:   "main.go:3: undefined: x",
	})

	actions := []proto.Action{
		{Type: proto.ActionRun, Command: "go build ./...", TimeoutSeconds: 60},
		{Type: proto.ActionWrite, Path: "notes.md", Content: "build failed\n"},
	}

	results, terminal, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	assert.Nil(t, terminal)
	require.Len(t, results, 2)

	// Non-zero exit is a recorded result, not a batch abort.
	assert.True(t, results[0].OK)
	assert.Equal(t, 2, results[0].ExitCode)
	assert.Equal(t, "main.go:3: undefined: x", results[0].Stderr)
	assert.True(t, results[1].OK)
}

func TestCommitFailureAbortsRemainder(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	// Clean status: nothing staged, commit fails.
	actions := []proto.Action{
		{Type: proto.ActionCommit, Paths: []string{"main.go"}, Message: "empty"},
		{Type: proto.ActionRun, Command: "never-runs", TimeoutSeconds: 10},
	}

	results, terminal, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	assert.Nil(t, terminal)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, ErrNothingToCommit.Error(), results[0].Error)

	for _, cmd := range provider.commands() {
		assert.NotContains(t, cmd, "never-runs")
	}
}

func TestPatchApplies(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	actions := []proto.Action{
		{Type: proto.ActionPatch, Path: "main.go", Diff: samplePatch},
	}

	results, _, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, "main.go", results[0].Path)

	// Staged outside the clone, checked before applying.
	cmds := provider.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "git apply --check --whitespace=nowarn ../.autopilot/patch-0001.diff", cmds[0])
	assert.Equal(t, "git apply --whitespace=nowarn ../.autopilot/patch-0001.diff", cmds[1])
}

func TestPatchConflictIsNotFatal(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	provider.script("git apply --check --whitespace=nowarn ../.autopilot/patch-0001.diff", sandbox.ExecResult{
		ExitCode: 1,
		Stderr:   "error: patch failed: main.go:1",
	})

	actions := []proto.Action{
		{Type: proto.ActionPatch, Path: "main.go", Diff: samplePatch},
		{Type: proto.ActionRun, Command: "echo next", TimeoutSeconds: 10},
	}

	results, _, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "patch conflict")

	// The failed check never reached the real apply, and the batch continued.
	for _, cmd := range provider.commands() {
		assert.NotEqual(t, "git apply --whitespace=nowarn ../.autopilot/patch-0001.diff", cmd)
	}
	assert.True(t, results[1].OK)
}

func TestPatchRejectsMultiFileDiff(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	multi := samplePatch + `--- a/other.go
+++ b/other.go
@@ -1 +1 @@
-old
+new
`
	actions := []proto.Action{{Type: proto.ActionPatch, Path: "main.go", Diff: multi}}

	results, _, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "exactly one file")
	assert.Empty(t, provider.commands())
}

func TestWritePathPolicy(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	cases := []string{
		"/etc/passwd",
		"../outside.txt",
		".git/hooks/post-commit",
		".autopilot/patch-0001.diff",
	}
	for _, p := range cases {
		t.Run(p, func(t *testing.T) {
			actions := []proto.Action{{Type: proto.ActionWrite, Path: p, Content: "x"}}
			results, _, err := exec.ExecuteBatch(context.Background(), 1, actions)
			require.Error(t, err)
			assert.Equal(t, KindPolicy, KindOf(err))
			require.Len(t, results, 1)
			assert.False(t, results[0].OK)
		})
	}
}

func TestWriteAndAppend(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	actions := []proto.Action{
		{Type: proto.ActionWrite, Path: "docs/notes.md", Content: "one\n"},
		{Type: proto.ActionWrite, Path: "docs/notes.md", Content: "two\n", Append: true},
	}

	results, _, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.Equal(t, "one\ntwo\n", string(provider.files["repo/docs/notes.md"]))
}

func TestProviderErrorSurfacesResumable(t *testing.T) {
	provider := newFakeProvider()
	exec := newTestExecutor(provider, &fakeSink{})

	provider.scriptErr("sh -c go test ./...", errors.New("session unreachable"))

	actions := []proto.Action{{Type: proto.ActionRun, Command: "go test ./...", TimeoutSeconds: 60}}

	_, _, err := exec.ExecuteBatch(context.Background(), 1, actions)
	require.Error(t, err)
	assert.Equal(t, KindProvider, KindOf(err))
	assert.True(t, IsResumable(err))
}

func TestFileHashesSkipsMissing(t *testing.T) {
	provider := newFakeProvider()
	provider.files["repo/main.go"] = []byte("package main\n")
	exec := newTestExecutor(provider, &fakeSink{})

	hashes := exec.FileHashes(context.Background(), []string{"main.go", "gone.go"})
	require.Len(t, hashes, 1)
	assert.Equal(t, proto.HashContent([]byte("package main\n")), hashes["main.go"])
}

func TestTouchedPaths(t *testing.T) {
	actions := []proto.Action{
		{Type: proto.ActionPatch, Path: "a.go", Diff: samplePatch},
		{Type: proto.ActionWrite, Path: "b.go", Content: "x"},
		{Type: proto.ActionWrite, Path: "a.go", Content: "y"},
		{Type: proto.ActionRun, Command: "ls", TimeoutSeconds: 10},
	}
	assert.Equal(t, []string{"a.go", "b.go"}, TouchedPaths(actions))
}
