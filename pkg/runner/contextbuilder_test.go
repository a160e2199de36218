package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/proto"
	"autopilot/pkg/state"
	"autopilot/pkg/utils"
)

func newTestBuilder(t *testing.T) (*ContextBuilder, *state.Store, *state.Run) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	run := &state.Run{
		ID:                  "run-001",
		Title:               "fix login bug",
		State:               proto.StateRunning,
		VerificationCommand: "go test ./...",
		StartedAt:           time.Now().UTC(),
	}
	require.NoError(t, store.CreateRun(run, "Fix the login handler so expired sessions redirect."))

	counter, err := utils.NewTokenCounter("")
	require.NoError(t, err)
	return NewContextBuilder(store, counter), store, run
}

func TestBuildSectionOrder(t *testing.T) {
	cb, store, run := newTestBuilder(t)

	require.NoError(t, store.AppendGuardrail(run.ID, "human", "never touch the migrations directory"))
	require.NoError(t, store.WriteProgress(run.ID, "Reproduced the bug with a failing test."))

	recent := []proto.IterationRecord{{
		Sequence: 1,
		Decision: proto.DecisionContinue,
		Results: []proto.ActionResult{
			{Type: proto.ActionRun, Command: "go test ./...", ExitCode: 1, Stderr: "FAIL: TestLogin"},
		},
	}}

	run.Iterations = 1
	prompt, err := cb.Build(run, recent)
	require.NoError(t, err)

	sections := []string{
		"# Task",
		"Fix the login handler",
		"# Guardrails",
		"never touch the migrations directory",
		"# Progress so far",
		"Reproduced the bug",
		"# Verification command",
		"go test ./...",
		"# Recent iterations",
		"FAIL: TestLogin",
		"Iteration 2. Reply with your next action batch.",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(prompt, s)
		require.GreaterOrEqual(t, idx, 0, "missing section %q", s)
		assert.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
}

func TestBuildChecklistSection(t *testing.T) {
	cb, _, run := newTestBuilder(t)

	run.Checklist = []state.ChecklistItem{
		{Text: "failing test added", Done: true},
		{Text: "fix verified end to end"},
	}

	prompt, err := cb.Build(run, nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "# Success checklist")
	assert.Contains(t, prompt, "- [x] failing test added")
	assert.Contains(t, prompt, "- [ ] fix verified end to end")

	// Between guardrails territory and progress.
	assert.Less(t, strings.Index(prompt, "# Task"), strings.Index(prompt, "# Success checklist"))
	assert.Less(t, strings.Index(prompt, "# Success checklist"), strings.Index(prompt, "# Verification command"))
}

func TestBuildOmitsEmptySections(t *testing.T) {
	cb, _, run := newTestBuilder(t)

	prompt, err := cb.Build(run, nil)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "# Success checklist")
	assert.NotContains(t, prompt, "# Guardrails")
	assert.NotContains(t, prompt, "# Progress so far")
	assert.NotContains(t, prompt, "# Recent iterations")
	assert.NotContains(t, prompt, "# Directive")
	assert.Contains(t, prompt, "Iteration 1.")
}

func TestBuildGuardrailsVerbatimAndOrdered(t *testing.T) {
	cb, store, run := newTestBuilder(t)

	require.NoError(t, store.AppendGuardrail(run.ID, "human", "first rule"))
	require.NoError(t, store.AppendGuardrail(run.ID, "doctor", "second rule"))

	prompt, err := cb.Build(run, nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "- [human] first rule")
	assert.Contains(t, prompt, "- [doctor] second rule")
	assert.Less(t, strings.Index(prompt, "first rule"), strings.Index(prompt, "second rule"))
}

func TestBuildRotateDirective(t *testing.T) {
	cb, _, run := newTestBuilder(t)

	run.ForceRotate = true
	prompt, err := cb.Build(run, nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "# Directive")
	assert.Contains(t, prompt, "substantially different approach")
}

func TestBuildLimitsRecentIterations(t *testing.T) {
	cb, _, run := newTestBuilder(t)

	var recent []proto.IterationRecord
	for i := 1; i <= 5; i++ {
		recent = append(recent, proto.IterationRecord{Sequence: i, Decision: proto.DecisionContinue})
	}

	prompt, err := cb.Build(run, recent)
	require.NoError(t, err)

	// Only the newest three survive.
	assert.NotContains(t, prompt, "## Iteration 1 ")
	assert.NotContains(t, prompt, "## Iteration 2 ")
	assert.Contains(t, prompt, "## Iteration 3 (decision: continue)")
	assert.Contains(t, prompt, "## Iteration 5 (decision: continue)")
}

func TestBuildTruncatesLongOutput(t *testing.T) {
	cb, _, run := newTestBuilder(t)

	recent := []proto.IterationRecord{{
		Sequence: 1,
		Decision: proto.DecisionContinue,
		Results: []proto.ActionResult{{
			Type:     proto.ActionRun,
			Command:  "go test ./...",
			ExitCode: 1,
			Stdout:   strings.Repeat("early noise line\n", 2000) + "final failing assertion",
		}},
	}}

	prompt, err := cb.Build(run, recent)
	require.NoError(t, err)

	// The tail of the output survives head truncation.
	assert.Contains(t, prompt, "final failing assertion")
	assert.Less(t, len(prompt), 2000*len("early noise line\n"))
}

func TestRepairPrompt(t *testing.T) {
	cb, _, _ := newTestBuilder(t)
	got := cb.RepairPrompt(assertParseErr{})
	assert.Contains(t, got, "not a valid action batch")
	assert.Contains(t, got, "unexpected token")
	assert.Contains(t, got, `{"actions":[...]}`)
}

func TestSystemPromptNamesEveryActionType(t *testing.T) {
	cb, _, _ := newTestBuilder(t)
	sys := cb.SystemPrompt()
	for _, typ := range []string{"run", "patch", "write", "commit", "rotate", "pause", "stop_success", "stop_failure"} {
		assert.Contains(t, sys, `"type":"`+typ+`"`)
	}
}

type assertParseErr struct{}

func (assertParseErr) Error() string { return "unexpected token" }
