package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/config"
	"autopilot/pkg/model"
	"autopilot/pkg/proto"
	"autopilot/pkg/sandbox"
	"autopilot/pkg/scm"
	"autopilot/pkg/state"
)

// fakeSCM records PR calls in memory.
type fakeSCM struct {
	opened  []scm.PROptions
	updated []int
}

func (f *fakeSCM) Provider() scm.Provider                   { return scm.ProviderGitHub }
func (f *fakeSCM) RepoPath() string                         { return "acme/webapp" }
func (f *fakeSCM) ValidateAuth(context.Context) error       { return nil }
func (f *fakeSCM) DefaultBranch(context.Context) (string, error) { return "main", nil }

func (f *fakeSCM) OpenPR(_ context.Context, opts scm.PROptions) (*scm.PullRequestInfo, error) {
	f.opened = append(f.opened, opts)
	return &scm.PullRequestInfo{URL: "https://github.com/acme/webapp/pull/7", Number: 7}, nil
}

func (f *fakeSCM) UpdatePR(_ context.Context, number int, _, _ string) error {
	f.updated = append(f.updated, number)
	return nil
}

func (f *fakeSCM) CommentPR(context.Context, int, string) error { return nil }
func (f *fakeSCM) PRChecks(context.Context, int) (scm.CheckState, error) {
	return scm.ChecksPassing, nil
}

type controllerHarness struct {
	ctrl     *Controller
	store    *state.Store
	provider *fakeProvider
	scm      *fakeSCM
	clients  map[string]*model.MockClient
	cfg      config.Config
}

func newControllerHarness(t *testing.T, clients map[string]*model.MockClient) *controllerHarness {
	t.Helper()

	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := *config.Defaults()
	cfg.Profiles = map[string]config.ModelProfile{
		"primary":  {Model: "claude-sonnet-4-5", MaxOutputTokens: 8192},
		"fallback": {Model: "gpt-5", MaxOutputTokens: 8192},
		"doctor":   {Model: "claude-opus-4-1", MaxOutputTokens: 8192},
	}
	cfg.PrimaryProfile = "primary"
	cfg.FallbackProfile = "fallback"
	cfg.DoctorProfile = "doctor"
	cfg.SCM.RepoURL = "https://github.com/acme/webapp"
	cfg.VerificationCommand = "go test ./..."

	provider := newFakeProvider()
	scmClient := &fakeSCM{}

	h := &controllerHarness{store: store, provider: provider, scm: scmClient, clients: clients, cfg: cfg}
	h.ctrl = NewController(Options{
		Config:   cfg,
		Store:    store,
		Provider: provider,
		Clients: func(name string) (model.Client, error) {
			client, ok := clients[name]
			if !ok {
				return nil, assert.AnError
			}
			return client, nil
		},
		SCMFor: func(string) (scm.Client, error) { return scmClient, nil },
	})
	return h
}

func (h *controllerHarness) createRun(t *testing.T, checklist ...string) *state.Run {
	t.Helper()
	run, err := h.ctrl.CreateRun(CreateRunRequest{
		Title:      "fix login bug",
		AnchorSpec: "Fix the login handler so expired sessions redirect.",
		Checklist:  checklist,
	})
	require.NoError(t, err)
	return run
}

func TestCreateRun(t *testing.T) {
	h := newControllerHarness(t, nil)
	run := h.createRun(t, "failing test added", "fix verified")

	assert.Equal(t, proto.StatePending, run.State)
	assert.Equal(t, "primary", run.ActiveProfile)
	assert.Contains(t, run.Branch, h.cfg.SCM.BranchPrefix)
	require.Len(t, run.Checklist, 2)
	assert.False(t, run.Checklist[0].Done)

	anchor, err := h.store.AnchorSpec(run.ID)
	require.NoError(t, err)
	assert.Contains(t, anchor, "login handler")
}

func TestCreateRunRequiresAnchor(t *testing.T) {
	h := newControllerHarness(t, nil)
	_, err := h.ctrl.CreateRun(CreateRunRequest{Title: "x"})
	assert.Error(t, err)
}

func TestRunToSuccess(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").
			ScriptText(continueBatch).
			ScriptText(successBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateSucceeded, final.State)
	assert.Equal(t, 2, final.Iterations)
	assert.Equal(t, "https://github.com/acme/webapp/pull/7", final.PRURL)
	assert.Equal(t, 7, final.PRNumber)
	assert.NotEmpty(t, final.SandboxSession)

	// The branch was pushed and exactly one PR opened.
	require.Len(t, h.provider.pushed, 1)
	assert.Equal(t, final.Branch, h.provider.pushed[0])
	require.Len(t, h.scm.opened, 1)
	assert.Equal(t, final.Branch, h.scm.opened[0].Head)
	assert.True(t, h.scm.opened[0].Draft)

	// State changes and iteration events landed in the durable log.
	events, err := h.ctrl.Activity(run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestStopSuccessRejectedOnUnsatisfiedChecklist(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").
			ScriptText(successBatch).
			ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t, "fix verified end to end")

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, final.State)
	assert.Equal(t, 2, final.Iterations)

	errLog, err := h.store.ErrorLog(run.ID)
	require.NoError(t, err)
	assert.Contains(t, errLog, "stop_success rejected")
	assert.Contains(t, errLog, "checklist")
	assert.Empty(t, h.scm.opened)
}

func TestStopSuccessRejectedOnFailingVerification(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").
			ScriptText(successBatch).
			ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	h.provider.script("sh -c go test ./...", failingExec("--- FAIL: TestLogin"))

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, final.State)

	errLog, err := h.store.ErrorLog(run.ID)
	require.NoError(t, err)
	assert.Contains(t, errLog, "stop_success rejected")
	assert.Contains(t, errLog, "exited 1")
}

func TestStopSuccessRejectedOnDirtyTree(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").
			ScriptText(successBatch).
			ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	h.provider.script("git status --porcelain", dirtyStatus(" M main.go\n"))

	h.ctrl.execute(context.Background(), run.ID)

	errLog, err := h.store.ErrorLog(run.ID)
	require.NoError(t, err)
	assert.Contains(t, errLog, "uncommitted changes")
}

func TestStopFailureFailsRun(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, final.State)
	assert.Contains(t, final.FailureReason, "stop_failure")
	assert.False(t, final.Resumable)
}

func TestPauseDecisionPausesRun(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(pauseBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatePaused, final.State)
	assert.Equal(t, 1, final.Iterations)
}

func TestIterationBudgetStopsRun(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(continueBatch),
	}
	h := newControllerHarness(t, clients)

	run := h.createRun(t)
	run.Budgets.MaxIterations = 2
	require.NoError(t, h.store.SaveRun(run))

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, final.State)
	assert.Equal(t, 2, final.Iterations)
	assert.Contains(t, final.FailureReason, "iteration budget")

	// Both iterations produced durable records before the stop.
	records, err := h.store.LoadIterations(run.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMitigationLadder(t *testing.T) {
	doctorReport := `The run keeps rerunning the same failing test without reading its output.

GUARDRAILS
- read the full test output before editing
- do not touch files outside pkg/login
`
	clients := map[string]*model.MockClient{
		"primary":  model.NewMockClient("claude-sonnet-4-5").ScriptText(continueBatch),
		"fallback": model.NewMockClient("gpt-5").ScriptText(continueBatch),
		"doctor":   model.NewMockClient("claude-opus-4-1").ScriptText(doctorReport),
	}
	h := newControllerHarness(t, clients)

	run := h.createRun(t)
	run.Budgets.MaxConsecutiveGutter = 10
	require.NoError(t, h.store.SaveRun(run))

	// Every iteration runs the same failing command with no diff, so the
	// loop score crosses the threshold from iteration 3 on.
	h.provider.script("sh -c go test ./...", failingExec("--- FAIL: TestLogin"))

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)

	// Rungs: force-rotate, fallback model, doctor, then human review.
	assert.Equal(t, proto.StatePaused, final.State)
	assert.Equal(t, proto.RungHumanReview, final.LadderRung)
	assert.Equal(t, "fallback", final.ActiveProfile)
	assert.Equal(t, 6, final.Iterations)
	assert.NotEmpty(t, final.LastDoctorReport)

	// The fallback model took over after rung two.
	assert.Positive(t, clients["fallback"].CallCount())
	assert.Equal(t, 1, clients["doctor"].CallCount())

	// Doctor guardrails were extracted and persisted.
	rails, err := h.store.Guardrails(run.ID)
	require.NoError(t, err)
	require.Len(t, rails, 2)
	assert.Equal(t, "doctor", rails[0].Author)
	assert.Equal(t, "read the full test output before editing", rails[0].Text)
}

func TestGutterBudgetExhausted(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary":  model.NewMockClient("claude-sonnet-4-5").ScriptText(continueBatch),
		"fallback": model.NewMockClient("gpt-5").ScriptText(continueBatch),
	}
	h := newControllerHarness(t, clients)

	run := h.createRun(t)
	run.Budgets.MaxConsecutiveGutter = 2
	require.NoError(t, h.store.SaveRun(run))

	h.provider.script("sh -c go test ./...", failingExec("--- FAIL: TestLogin"))

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, final.State)
	assert.Contains(t, final.FailureReason, "gutter budget")
}

func TestModelRotateCannotClearGutter(t *testing.T) {
	// A batch that fails the tests and then rotates. The rotate decision
	// must not reset the ladder while the iteration scores as a gutter.
	rotateAwayBatch := `{"actions":[` +
		`{"type":"run","command":"go test ./...","timeout_seconds":60},` +
		`{"type":"rotate","reason":"try something else"}]}`

	clients := map[string]*model.MockClient{
		"primary":  model.NewMockClient("claude-sonnet-4-5").ScriptText(rotateAwayBatch),
		"fallback": model.NewMockClient("gpt-5").ScriptText(rotateAwayBatch),
	}
	h := newControllerHarness(t, clients)

	run := h.createRun(t)
	run.Budgets.MaxConsecutiveGutter = 2
	require.NoError(t, h.store.SaveRun(run))

	h.provider.script("sh -c go test ./...", failingExec("--- FAIL: TestLogin"))

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, final.State)
	assert.Contains(t, final.FailureReason, "gutter budget")
	assert.Equal(t, 4, final.Iterations)

	// The ladder advanced through the first two rungs on the way.
	assert.Equal(t, proto.RungFallbackModel, final.LadderRung)
	assert.Equal(t, "fallback", final.ActiveProfile)
}

func TestResumeRestartsWallClock(t *testing.T) {
	h := newControllerHarness(t, nil)
	run := h.createRun(t)

	require.NoError(t, run.Transition(proto.StateRunning))
	run.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, h.store.SaveRun(run))

	h.ctrl.pauseRun(run)
	paused, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.InDelta(t, float64(3*time.Hour), float64(paused.ElapsedBefore), float64(time.Minute))

	// Simulate an overnight pause before the resume.
	paused.StartedAt = time.Now().UTC().Add(-8 * time.Hour)
	require.NoError(t, h.store.SaveRun(paused))

	require.NoError(t, h.ctrl.Resume(run.ID))

	resumed, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), resumed.StartedAt, time.Minute)
	assert.InDelta(t, float64(3*time.Hour), float64(resumed.ElapsedBefore), float64(time.Minute))
}

func TestCrashResumeDoesNotChargeDowntime(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	// The process died hours ago with the run still marked running. The
	// downtime must not count against the wall-time ceiling.
	require.NoError(t, run.Transition(proto.StateRunning))
	run.StartedAt = time.Now().UTC().Add(-8 * time.Hour)
	require.NoError(t, h.store.SaveRun(run))

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Contains(t, final.FailureReason, "stop_failure")
	assert.NotContains(t, final.FailureReason, "wall time")
}

func TestChecklistMarkedAllowsSuccess(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(successBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t, "fix verified end to end")

	require.NoError(t, h.ctrl.MarkChecklist(run.ID, "fix verified end to end"))

	marked, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	require.Len(t, marked.Checklist, 1)
	assert.True(t, marked.Checklist[0].Done)

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateSucceeded, final.State)
	require.Len(t, h.scm.opened, 1)
}

func TestMarkChecklistErrors(t *testing.T) {
	h := newControllerHarness(t, nil)
	run := h.createRun(t, "tests pass")

	assert.Error(t, h.ctrl.MarkChecklist(run.ID, "no such item"))

	require.NoError(t, h.ctrl.Stop(run.ID, "superseded"))
	assert.Error(t, h.ctrl.MarkChecklist(run.ID, "tests pass"))
}

func TestChecklistMarksSurviveIterationSnapshot(t *testing.T) {
	h := newControllerHarness(t, nil)
	created := h.createRun(t, "tests pass", "docs updated")

	// The loop holds its own copy of the run while an iteration is in
	// flight; a mark made through the API meanwhile must not be lost when
	// that copy is saved.
	inFlight, err := h.store.LoadRun(created.ID)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.MarkChecklist(created.ID, "tests pass"))

	h.ctrl.mergeChecklistMarks(inFlight)
	assert.True(t, inFlight.Checklist[0].Done)
	assert.False(t, inFlight.Checklist[1].Done)
}

func TestProgressSummaryWritten(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").
			ScriptText(continueBatch).
			ScriptText(successBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	h.ctrl.execute(context.Background(), run.ID)

	progress, err := h.store.Progress(run.ID)
	require.NoError(t, err)
	assert.Contains(t, progress, "Iteration 1 (continue)")
	assert.Contains(t, progress, "Iteration 2 (stop_success)")

	// The second iteration's prompt already carried the summary.
	records, err := h.store.LoadIterations(run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, records[1].PromptSnapshot, "# Progress so far")
	assert.Contains(t, records[1].PromptSnapshot, "Iteration 1 (continue)")
}

func TestResumeReconcilesIterationCounter(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	// Simulate a crash after the record was finalized but before the run
	// snapshot caught up.
	require.NoError(t, h.store.SaveIteration(run.ID, &proto.IterationRecord{
		Sequence:  1,
		Decision:  proto.DecisionContinue,
		StartedAt: time.Now().UTC(),
	}))
	require.Equal(t, 0, run.Iterations)

	h.ctrl.execute(context.Background(), run.ID)

	// The resumed run continued at sequence 2 instead of re-executing 1.
	records, err := h.store.LoadIterations(run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[1].Sequence)
}

func TestSessionReuseOnResume(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	run.SandboxSession = "sess-test"
	require.NoError(t, h.store.SaveRun(run))

	h.ctrl.execute(context.Background(), run.ID)

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-test", final.SandboxSession)
}

func TestStopNonExecutingRun(t *testing.T) {
	h := newControllerHarness(t, nil)
	run := h.createRun(t)

	require.NoError(t, h.ctrl.Stop(run.ID, "superseded"))

	final, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, final.State)
	assert.Equal(t, "superseded", final.FailureReason)

	// A terminal run cannot be stopped again.
	assert.Error(t, h.ctrl.Stop(run.ID, ""))
}

func TestResumeRequiresPausedState(t *testing.T) {
	h := newControllerHarness(t, nil)
	run := h.createRun(t)

	assert.Error(t, h.ctrl.Resume(run.ID))

	require.NoError(t, run.Transition(proto.StateRunning))
	require.NoError(t, run.Transition(proto.StatePaused))
	require.NoError(t, h.store.SaveRun(run))

	require.NoError(t, h.ctrl.Resume(run.ID))
	resumed, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateRunning, resumed.State)
}

func TestRotateSetsDirective(t *testing.T) {
	h := newControllerHarness(t, nil)
	run := h.createRun(t)

	require.NoError(t, h.ctrl.Rotate(run.ID))
	loaded, err := h.store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.True(t, loaded.ForceRotate)
}

func TestPauseRequiresActiveRun(t *testing.T) {
	h := newControllerHarness(t, nil)
	run := h.createRun(t)
	assert.Error(t, h.ctrl.Pause(run.ID))
}

func TestSubscribeReceivesStateChanges(t *testing.T) {
	clients := map[string]*model.MockClient{
		"primary": model.NewMockClient("claude-sonnet-4-5").ScriptText(failureBatch),
	}
	h := newControllerHarness(t, clients)
	run := h.createRun(t)

	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	h.ctrl.execute(context.Background(), run.ID)

	var states []string
	for {
		select {
		case ev := <-events:
			if ev.Type == proto.EventStateChange {
				states = append(states, ev.Message)
			}
			continue
		default:
		}
		break
	}
	assert.Contains(t, states, "running")
	assert.Contains(t, states, "failed")
}

func TestExtractGuardrails(t *testing.T) {
	report := `Diagnosis goes here.

## GUARDRAILS

- rule one
- rule two

Closing remarks end the section.
- this bullet is outside`

	rails := extractGuardrails(report)
	assert.Equal(t, []string{"rule one", "rule two"}, rails)

	assert.Empty(t, extractGuardrails("no section at all"))
}

func failingExec(stderr string) sandbox.ExecResult {
	return sandbox.ExecResult{ExitCode: 1, Stderr: stderr}
}

func dirtyStatus(stdout string) sandbox.ExecResult {
	return sandbox.ExecResult{Stdout: stdout}
}
