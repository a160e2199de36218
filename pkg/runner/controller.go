package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopilot/pkg/config"
	"autopilot/pkg/logx"
	"autopilot/pkg/metrics"
	"autopilot/pkg/model"
	"autopilot/pkg/persistence"
	"autopilot/pkg/proto"
	"autopilot/pkg/sandbox"
	"autopilot/pkg/scm"
	"autopilot/pkg/state"
	"autopilot/pkg/utils"
)

// repoDir is where the working clone lives inside a sandbox session.
const repoDir = "repo"

// runHandle tracks control signals for one active run.
type runHandle struct {
	cancel    context.CancelFunc
	pauseReq  chan struct{}
	pauseOnce sync.Once
}

func (h *runHandle) requestPause() {
	h.pauseOnce.Do(func() { close(h.pauseReq) })
}

func (h *runHandle) pauseRequested() bool {
	select {
	case <-h.pauseReq:
		return true
	default:
		return false
	}
}

// Controller owns every run's lifecycle: creation, the bounded worker
// pool, pause/resume/rotate/stop requests, crash resume, and terminal
// finalization. It is the only component the dashboard API talks to.
type Controller struct {
	cfg      config.Config
	store    *state.Store
	provider sandbox.Provider
	index    *persistence.DB
	recorder *metrics.Recorder
	clients  ClientFactory
	scmFor   func(repoURL string) (scm.Client, error)
	bus      *eventBus
	logger   *logx.Logger

	mu     sync.Mutex
	active map[string]*runHandle

	queue chan string
	wg    sync.WaitGroup
}

// Options carries the controller's external collaborators. Nil optional
// fields (index, recorder) disable the corresponding concern.
type Options struct {
	Config   config.Config
	Store    *state.Store
	Provider sandbox.Provider
	Index    *persistence.DB
	Recorder *metrics.Recorder
	// Clients resolves model clients; defaults to the real providers.
	Clients ClientFactory
	// SCMFor builds an SCM client for a repo URL; defaults to GitHub.
	SCMFor func(repoURL string) (scm.Client, error)
}

// NewController assembles a controller.
func NewController(opts Options) *Controller {
	clients := opts.Clients
	if clients == nil {
		clients = func(name string) (model.Client, error) {
			profile, err := opts.Config.ProfileFor(name)
			if err != nil {
				return nil, err
			}
			return model.ClientForProfile(profile)
		}
	}
	scmFor := opts.SCMFor
	if scmFor == nil {
		scmFor = func(repoURL string) (scm.Client, error) {
			return scm.NewGitHubClientFromRemote(repoURL)
		}
	}

	return &Controller{
		cfg:      opts.Config,
		store:    opts.Store,
		provider: opts.Provider,
		index:    opts.Index,
		recorder: opts.Recorder,
		clients:  clients,
		scmFor:   scmFor,
		bus:      newEventBus(),
		logger:   logx.NewLogger("controller"),
		active:   make(map[string]*runHandle),
		queue:    make(chan string, 64),
	}
}

// Start launches the worker pool and resumes runs that were active when
// the previous process died. Blocks until ctx is canceled and all workers
// drain.
func (c *Controller) Start(ctx context.Context) error {
	workers := c.cfg.MaxConcurrentRuns
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	if err := c.resumeInterrupted(); err != nil {
		c.logger.Error("resume scan failed: %v", err)
	}

	<-ctx.Done()
	close(c.queue)
	c.wg.Wait()
	return nil
}

// Subscribe attaches a dashboard event listener.
func (c *Controller) Subscribe() (<-chan proto.Event, func()) {
	return c.bus.Subscribe()
}

// CreateRunRequest carries everything needed to start a run.
type CreateRunRequest struct {
	Title      string
	AnchorSpec string
	RepoURL    string
	Checklist  []string
}

// CreateRun persists a new pending run and enqueues it for execution.
func (c *Controller) CreateRun(req CreateRunRequest) (*state.Run, error) {
	if strings.TrimSpace(req.AnchorSpec) == "" {
		return nil, fmt.Errorf("anchor spec cannot be empty")
	}
	repoURL := req.RepoURL
	if repoURL == "" {
		repoURL = c.cfg.SCM.RepoURL
	}
	if repoURL == "" {
		return nil, fmt.Errorf("no repository URL configured")
	}

	id := fmt.Sprintf("run-%s", uuid.New().String()[:8])
	run := &state.Run{
		ID:                  id,
		Title:               req.Title,
		RepoURL:             repoURL,
		Branch:              c.cfg.SCM.BranchPrefix + utils.SanitizeBranchName(id),
		State:               proto.StatePending,
		ActiveProfile:       c.cfg.PrimaryProfile,
		Budgets:             c.cfg.Budgets,
		VerificationCommand: c.cfg.VerificationCommand,
		StartedAt:           time.Now().UTC(),
	}
	for _, item := range req.Checklist {
		run.Checklist = append(run.Checklist, state.ChecklistItem{Text: item})
	}

	if err := c.store.CreateRun(run, req.AnchorSpec); err != nil {
		return nil, err
	}
	c.indexRun(run)
	c.enqueue(id)
	return run, nil
}

// GetRun loads the current snapshot of a run.
func (c *Controller) GetRun(runID string) (*state.Run, error) {
	return c.store.LoadRun(runID)
}

// ListRuns returns snapshots of every known run.
func (c *Controller) ListRuns() ([]*state.Run, error) {
	ids, err := c.store.ListRuns()
	if err != nil {
		return nil, err
	}
	runs := make([]*state.Run, 0, len(ids))
	for _, id := range ids {
		run, err := c.store.LoadRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Pause requests suspension of a run at the next safe point (after the
// in-flight iteration completes).
func (c *Controller) Pause(runID string) error {
	c.mu.Lock()
	handle, ok := c.active[runID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not executing", runID)
	}
	handle.requestPause()
	return nil
}

// Resume moves a paused run back to running and enqueues it.
func (c *Controller) Resume(runID string) error {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.State != proto.StatePaused {
		return fmt.Errorf("run %s is %s, not paused", runID, run.State)
	}
	if err := run.Transition(proto.StateRunning); err != nil {
		return err
	}
	// Elapsed time up to the pause is already banked in ElapsedBefore; the
	// paused interval itself does not count against the wall clock.
	run.StartedAt = time.Now().UTC()
	if err := c.store.SaveRun(run); err != nil {
		return err
	}
	c.enqueue(runID)
	return nil
}

// Rotate forces a fresh line of attack on the run's next iteration.
func (c *Controller) Rotate(runID string) error {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.State)
	}
	run.ForceRotate = true
	return c.store.SaveRun(run)
}

// Stop cancels a run immediately and marks it failed.
func (c *Controller) Stop(runID, reason string) error {
	c.mu.Lock()
	handle, ok := c.active[runID]
	c.mu.Unlock()
	if ok {
		handle.cancel()
		return nil
	}

	// Not executing: fail it directly from its snapshot.
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.State)
	}
	if reason == "" {
		reason = "stopped by user"
	}
	return c.finalize(run, proto.StateFailed, reason, false)
}

// MarkChecklist marks the checklist item with matching text as done.
func (c *Controller) MarkChecklist(runID, text string) error {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.State)
	}
	if !run.MarkChecklistItem(text) {
		return fmt.Errorf("no checklist item matching %q", text)
	}
	if err := c.store.SaveRun(run); err != nil {
		return err
	}
	c.indexRun(run)
	return nil
}

// mergeChecklistMarks folds checklist marks made through the API while an
// iteration was in flight into the in-memory run. Marks only ever move to
// done, so a durable mark always wins over the loop's stale copy.
func (c *Controller) mergeChecklistMarks(run *state.Run) {
	saved, err := c.store.LoadRun(run.ID)
	if err != nil {
		return
	}
	for i := range run.Checklist {
		for j := range saved.Checklist {
			if saved.Checklist[j].Done && saved.Checklist[j].Text == run.Checklist[i].Text {
				run.Checklist[i].Done = true
			}
		}
	}
}

// AddGuardrail appends a human-authored guardrail note to a run.
func (c *Controller) AddGuardrail(runID, text string) error {
	return c.store.AppendGuardrail(runID, "human", text)
}

// ReadFile proxies a file read from the run's sandbox session.
func (c *Controller) ReadFile(ctx context.Context, runID, path string) ([]byte, error) {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.SandboxSession == "" {
		return nil, fmt.Errorf("run %s has no sandbox session", runID)
	}
	return c.provider.ReadFile(ctx, run.SandboxSession, repoDir+"/"+path)
}

// WriteFile proxies a file write into the run's sandbox session, under the
// same path policy the model is held to.
func (c *Controller) WriteFile(ctx context.Context, runID, path string, data []byte) error {
	if err := checkWritePolicy(path); err != nil {
		return err
	}
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.SandboxSession == "" {
		return fmt.Errorf("run %s has no sandbox session", runID)
	}
	return c.provider.WriteFile(ctx, run.SandboxSession, repoDir+"/"+path, data, false)
}

// Activity replays a run's full activity log.
func (c *Controller) Activity(runID string) ([]proto.Event, error) {
	return c.store.ReadActivity(runID)
}

// Iterations loads a run's full iteration records.
func (c *Controller) Iterations(runID string) ([]proto.IterationRecord, error) {
	return c.store.LoadIterations(runID)
}

func (c *Controller) enqueue(runID string) {
	select {
	case c.queue <- runID:
	default:
		// Queue full: the run stays pending on disk; the next resume
		// scan will pick it up.
		c.logger.Warn("run queue full, %s deferred", runID)
	}
}

func (c *Controller) worker(ctx context.Context) {
	defer c.wg.Done()
	for runID := range c.queue {
		if ctx.Err() != nil {
			return
		}
		c.execute(ctx, runID)
	}
}

// resumeInterrupted re-enqueues runs that were pending or running when the
// previous process died.
func (c *Controller) resumeInterrupted() error {
	ids, err := c.store.ListRuns()
	if err != nil {
		return err
	}
	for _, id := range ids {
		run, err := c.store.LoadRun(id)
		if err != nil {
			c.logger.Error("skipping unreadable run %s: %v", id, err)
			continue
		}
		if run.State == proto.StatePending || run.State == proto.StateRunning {
			c.logger.Info("resuming interrupted run %s (%s)", id, run.State)
			c.enqueue(id)
		}
	}
	return nil
}

// execute drives one run until it pauses, finishes, or the process stops.
func (c *Controller) execute(parent context.Context, runID string) {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		c.logger.Error("cannot load run %s: %v", runID, err)
		return
	}
	if run.State.Terminal() {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	handle := &runHandle{cancel: cancel, pauseReq: make(chan struct{})}
	c.mu.Lock()
	c.active[runID] = handle
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.active, runID)
		c.mu.Unlock()
	}()

	if run.State == proto.StatePending {
		if err := run.Transition(proto.StateRunning); err != nil {
			c.logger.Error("run %s: %v", runID, err)
			return
		}
		if err := c.store.SaveRun(run); err != nil {
			c.logger.Error("run %s: %v", runID, err)
			return
		}
		c.publishState(run)
	} else {
		// Re-entry after a crash or resume. Process downtime does not
		// count against the wall clock.
		run.StartedAt = time.Now().UTC()
	}

	activity, err := c.store.ActivityLog(runID)
	if err != nil {
		c.failRun(run, fmt.Sprintf("cannot open activity log: %v", err), false)
		return
	}
	defer activity.Close()
	sink := &teeSink{log: activity, bus: c.bus}

	if err := c.ensureSession(ctx, run, sink); err != nil {
		c.failRun(run, fmt.Sprintf("sandbox setup failed: %v", err), IsResumable(err))
		return
	}

	history, err := c.store.LoadIterations(runID)
	if err != nil {
		c.failRun(run, fmt.Sprintf("cannot load iteration history: %v", err), true)
		return
	}
	// A crash between finalizing a record and saving the snapshot leaves
	// the counter behind the records; the records win.
	if n := len(history); n > 0 && history[n-1].Sequence > run.Iterations {
		run.Iterations = history[n-1].Sequence
	}

	executor := NewActionExecutor(c.provider, run.SandboxSession, repoDir, runID, sink)
	counter, err := utils.NewTokenCounter("")
	if err != nil {
		c.failRun(run, fmt.Sprintf("tokenizer init failed: %v", err), true)
		return
	}
	builder := NewContextBuilder(c.store, counter)
	gutter := NewGutterDetector(c.cfg.Gutter)
	engine := NewIterationEngine(run, c.cfg, c.store, builder, executor, gutter, c.clients, sink, c.recorder, history)
	budget := NewBudgetTracker(run.Budgets)

	c.loop(ctx, run, handle, engine, executor, budget, sink)
}

// loop is the per-run iteration loop. Pause and stop take effect between
// iterations, never mid-action.
func (c *Controller) loop(ctx context.Context, run *state.Run, handle *runHandle,
	engine *IterationEngine, executor *ActionExecutor, budget *BudgetTracker, sink ActivitySink) {
	for {
		if ctx.Err() != nil {
			c.failRun(run, "stopped by user", true)
			return
		}
		if handle.pauseRequested() {
			c.pauseRun(run)
			return
		}

		usage := c.usage(run)
		if err := budget.Check(usage); err != nil {
			c.failRun(run, err.Error(), false)
			return
		}

		decision, iterErr := engine.RunIteration(ctx)
		c.mergeChecklistMarks(run)
		if err := c.store.SaveRun(run); err != nil {
			c.logger.Error("run %s: failed to save snapshot: %v", run.ID, err)
		}
		var rec *proto.IterationRecord
		if w := engine.Window(); len(w) > 0 {
			rec = &w[len(w)-1]
			c.indexIteration(run.ID, rec)
			c.updateProgress(run, rec)
		}

		// Post-iteration budget check: the in-flight record is already
		// finalized, so an overrun stops cleanly here.
		usage = c.usage(run)
		for _, warning := range budget.Warnings(usage) {
			_ = sink.Append(proto.NewEvent(run.ID, proto.EventBudgetWarning, run.Iterations, warning))
		}
		if err := budget.Check(usage); err != nil {
			c.failRun(run, err.Error(), false)
			return
		}

		if iterErr != nil {
			switch KindOf(iterErr) {
			case KindValidation:
				c.failRun(run, iterErr.Error(), false)
			case KindPolicy:
				_ = c.store.AppendError(run.ID, iterErr.Error())
				c.pauseRun(run)
			default:
				c.failRun(run, iterErr.Error(), IsResumable(iterErr))
			}
			return
		}

		switch decision {
		case proto.DecisionContinue, proto.DecisionRotate:
			if rec != nil && rec.LoopScore >= c.cfg.Gutter.ScoreThreshold {
				// A rotate emitted by the model does not clear a looping
				// signal; the ladder still advances.
				run.ConsecutiveGutters++
				if done := c.mitigate(ctx, run, engine); done {
					return
				}
				break
			}
			// Only an iteration below the threshold resets the ladder.
			run.LadderRung = proto.RungNone
			run.ConsecutiveGutters = 0

		case proto.DecisionGutterMitigate:
			run.ConsecutiveGutters++
			if done := c.mitigate(ctx, run, engine); done {
				return
			}

		case proto.DecisionPause:
			c.pauseRun(run)
			return

		case proto.DecisionStopSuccess:
			if err := c.finalizeSuccess(ctx, run, executor, sink); err != nil {
				c.logger.Warn("run %s: success declaration rejected: %v", run.ID, err)
				_ = c.store.AppendError(run.ID, fmt.Sprintf("stop_success rejected: %v", err))
				continue
			}
			return

		case proto.DecisionStopFailure:
			c.failRun(run, "model declared stop_failure", false)
			return
		}

		if err := c.store.SaveRun(run); err != nil {
			c.logger.Error("run %s: failed to save snapshot: %v", run.ID, err)
		}
	}
}

// mitigate advances the gutter ladder one rung. Returns true when the run
// left the running loop (paused or failed).
func (c *Controller) mitigate(ctx context.Context, run *state.Run, engine *IterationEngine) bool {
	run.LadderRung++
	c.logger.Info("run %s: gutter mitigation rung %s", run.ID, run.LadderRung)

	switch run.LadderRung {
	case proto.RungForceRotate:
		run.ForceRotate = true
	case proto.RungFallbackModel:
		run.ActiveProfile = c.cfg.FallbackProfile
		run.ForceRotate = true
	case proto.RungDoctor:
		if err := c.doctorPass(ctx, run, engine); err != nil {
			c.logger.Error("run %s: doctor pass failed: %v", run.ID, err)
			_ = c.store.AppendError(run.ID, fmt.Sprintf("doctor pass failed: %v", err))
		}
	case proto.RungHumanReview:
		c.pauseRun(run)
		return true
	default:
		c.failRun(run, "mitigation ladder exhausted", false)
		return true
	}

	if err := c.store.SaveRun(run); err != nil {
		c.logger.Error("run %s: failed to save snapshot: %v", run.ID, err)
	}
	return false
}

// doctorPass asks the doctor-profile model to diagnose the stuck run. The
// report is stored durably and its proposed guardrails are appended for
// every following iteration to see.
func (c *Controller) doctorPass(ctx context.Context, run *state.Run, engine *IterationEngine) error {
	client, err := c.clients(c.cfg.DoctorProfile)
	if err != nil {
		return fmt.Errorf("no doctor client: %w", err)
	}
	profile, err := c.cfg.ProfileFor(c.cfg.DoctorProfile)
	if err != nil {
		return err
	}

	anchor, err := c.store.AnchorSpec(run.ID)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("An autonomous coding run is stuck in a loop. Diagnose why and propose a way out.\n\n# Task\n\n")
	b.WriteString(anchor)
	b.WriteString("\n\n# Recent iterations\n\n")
	window := engine.Window()
	for i := range window {
		rec := &window[i]
		fmt.Fprintf(&b, "- iteration %d: decision=%s loop_score=%.2f error=%q\n",
			rec.Sequence, rec.Decision, rec.LoopScore, rec.Error)
		for j := range rec.Results {
			res := &rec.Results[j]
			if res.Type == proto.ActionRun {
				fmt.Fprintf(&b, "  ran `%s` exit %d\n", res.Command, res.ExitCode)
			}
		}
	}
	b.WriteString("\nWrite a short diagnosis, then a section titled GUARDRAILS with one imperative rule per line, each prefixed with \"- \".")

	resp, err := client.Complete(ctx, model.CompletionRequest{
		Messages:    []model.CompletionMessage{model.NewUserMessage(b.String())},
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxOutputTokens,
	})
	if err != nil {
		return fmt.Errorf("doctor completion failed: %w", err)
	}

	path, err := c.store.WriteDoctorReport(run.ID, run.Iterations, resp.Content)
	if err != nil {
		return err
	}
	run.LastDoctorReport = path

	for _, rail := range extractGuardrails(resp.Content) {
		if err := c.store.AppendGuardrail(run.ID, "doctor", rail); err != nil {
			return err
		}
	}
	return nil
}

// finalizeSuccess enforces the three success conditions: checklist
// satisfied, verification command exits cleanly, and a PR carries the
// final changes. Any miss rejects the declaration and the run continues.
func (c *Controller) finalizeSuccess(ctx context.Context, run *state.Run, executor *ActionExecutor, sink ActivitySink) error {
	if open := run.OutstandingChecklist(); len(open) > 0 {
		return fmt.Errorf("declared success with unsatisfied checklist items: %s", strings.Join(open, "; "))
	}

	if run.VerificationCommand != "" {
		res, err := c.provider.Exec(ctx, run.SandboxSession, []string{"sh", "-c", run.VerificationCommand}, sandbox.ExecOpts{
			WorkDir: repoDir,
			Timeout: time.Duration(proto.MaxRunTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return NewProviderError(err, true, "verification exec failed")
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("verification command %q exited %d: %s",
				run.VerificationCommand, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}

	// Anything the model left uncommitted would be silently lost.
	status, err := executor.git(ctx, "status", "--porcelain")
	if err != nil {
		return NewProviderError(err, true, "git status failed")
	}
	if strings.TrimSpace(status.Stdout) != "" {
		return fmt.Errorf("working tree has uncommitted changes")
	}

	if err := c.publishPR(ctx, run, sink); err != nil {
		return err
	}

	return c.finalize(run, proto.StateSucceeded, "", false)
}

// publishPR pushes the run branch and opens or updates its pull request.
func (c *Controller) publishPR(ctx context.Context, run *state.Run, sink ActivitySink) error {
	auth := c.cloneAuth()
	if err := c.provider.GitPush(ctx, run.SandboxSession, repoDir, run.RepoURL, run.Branch, auth); err != nil {
		return NewProviderError(err, true, "git push failed")
	}

	client, err := c.scmFor(run.RepoURL)
	if err != nil {
		return NewProviderError(err, true, "scm client init failed")
	}

	progress, _ := c.store.Progress(run.ID)
	body := fmt.Sprintf("Automated patch set for: %s\n\n%s", run.Title, progress)
	var labels []string
	if c.cfg.SCM.PRLabel != "" {
		labels = []string{c.cfg.SCM.PRLabel}
	}

	if run.PRNumber != 0 {
		if err := client.UpdatePR(ctx, run.PRNumber, "", body); err != nil {
			return NewProviderError(err, true, "PR update failed")
		}
	} else {
		info, err := client.OpenPR(ctx, scm.PROptions{
			Title:  run.Title,
			Body:   body,
			Head:   run.Branch,
			Draft:  c.cfg.SCM.DraftPRs,
			Labels: labels,
		})
		if err != nil {
			return NewProviderError(err, true, "PR open failed")
		}
		run.PRURL = info.URL
		run.PRNumber = info.Number
	}

	_ = sink.Append(proto.NewEvent(run.ID, proto.EventPRUpdated, run.Iterations, run.PRURL).
		WithField("pr_number", run.PRNumber))
	return nil
}

// ensureSession reconnects to the run's existing sandbox session or
// provisions a new one with a fresh clone on the run branch.
func (c *Controller) ensureSession(ctx context.Context, run *state.Run, sink ActivitySink) error {
	if run.SandboxSession != "" && c.provider.SessionExists(ctx, run.SandboxSession) {
		c.logger.Info("run %s: reconnected to session %s", run.ID, run.SandboxSession)
		return nil
	}

	sessionID, err := c.provider.CreateSession(ctx, sandbox.CreateOpts{
		Name:  run.ID,
		Image: c.cfg.Sandbox.Image,
		Resources: sandbox.Resources{
			VCPU:      c.cfg.Sandbox.VCPU,
			MemoryGiB: c.cfg.Sandbox.MemoryGiB,
			DiskGiB:   c.cfg.Sandbox.DiskGiB,
		},
		Labels: map[string]string{"run_id": run.ID},
	})
	if err != nil {
		return NewProviderError(err, false, "session create failed")
	}

	if err := c.provider.GitClone(ctx, sessionID, run.RepoURL, repoDir, "", c.cloneAuth()); err != nil {
		return NewProviderError(err, false, "clone failed")
	}
	if err := c.provider.GitCheckoutNewBranch(ctx, sessionID, repoDir, run.Branch); err != nil {
		return NewProviderError(err, false, "branch checkout failed")
	}

	run.SandboxSession = sessionID
	if err := c.store.SaveRun(run); err != nil {
		return err
	}
	_ = sink.Append(proto.NewEvent(run.ID, proto.EventLogLine, run.Iterations,
		fmt.Sprintf("sandbox session %s ready on branch %s", sessionID, run.Branch)))
	return nil
}

func (c *Controller) cloneAuth() *sandbox.CloneAuth {
	token, err := config.GetSecret(config.SecretGitHubToken)
	if err != nil || token == "" {
		return nil
	}
	return &sandbox.CloneAuth{Username: "x-access-token", Token: token}
}

func (c *Controller) usage(run *state.Run) BudgetUsage {
	return BudgetUsage{
		Iterations:         run.Iterations,
		Elapsed:            run.ElapsedBefore + time.Since(run.StartedAt),
		CostUSD:            run.CostUSD,
		ConsecutiveGutters: run.ConsecutiveGutters,
	}
}

func (c *Controller) pauseRun(run *state.Run) {
	if err := run.Transition(proto.StatePaused); err != nil {
		c.logger.Error("run %s: %v", run.ID, err)
		return
	}
	// Bank elapsed wall time so the budget survives the pause.
	run.ElapsedBefore += time.Since(run.StartedAt)
	run.StartedAt = time.Now().UTC()
	if err := c.store.SaveRun(run); err != nil {
		c.logger.Error("run %s: failed to save snapshot: %v", run.ID, err)
	}
	c.publishState(run)
	c.indexRun(run)
}

func (c *Controller) failRun(run *state.Run, reason string, resumable bool) {
	c.finalizeErr(run, proto.StateFailed, reason, resumable)
}

func (c *Controller) finalize(run *state.Run, terminal proto.RunState, reason string, resumable bool) error {
	c.finalizeErr(run, terminal, reason, resumable)
	return nil
}

func (c *Controller) finalizeErr(run *state.Run, terminal proto.RunState, reason string, resumable bool) {
	if run.State.Terminal() {
		return
	}
	if err := run.Transition(terminal); err != nil {
		c.logger.Error("run %s: %v", run.ID, err)
		return
	}
	run.FailureReason = reason
	run.Resumable = resumable
	if reason != "" {
		_ = c.store.AppendError(run.ID, reason)
	}
	if err := c.store.SaveRun(run); err != nil {
		c.logger.Error("run %s: failed to save snapshot: %v", run.ID, err)
	}
	if c.recorder != nil {
		c.recorder.ObserveRunFinished(run.ID, string(terminal), run.CostUSD)
	}
	c.publishState(run)
	c.indexRun(run)
	c.logger.Info("run %s finished: %s %s", run.ID, terminal, reason)
}

func (c *Controller) publishState(run *state.Run) {
	event := proto.NewEvent(run.ID, proto.EventStateChange, run.Iterations, string(run.State))
	if run.FailureReason != "" {
		event = event.WithField("reason", run.FailureReason)
	}
	c.bus.publish(*event)
}

func (c *Controller) indexRun(run *state.Run) {
	if c.index == nil {
		return
	}
	if err := c.index.UpsertRun(run); err != nil {
		c.logger.Error("run %s: index update failed: %v", run.ID, err)
	}
}

// progressLines bounds the rolling progress summary fed back into every
// prompt and embedded in PR bodies.
const progressLines = 30

// updateProgress appends a one-line summary of the finished iteration to
// the run's progress file, keeping the newest progressLines lines.
func (c *Controller) updateProgress(run *state.Run, rec *proto.IterationRecord) {
	line := fmt.Sprintf("Iteration %d (%s)", rec.Sequence, rec.Decision)
	for i := range rec.Results {
		if rec.Results[i].Type == proto.ActionCommit && rec.Results[i].OK && i < len(rec.Actions) {
			line += fmt.Sprintf(": committed %q", rec.Actions[i].Message)
		}
	}
	if rec.Error != "" {
		line += ": " + rec.Error
	} else if d := rec.DiffSummary; !d.Empty && d.FilesChanged > 0 {
		line += fmt.Sprintf(", %d file(s) changed", d.FilesChanged)
	}

	existing, err := c.store.Progress(run.ID)
	if err != nil {
		c.logger.Error("run %s: failed to read progress: %v", run.ID, err)
		return
	}
	var lines []string
	if trimmed := strings.TrimSpace(existing); trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}
	lines = append(lines, line)
	if len(lines) > progressLines {
		lines = lines[len(lines)-progressLines:]
	}
	if err := c.store.WriteProgress(run.ID, strings.Join(lines, "\n")+"\n"); err != nil {
		c.logger.Error("run %s: failed to write progress: %v", run.ID, err)
	}
}

func (c *Controller) indexIteration(runID string, rec *proto.IterationRecord) {
	if c.index == nil {
		return
	}
	if err := c.index.InsertIteration(runID, rec); err != nil {
		c.logger.Error("run %s: iteration index update failed: %v", runID, err)
	}
}

// teeSink writes events to the durable activity log first, then fans them
// out to live subscribers. The log write is the source of truth.
type teeSink struct {
	log *state.ActivityLog
	bus *eventBus
}

func (t *teeSink) Append(event *proto.Event) error {
	if err := t.log.Append(event); err != nil {
		return err
	}
	t.bus.publish(*event)
	return nil
}

// extractGuardrails pulls "- " bullet lines from the GUARDRAILS section of
// a doctor report.
func extractGuardrails(report string) []string {
	var out []string
	inSection := false
	for _, line := range strings.Split(report, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(strings.ToUpper(trimmed), "GUARDRAILS") {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") {
			out = append(out, strings.TrimPrefix(trimmed, "- "))
		} else if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			// Section ended at the first non-bullet paragraph.
			break
		}
	}
	return out
}
