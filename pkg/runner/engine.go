package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autopilot/pkg/config"
	"autopilot/pkg/logx"
	"autopilot/pkg/metrics"
	"autopilot/pkg/model"
	"autopilot/pkg/proto"
	"autopilot/pkg/state"
)

// modelRetries bounds automatic retries of retryable model errors (rate
// limits, transient 5xx) within one iteration.
const modelRetries = 2

// ClientFactory resolves a model client for a named profile. Injected so
// tests can script the model.
type ClientFactory func(profileName string) (model.Client, error)

// IterationEngine drives one run's iterations. One engine exists per
// active run; iterations within a run are strictly sequential.
type IterationEngine struct {
	run      *state.Run
	cfg      config.Config
	store    *state.Store
	builder  *ContextBuilder
	executor *ActionExecutor
	gutter   *GutterDetector
	clients  ClientFactory
	activity ActivitySink
	recorder *metrics.Recorder
	logger   *logx.Logger

	// window is the rolling slice of finalized records feeding gutter
	// scoring. Rebuilt from durable records on resume.
	window []proto.IterationRecord
}

// NewIterationEngine assembles an engine for one run. history carries the
// already-finalized iteration records when resuming.
func NewIterationEngine(run *state.Run, cfg config.Config, store *state.Store, builder *ContextBuilder,
	executor *ActionExecutor, gutter *GutterDetector, clients ClientFactory,
	activity ActivitySink, recorder *metrics.Recorder, history []proto.IterationRecord) *IterationEngine {
	return &IterationEngine{
		run:      run,
		cfg:      cfg,
		store:    store,
		builder:  builder,
		executor: executor,
		gutter:   gutter,
		clients:  clients,
		activity: activity,
		recorder: recorder,
		logger:   logx.NewLogger("engine"),
		window:   gutter.Window(history),
	}
}

// RunIteration executes exactly one iteration: build context, request one
// action batch, execute it in order, persist the immutable record, and
// return the decision. The record is finalized even when the iteration
// fails, so a restart never re-executes a finished iteration.
func (e *IterationEngine) RunIteration(ctx context.Context) (proto.Decision, error) {
	seq := e.run.Iterations + 1
	rec := proto.IterationRecord{
		Sequence:     seq,
		StartedAt:    time.Now().UTC(),
		ModelProfile: e.run.ActiveProfile,
	}
	e.emit(proto.NewEvent(e.run.ID, proto.EventIterationStart, seq, fmt.Sprintf("iteration %d (%s)", seq, e.run.ActiveProfile)))

	decision, iterErr := e.iterate(ctx, &rec)
	rec.Decision = decision
	rec.FinishedAt = time.Now().UTC()
	if iterErr != nil {
		rec.Error = iterErr.Error()
	}

	// The record is durable before anything else reacts to it.
	if err := e.store.SaveIteration(e.run.ID, &rec); err != nil {
		return proto.DecisionStopFailure, NewProviderError(err, false, "failed to persist iteration record")
	}

	e.run.Iterations = seq
	e.run.CostUSD += rec.CostUSD
	e.run.ForceRotate = false
	e.window = e.gutter.Window(append(e.window, rec))

	if e.recorder != nil {
		e.recorder.ObserveIteration(e.run.ID, string(decision), rec.FinishedAt.Sub(rec.StartedAt))
		if rec.LoopScore > 0 {
			e.recorder.ObserveLoopScore(e.run.ID, rec.LoopScore)
		}
	}

	e.emit(proto.NewEvent(e.run.ID, proto.EventIterationEnd, seq, string(decision)).
		WithField("loop_score", rec.LoopScore).
		WithField("cost_usd", rec.CostUSD))

	return decision, iterErr
}

// Window exposes the current rolling window, for the controller's ladder
// bookkeeping.
func (e *IterationEngine) Window() []proto.IterationRecord {
	return e.window
}

func (e *IterationEngine) iterate(ctx context.Context, rec *proto.IterationRecord) (proto.Decision, error) {
	prompt, err := e.builder.Build(e.run, e.window)
	if err != nil {
		return proto.DecisionStopFailure, NewProviderError(err, true, "context assembly failed")
	}
	rec.PromptSnapshot = prompt

	client, err := e.clients(e.run.ActiveProfile)
	if err != nil {
		return proto.DecisionStopFailure, NewProviderError(err, true, "no client for profile "+e.run.ActiveProfile)
	}

	batch, err := e.requestBatch(ctx, client, prompt, rec)
	if err != nil {
		return proto.DecisionStopFailure, err
	}
	rec.Actions = batch.Actions

	results, terminal, execErr := e.executor.ExecuteBatch(ctx, rec.Sequence, batch.Actions)
	rec.Results = results
	rec.Signature = proto.RecordSignature(results)

	// Observe the working tree even on a failed batch; the diff feeds
	// stagnation scoring.
	if diff, derr := e.executor.Diff(ctx); derr == nil {
		rec.DiffSummary = summarizeDiff(diff)
	} else {
		rec.DiffSummary = proto.DiffSummary{Empty: true}
	}
	rec.FileHashes = e.executor.FileHashes(ctx, TouchedPaths(batch.Actions))

	if execErr != nil {
		switch KindOf(execErr) {
		case KindPolicy:
			// Never silently dropped: pause for human review.
			return proto.DecisionPause, execErr
		default:
			return proto.DecisionStopFailure, execErr
		}
	}

	decision := proto.DecisionContinue
	if terminal != nil {
		d, derr := proto.DecisionForAction(terminal.Type)
		if derr != nil {
			return proto.DecisionStopFailure, NewValidationError(derr, "bad terminating action")
		}
		decision = d
	}

	rec.LoopScore = e.gutter.Score(e.gutter.Window(append(e.window, *rec)))
	if e.gutter.InGutter(rec.LoopScore) {
		e.emit(proto.NewEvent(e.run.ID, proto.EventGutterSignal, rec.Sequence,
			fmt.Sprintf("loop score %.2f", rec.LoopScore)).WithField("loop_score", rec.LoopScore))
		if decision == proto.DecisionContinue {
			decision = proto.DecisionGutterMitigate
		}
	}

	return decision, nil
}

// requestBatch asks the model for one action batch, retrying transient
// provider errors with backoff and schema violations exactly once with a
// repair instruction.
func (e *IterationEngine) requestBatch(ctx context.Context, client model.Client, prompt string, rec *proto.IterationRecord) (*proto.ActionBatch, error) {
	profile, err := e.cfg.ProfileFor(e.run.ActiveProfile)
	if err != nil {
		return nil, NewProviderError(err, true, "unknown profile")
	}

	messages := []model.CompletionMessage{
		model.NewSystemMessage(e.builder.SystemPrompt()),
		model.NewUserMessage(prompt),
	}

	raw, err := e.complete(ctx, client, messages, profile, rec)
	if err != nil {
		return nil, err
	}
	rec.RawModelOutput = raw

	batch, parseErr := proto.ParseActionBatch(raw)
	if parseErr == nil {
		return batch, nil
	}

	e.logger.Warn("run %s: invalid action batch, issuing repair retry: %v", e.run.ID, parseErr)
	messages = append(messages,
		model.CompletionMessage{Role: model.RoleAssistant, Content: raw},
		model.NewUserMessage(e.builder.RepairPrompt(parseErr)),
	)
	repaired, err := e.complete(ctx, client, messages, profile, rec)
	if err != nil {
		return nil, err
	}
	rec.RawModelOutput = repaired

	batch, parseErr = proto.ParseActionBatch(repaired)
	if parseErr != nil {
		return nil, NewValidationError(parseErr, "action batch invalid after repair retry")
	}
	return batch, nil
}

func (e *IterationEngine) complete(ctx context.Context, client model.Client, messages []model.CompletionMessage, profile config.ModelProfile, rec *proto.IterationRecord) (string, error) {
	req := model.CompletionRequest{
		Messages:    messages,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxOutputTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= modelRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", NewProviderError(ctx.Err(), true, "run canceled while waiting on model")
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}

		start := time.Now()
		resp, err := client.Complete(ctx, req)
		if err == nil {
			promptTokens := 0
			for i := range messages {
				promptTokens += e.builder.counter.CountTokens(messages[i].Content)
			}
			outputTokens := e.builder.counter.CountTokens(resp.Content)
			rec.PromptTokens += promptTokens
			rec.OutputTokens += outputTokens
			rec.CostUSD += config.CostEstimate(client.ModelName(), promptTokens, outputTokens)
			if e.recorder != nil {
				e.recorder.ObserveModelCall(e.run.ID, client.ModelName(), promptTokens, outputTokens, time.Since(start))
			}
			return resp.Content, nil
		}

		classified := model.Classify(err)
		if !classified.Type.Retryable() {
			return "", NewProviderError(classified, true, "model request failed")
		}
		lastErr = classified
		e.logger.Warn("run %s: retryable model error (attempt %d): %v", e.run.ID, attempt+1, classified)
	}
	return "", NewProviderError(lastErr, true, "model request failed after retries")
}

func (e *IterationEngine) emit(event *proto.Event) {
	if e.activity == nil {
		return
	}
	if err := e.activity.Append(event); err != nil {
		e.logger.Error("run %s: failed to append activity event: %v", e.run.ID, err)
	}
}

// summarizeDiff aggregates a unified diff into the compact summary stored
// on the iteration record.
func summarizeDiff(diff string) proto.DiffSummary {
	trimmed := strings.TrimSpace(diff)
	if trimmed == "" {
		return proto.DiffSummary{Empty: true}
	}

	var summary proto.DiffSummary
	for _, line := range strings.Split(trimmed, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "), strings.HasPrefix(line, "--- "):
			if strings.HasPrefix(line, "+++ ") {
				summary.FilesChanged++
			}
		case strings.HasPrefix(line, "+"):
			summary.LinesAdded++
		case strings.HasPrefix(line, "-"):
			summary.LinesRemoved++
		}
	}
	return summary
}
