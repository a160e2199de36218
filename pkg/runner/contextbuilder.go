package runner

import (
	"fmt"
	"strings"

	"autopilot/pkg/proto"
	"autopilot/pkg/state"
	"autopilot/pkg/utils"
)

// Prompt assembly bounds. Recent command output is the first thing cut
// when the prompt exceeds its token budget.
const (
	defaultMaxPromptTokens = 24000
	recentIterations       = 3
	outputExcerptTokens    = 1200
)

// systemPrompt is the fixed instruction set sent with every iteration. The
// model sees only what the context builder assembles; there is no hidden
// conversation history.
const systemPrompt = `You are an autonomous software engineer working inside a disposable sandbox with a git clone of the target repository. You have no interactive shell; you act solely by emitting a JSON action batch.

Respond with a single JSON object, no prose, of the form:
{"actions": [ ... ]}

Each action is one of:
- {"type":"run","command":"<shell command>","timeout_seconds":<1-900>}: execute a command; non-zero exit is reported back to you, not fatal.
- {"type":"patch","path":"<file>","diff":"<unified diff>"}: apply a unified diff to exactly one file.
- {"type":"write","path":"<file>","content":"<text>","append":<bool>}: write or append to one file.
- {"type":"commit","paths":["<file>",...],"message":"<commit message>"}: stage the paths and commit.
- {"type":"rotate","reason":"..."}: discard this line of attack and start the next iteration fresh.
- {"type":"pause","reason":"..."}: suspend the run for human review.
- {"type":"stop_success","reason":"..."}: declare the task complete. Only do this after the verification command passes and your changes are committed.
- {"type":"stop_failure","reason":"..."}: give up on the task.

Rules: at most 20 actions per batch; actions execute strictly in order; rotate/pause/stop actions terminate the batch; work in small verifiable steps and run the verification command before declaring success.`

// repairInstruction is appended for the single schema-repair retry.
const repairInstruction = `Your previous reply was not a valid action batch: %s

Reply again with ONLY a valid JSON object of the form {"actions":[...]} and no other text.`

// ContextBuilder assembles the fixed-order prompt materials for one
// iteration from durable files and recent results.
type ContextBuilder struct {
	store           *state.Store
	counter         *utils.TokenCounter
	maxPromptTokens int
}

// NewContextBuilder creates a builder reading from the given store.
func NewContextBuilder(store *state.Store, counter *utils.TokenCounter) *ContextBuilder {
	return &ContextBuilder{
		store:           store,
		counter:         counter,
		maxPromptTokens: defaultMaxPromptTokens,
	}
}

// SystemPrompt returns the fixed instruction set.
func (cb *ContextBuilder) SystemPrompt() string { return systemPrompt }

// RepairPrompt formats the schema-repair retry instruction.
func (cb *ContextBuilder) RepairPrompt(parseErr error) string {
	return fmt.Sprintf(repairInstruction, parseErr)
}

// Build assembles the user prompt for the next iteration. Section order is
// fixed: anchor spec, guardrails, checklist, progress summary, recent iteration
// outcomes, pending mitigation directives. Guardrails are included
// verbatim and never truncated; command output excerpts are truncated
// oldest-first when the prompt exceeds its token budget.
func (cb *ContextBuilder) Build(run *state.Run, recent []proto.IterationRecord) (string, error) {
	anchor, err := cb.store.AnchorSpec(run.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load anchor spec: %w", err)
	}
	rails, err := cb.store.Guardrails(run.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load guardrails: %w", err)
	}
	progress, err := cb.store.Progress(run.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load progress: %w", err)
	}

	var b strings.Builder

	b.WriteString("# Task\n\n")
	b.WriteString(strings.TrimSpace(anchor))
	b.WriteString("\n\n")

	if len(rails) > 0 {
		b.WriteString("# Guardrails (binding, in order given)\n\n")
		for i := range rails {
			fmt.Fprintf(&b, "- [%s] %s\n", rails[i].Author, rails[i].Text)
		}
		b.WriteString("\n")
	}

	if len(run.Checklist) > 0 {
		b.WriteString("# Success checklist\n\n")
		b.WriteString("Items are marked done by a human reviewer; stop_success is rejected while any remain open.\n\n")
		for i := range run.Checklist {
			mark := " "
			if run.Checklist[i].Done {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, run.Checklist[i].Text)
		}
		b.WriteString("\n")
	}

	if strings.TrimSpace(progress) != "" {
		b.WriteString("# Progress so far\n\n")
		b.WriteString(strings.TrimSpace(progress))
		b.WriteString("\n\n")
	}

	if run.VerificationCommand != "" {
		fmt.Fprintf(&b, "# Verification command\n\n%s\n\n", run.VerificationCommand)
	}

	cb.writeRecent(&b, recent)

	if run.ForceRotate {
		b.WriteString("# Directive\n\nYour recent iterations are looping. Discard the current line of attack and take a substantially different approach this iteration.\n\n")
	}

	fmt.Fprintf(&b, "Iteration %d. Reply with your next action batch.", run.Iterations+1)

	prompt := b.String()
	if !cb.counter.ValidateTokenLimit(prompt, cb.maxPromptTokens) {
		prompt = cb.counter.TruncateToTokenLimit(prompt, cb.maxPromptTokens)
	}
	return prompt, nil
}

// writeRecent summarizes the last few iteration records, newest last, with
// head-truncated command output so the freshest lines survive.
func (cb *ContextBuilder) writeRecent(b *strings.Builder, recent []proto.IterationRecord) {
	if len(recent) == 0 {
		return
	}
	if len(recent) > recentIterations {
		recent = recent[len(recent)-recentIterations:]
	}

	b.WriteString("# Recent iterations\n\n")
	for i := range recent {
		rec := &recent[i]
		fmt.Fprintf(b, "## Iteration %d (decision: %s)\n\n", rec.Sequence, rec.Decision)
		if rec.Error != "" {
			fmt.Fprintf(b, "Iteration error: %s\n\n", rec.Error)
		}
		for j := range rec.Results {
			res := &rec.Results[j]
			switch res.Type {
			case proto.ActionRun:
				fmt.Fprintf(b, "- run `%s` exited %d (%.1fs)\n", res.Command, res.ExitCode, res.Duration.Seconds())
				if out := cb.excerpt(res.Stdout); out != "" {
					fmt.Fprintf(b, "  stdout:\n```\n%s\n```\n", out)
				}
				if out := cb.excerpt(res.Stderr); out != "" {
					fmt.Fprintf(b, "  stderr:\n```\n%s\n```\n", out)
				}
			case proto.ActionPatch, proto.ActionWrite:
				status := "ok"
				if !res.OK {
					status = "FAILED: " + res.Error
				}
				fmt.Fprintf(b, "- %s %s: %s\n", res.Type, res.Path, status)
			case proto.ActionCommit:
				if res.OK {
					fmt.Fprintf(b, "- commit %s\n", res.CommitSHA)
				} else {
					fmt.Fprintf(b, "- commit FAILED: %s\n", res.Error)
				}
			case proto.ActionRotate, proto.ActionPause, proto.ActionStopSuccess, proto.ActionStopFailure:
				fmt.Fprintf(b, "- %s\n", res.Type)
			}
		}
		b.WriteString("\n")
	}
}

func (cb *ContextBuilder) excerpt(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	return cb.counter.TruncateHead(trimmed, outputExcerptTokens)
}
