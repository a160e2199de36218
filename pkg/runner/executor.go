package runner

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"autopilot/pkg/logx"
	"autopilot/pkg/proto"
	"autopilot/pkg/sandbox"
)

// scratchDir holds executor scratch files inside the session but outside
// the working clone, so they never show up in git status.
const scratchDir = ".autopilot"

// deniedWritePrefixes are locations the model may never write to. Writes
// into git internals or the executor's own scratch space are policy
// violations, not mistakes to retry.
var deniedWritePrefixes = []string{".git/", scratchDir + "/"}

// ActionExecutor executes one validated action batch against the run's
// sandbox session. Every side effect is appended to the activity log
// before the executing call returns, so a crash mid-batch leaves a
// truthful partial record.
type ActionExecutor struct {
	provider  sandbox.Provider
	sessionID string
	repoPath  string
	runID     string
	activity  ActivitySink
	logger    *logx.Logger
	patchSeq  int
}

// NewActionExecutor creates an executor bound to one run's session and
// working clone.
func NewActionExecutor(provider sandbox.Provider, sessionID, repoPath, runID string, activity ActivitySink) *ActionExecutor {
	return &ActionExecutor{
		provider:  provider,
		sessionID: sessionID,
		repoPath:  repoPath,
		runID:     runID,
		activity:  activity,
		logger:    logx.NewLogger("executor"),
	}
}

// ExecuteBatch runs actions strictly in the order given. It short-circuits
// on a terminating action (returned as terminal) and on failures severe
// enough to abort the batch: commit failures and policy violations abort,
// run/patch/write failures are recorded and execution continues. The
// returned error is non-nil only for provider and policy errors, which
// surface to the controller.
func (e *ActionExecutor) ExecuteBatch(ctx context.Context, iteration int, actions []proto.Action) (results []proto.ActionResult, terminal *proto.Action, err error) {
	for i := range actions {
		action := &actions[i]

		if action.Type.Terminating() {
			e.logEvent(proto.EventActionStart, iteration, fmt.Sprintf("%s: %s", action.Type, action.Reason))
			results = append(results, proto.ActionResult{Type: action.Type, OK: true})
			e.logEvent(proto.EventActionEnd, iteration, string(action.Type))
			return results, action, nil
		}

		var result proto.ActionResult
		var actErr error

		switch action.Type {
		case proto.ActionRun:
			e.logEvent(proto.EventActionStart, iteration, "run: "+action.Command)
			result, actErr = e.execRun(ctx, action)
		case proto.ActionPatch:
			e.logEvent(proto.EventActionStart, iteration, "patch: "+action.Path)
			result, actErr = e.execPatch(ctx, action)
		case proto.ActionWrite:
			e.logEvent(proto.EventActionStart, iteration, "write: "+action.Path)
			result, actErr = e.execWrite(ctx, action)
		case proto.ActionCommit:
			e.logEvent(proto.EventActionStart, iteration, "commit: "+action.Message)
			result, actErr = e.execCommit(ctx, action)
		default:
			return results, nil, NewValidationError(nil, fmt.Sprintf("unexecutable action type %q", action.Type))
		}

		results = append(results, result)
		e.logEvent(proto.EventActionEnd, iteration, e.describeResult(&result))

		if actErr != nil {
			// Provider and policy errors abort the batch and surface.
			return results, nil, actErr
		}
		if !result.OK && action.Type == proto.ActionCommit {
			// A failed commit invalidates every assumption the rest of
			// the batch was built on.
			e.logger.Warn("run %s: commit failed, aborting remainder of batch", e.runID)
			return results, nil, nil
		}
	}
	return results, nil, nil
}

// execRun executes a command with a bounded timeout. A non-zero exit code
// is a normal result, not an error.
func (e *ActionExecutor) execRun(ctx context.Context, action *proto.Action) (proto.ActionResult, error) {
	res, err := e.provider.Exec(ctx, e.sessionID, []string{"sh", "-c", action.Command}, sandbox.ExecOpts{
		WorkDir: e.repoPath,
		Timeout: time.Duration(action.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return proto.ActionResult{
			Type:    proto.ActionRun,
			Command: action.Command,
			Error:   err.Error(),
		}, NewProviderError(err, true, "sandbox exec failed")
	}

	return proto.ActionResult{
		Type:     proto.ActionRun,
		OK:       true,
		Command:  action.Command,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}, nil
}

// execPatch applies a unified diff to exactly one file. The diff is
// checked first so a conflict never partially applies a hunk set.
func (e *ActionExecutor) execPatch(ctx context.Context, action *proto.Action) (proto.ActionResult, error) {
	result := proto.ActionResult{Type: proto.ActionPatch, Path: action.Path}

	if n := countDiffTargets(action.Diff); n != 1 {
		result.Error = fmt.Sprintf("patch must target exactly one file, diff targets %d", n)
		return result, nil
	}

	if err := e.provider.Mkdirs(ctx, e.sessionID, scratchDir); err != nil {
		result.Error = err.Error()
		return result, NewProviderError(err, true, "failed to prepare scratch dir")
	}

	e.patchSeq++
	patchFile := path.Join(scratchDir, fmt.Sprintf("patch-%04d.diff", e.patchSeq))
	diff := action.Diff
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	if err := e.provider.WriteFile(ctx, e.sessionID, patchFile, []byte(diff), false); err != nil {
		result.Error = err.Error()
		return result, NewProviderError(err, true, "failed to stage patch file")
	}

	start := time.Now()
	check, err := e.git(ctx, "apply", "--check", "--whitespace=nowarn", "../"+patchFile)
	if err != nil {
		result.Error = err.Error()
		return result, NewProviderError(err, true, "sandbox git apply failed")
	}
	if check.ExitCode != 0 {
		result.Error = fmt.Sprintf("%s: %s", ErrPatchConflict, strings.TrimSpace(check.Stderr))
		result.Duration = time.Since(start)
		return result, nil
	}

	applied, err := e.git(ctx, "apply", "--whitespace=nowarn", "../"+patchFile)
	if err != nil {
		result.Error = err.Error()
		return result, NewProviderError(err, true, "sandbox git apply failed")
	}
	result.Duration = time.Since(start)
	if applied.ExitCode != 0 {
		result.Error = fmt.Sprintf("%s: %s", ErrPatchConflict, strings.TrimSpace(applied.Stderr))
		return result, nil
	}

	result.OK = true
	return result, nil
}

// execWrite writes or appends bytes to one path inside the working clone.
func (e *ActionExecutor) execWrite(ctx context.Context, action *proto.Action) (proto.ActionResult, error) {
	result := proto.ActionResult{Type: proto.ActionWrite, Path: action.Path}

	if err := checkWritePolicy(action.Path); err != nil {
		result.Error = err.Error()
		return result, NewPolicyViolation(err.Error())
	}

	target := path.Join(e.repoPath, action.Path)
	if dir := path.Dir(target); dir != "." {
		if err := e.provider.Mkdirs(ctx, e.sessionID, dir); err != nil {
			result.Error = err.Error()
			return result, nil
		}
	}
	if err := e.provider.WriteFile(ctx, e.sessionID, target, []byte(action.Content), action.Append); err != nil {
		result.Error = err.Error()
		return result, nil
	}

	result.OK = true
	return result, nil
}

// execCommit stages the given paths and commits. Finding nothing to
// commit is a failed result, not a provider error.
func (e *ActionExecutor) execCommit(ctx context.Context, action *proto.Action) (proto.ActionResult, error) {
	result := proto.ActionResult{Type: proto.ActionCommit}

	status, err := e.git(ctx, append([]string{"status", "--porcelain", "--"}, action.Paths...)...)
	if err != nil {
		result.Error = err.Error()
		return result, NewProviderError(err, true, "sandbox git status failed")
	}
	if strings.TrimSpace(status.Stdout) == "" {
		result.Error = ErrNothingToCommit.Error()
		return result, nil
	}

	start := time.Now()
	sha, err := e.provider.GitCommit(ctx, e.sessionID, e.repoPath, action.Message, action.Paths)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}

	result.OK = true
	result.CommitSHA = sha
	return result, nil
}

// Diff returns the current working tree diff of the run's clone.
func (e *ActionExecutor) Diff(ctx context.Context) (string, error) {
	return e.provider.GitDiff(ctx, e.sessionID, e.repoPath)
}

// FileHashes returns content hashes for the given repo-relative paths,
// skipping files that no longer exist.
func (e *ActionExecutor) FileHashes(ctx context.Context, paths []string) map[string]string {
	hashes := make(map[string]string)
	for _, p := range paths {
		data, err := e.provider.ReadFile(ctx, e.sessionID, path.Join(e.repoPath, p))
		if err != nil {
			continue
		}
		hashes[p] = proto.HashContent(data)
	}
	return hashes
}

// TouchedPaths extracts the repo-relative paths an action batch wrote to.
func TouchedPaths(actions []proto.Action) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range actions {
		a := &actions[i]
		if (a.Type == proto.ActionPatch || a.Type == proto.ActionWrite) && a.Path != "" && !seen[a.Path] {
			seen[a.Path] = true
			out = append(out, a.Path)
		}
	}
	return out
}

func (e *ActionExecutor) git(ctx context.Context, args ...string) (sandbox.ExecResult, error) {
	cmd := append([]string{"git"}, args...)
	return e.provider.Exec(ctx, e.sessionID, cmd, sandbox.ExecOpts{
		WorkDir: e.repoPath,
		Timeout: 2 * time.Minute,
	})
}

func (e *ActionExecutor) logEvent(typ proto.EventType, iteration int, message string) {
	if e.activity == nil {
		return
	}
	if err := e.activity.Append(proto.NewEvent(e.runID, typ, iteration, message)); err != nil {
		e.logger.Error("run %s: failed to append activity event: %v", e.runID, err)
	}
}

func (e *ActionExecutor) describeResult(r *proto.ActionResult) string {
	switch {
	case r.Type == proto.ActionRun:
		return fmt.Sprintf("run exited %d", r.ExitCode)
	case r.OK && r.Type == proto.ActionCommit:
		return "commit " + r.CommitSHA
	case r.OK:
		return string(r.Type) + " ok"
	default:
		return fmt.Sprintf("%s failed: %s", r.Type, r.Error)
	}
}

// checkWritePolicy rejects writes escaping the clone or targeting
// disallowed locations.
func checkWritePolicy(p string) error {
	if path.IsAbs(p) {
		return fmt.Errorf("%w: absolute path %q", ErrPathPolicy, p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: path %q escapes the working clone", ErrPathPolicy, p)
	}
	for _, prefix := range deniedWritePrefixes {
		if strings.HasPrefix(clean, prefix) || clean == strings.TrimSuffix(prefix, "/") {
			return fmt.Errorf("%w: path %q targets a protected location", ErrPathPolicy, p)
		}
	}
	return nil
}

// countDiffTargets counts distinct files a unified diff modifies.
func countDiffTargets(diff string) int {
	count := 0
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "+++ ") {
			count++
		}
	}
	return count
}
