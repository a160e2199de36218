package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopilot/pkg/logx"
)

// LocalProvider runs sandbox sessions as plain directories under a work
// root, executing commands as local subprocesses. It gives no isolation
// beyond path confinement and is intended for development and tests; the
// production deployment points Provider at a remote backend.
type LocalProvider struct {
	workRoot string
	logger   *logx.Logger
	mu       sync.RWMutex
	sessions map[string]string // session ID → root dir
}

// NewLocalProvider creates a local provider rooted at workRoot.
func NewLocalProvider(workRoot string) (*LocalProvider, error) {
	if err := os.MkdirAll(workRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox work root: %w", err)
	}
	return &LocalProvider{
		workRoot: workRoot,
		logger:   logx.NewLogger("sandbox"),
		sessions: make(map[string]string),
	}, nil
}

// CreateSession provisions a session directory and returns its ID.
func (p *LocalProvider) CreateSession(_ context.Context, opts CreateOpts) (string, error) {
	name := opts.Name
	if name == "" {
		name = "session"
	}
	sessionID := fmt.Sprintf("%s-%s", name, uuid.New().String()[:8])
	root := filepath.Join(p.workRoot, sessionID)

	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	p.mu.Lock()
	p.sessions[sessionID] = root
	p.mu.Unlock()

	p.logger.Info("created session %s at %s", sessionID, root)
	return sessionID, nil
}

// StartSession is a no-op for local sessions.
func (p *LocalProvider) StartSession(_ context.Context, sessionID string) error {
	_, err := p.root(sessionID)
	return err
}

// StopSession is a no-op for local sessions.
func (p *LocalProvider) StopSession(_ context.Context, sessionID string) error {
	_, err := p.root(sessionID)
	return err
}

// DeleteSession removes the session directory.
func (p *LocalProvider) DeleteSession(_ context.Context, sessionID string) error {
	root, err := p.root(sessionID)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}

	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	return nil
}

// SessionExists reports whether the session is addressable. Sessions
// survive process restarts as long as their directory is intact.
func (p *LocalProvider) SessionExists(_ context.Context, sessionID string) bool {
	p.mu.RLock()
	root, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		// Reattach after restart: the directory is the session.
		root = filepath.Join(p.workRoot, sessionID)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return false
	}
	if !ok {
		p.mu.Lock()
		p.sessions[sessionID] = root
		p.mu.Unlock()
	}
	return true
}

// Exec runs a command inside the session with a bounded timeout. A non-zero
// exit code is returned in the result, not as an error.
func (p *LocalProvider) Exec(ctx context.Context, sessionID string, cmd []string, opts ExecOpts) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, fmt.Errorf("command cannot be empty")
	}

	root, err := p.root(sessionID)
	if err != nil {
		return ExecResult{}, err
	}

	workDir := root
	if opts.WorkDir != "" {
		workDir, err = p.resolvePath(sessionID, opts.WorkDir)
		if err != nil {
			return ExecResult{}, err
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	execCmd.Dir = workDir
	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdout, stderr strings.Builder
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	runErr := execCmd.Run()
	duration := time.Since(start)

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.ExitCode = -1
			result.Stderr += fmt.Sprintf("\ncommand timed out after %s", opts.Timeout)
			return result, nil
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		default:
			// Command could not be started at all.
			return result, fmt.Errorf("failed to execute command: %w", runErr)
		}
	}

	result.ExitCode = 0
	return result, nil
}

// ReadFile reads one file from the session workspace.
func (p *LocalProvider) ReadFile(_ context.Context, sessionID, path string) ([]byte, error) {
	target, err := p.resolvePath(sessionID, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes or appends bytes to one path inside the session.
func (p *LocalProvider) WriteFile(_ context.Context, sessionID, path string, data []byte, appendMode bool) error {
	target, err := p.resolvePath(sessionID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(target, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // Write error below is the one that matters

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ListFiles lists a directory inside the session.
func (p *LocalProvider) ListFiles(_ context.Context, sessionID, path string) ([]FileEntry, error) {
	target, err := p.resolvePath(sessionID, path)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	entries := make([]FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, FileEntry{
			Name:    de.Name(),
			IsDir:   de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// Mkdirs creates a directory tree inside the session.
func (p *LocalProvider) Mkdirs(_ context.Context, sessionID, path string) error {
	target, err := p.resolvePath(sessionID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

// GitClone clones url into path inside the session.
func (p *LocalProvider) GitClone(ctx context.Context, sessionID, url, path, branch string, auth *CloneAuth) error {
	target, err := p.resolvePath(sessionID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create clone parent directory: %w", err)
	}

	cmd := []string{"git", "clone"}
	if branch != "" {
		cmd = append(cmd, "--branch", branch)
	}
	cmd = append(cmd, applyAuth(url, auth), target)

	return p.runGit(ctx, sessionID, cmd, "")
}

// GitStatus returns porcelain status for the working tree at path.
func (p *LocalProvider) GitStatus(ctx context.Context, sessionID, path string) (string, error) {
	return p.gitOutput(ctx, sessionID, path, []string{"git", "status", "--porcelain"})
}

// GitDiff returns the working tree patch at path.
func (p *LocalProvider) GitDiff(ctx context.Context, sessionID, path string) (string, error) {
	return p.gitOutput(ctx, sessionID, path, []string{"git", "diff", "--patch"})
}

// GitCheckoutNewBranch creates and checks out a new branch.
func (p *LocalProvider) GitCheckoutNewBranch(ctx context.Context, sessionID, path, branch string) error {
	return p.runGit(ctx, sessionID, []string{"git", "checkout", "-b", branch}, path)
}

// GitCommit stages the given paths (or everything when empty) and commits,
// returning the new commit SHA.
func (p *LocalProvider) GitCommit(ctx context.Context, sessionID, path, message string, paths []string) (string, error) {
	addCmd := []string{"git", "add"}
	if len(paths) == 0 {
		addCmd = append(addCmd, "-A")
	} else {
		addCmd = append(addCmd, "--")
		addCmd = append(addCmd, paths...)
	}
	if err := p.runGit(ctx, sessionID, addCmd, path); err != nil {
		return "", err
	}
	if err := p.runGit(ctx, sessionID, []string{"git", "commit", "-m", message}, path); err != nil {
		return "", err
	}
	sha, err := p.gitOutput(ctx, sessionID, path, []string{"git", "rev-parse", "HEAD"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// GitPush pushes branch to remote.
func (p *LocalProvider) GitPush(ctx context.Context, sessionID, path, remote, branch string, auth *CloneAuth) error {
	target := remote
	if auth != nil && strings.HasPrefix(remote, "https://") {
		target = applyAuth(remote, auth)
	}
	return p.runGit(ctx, sessionID, []string{"git", "push", target, branch}, path)
}

// PreviewLink is not supported by the local provider.
func (p *LocalProvider) PreviewLink(_ context.Context, sessionID string, _ int) (string, error) {
	if _, err := p.root(sessionID); err != nil {
		return "", err
	}
	return "", nil
}

func (p *LocalProvider) root(sessionID string) (string, error) {
	p.mu.RLock()
	root, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		candidate := filepath.Join(p.workRoot, sessionID)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			p.mu.Lock()
			p.sessions[sessionID] = candidate
			p.mu.Unlock()
			return candidate, nil
		}
		return "", fmt.Errorf("unknown session: %s", sessionID)
	}
	return root, nil
}

// resolvePath confines path to the session root.
func (p *LocalProvider) resolvePath(sessionID, path string) (string, error) {
	root, err := p.root(sessionID)
	if err != nil {
		return "", err
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	resolved := filepath.Clean(candidate)

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve session root: %w", err)
	}
	resolvedAbs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if resolvedAbs != rootAbs && !strings.HasPrefix(resolvedAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox: %s", path)
	}
	return resolvedAbs, nil
}

func (p *LocalProvider) runGit(ctx context.Context, sessionID string, cmd []string, workDir string) error {
	result, err := p.Exec(ctx, sessionID, cmd, ExecOpts{WorkDir: workDir, Timeout: 2 * time.Minute})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git command failed (%s): %s", strings.Join(cmd[:2], " "), strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (p *LocalProvider) gitOutput(ctx context.Context, sessionID, path string, cmd []string) (string, error) {
	result, err := p.Exec(ctx, sessionID, cmd, ExecOpts{WorkDir: path, Timeout: 2 * time.Minute})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("git command failed (%s): %s", strings.Join(cmd[:2], " "), strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// applyAuth embeds credentials into an https clone URL.
func applyAuth(url string, auth *CloneAuth) string {
	if auth == nil || !strings.HasPrefix(url, "https://") {
		return url
	}
	credential := auth.Token
	if credential == "" {
		return url
	}
	if auth.Username != "" {
		credential = auth.Username + ":" + credential
	}
	return strings.Replace(url, "https://", "https://"+credential+"@", 1)
}
