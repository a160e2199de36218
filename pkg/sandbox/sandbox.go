// Package sandbox abstracts the disposable execution environment a run
// edits code in: process execution, file access, and git operations against
// one working clone. Each run owns exactly one session; sessions are never
// shared between runs.
package sandbox

import (
	"context"
	"time"
)

// Resources describes the compute envelope requested for a session.
type Resources struct {
	VCPU      int
	MemoryGiB int
	DiskGiB   int
}

// ExecResult is the structured outcome of one command execution. A non-zero
// exit code is a normal result, not an error.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// FileEntry describes one entry of a directory listing.
type FileEntry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// ExecOpts bounds one command execution.
type ExecOpts struct {
	WorkDir string
	Env     []string
	Timeout time.Duration
}

// CreateOpts parameterizes session creation.
type CreateOpts struct {
	Name      string
	Resources Resources
	Image     string
	Env       map[string]string
	Labels    map[string]string
}

// CloneAuth carries credentials for clone and push.
type CloneAuth struct {
	Username string
	Token    string
}

// Provider manages sandbox sessions and executes operations inside them.
// Implementations must be safe for use by concurrent runs, with each run
// addressing only its own session.
type Provider interface {
	// CreateSession provisions a new session and returns its ID.
	CreateSession(ctx context.Context, opts CreateOpts) (string, error)
	// StartSession starts a stopped session.
	StartSession(ctx context.Context, sessionID string) error
	// StopSession stops a session without destroying its filesystem.
	StopSession(ctx context.Context, sessionID string) error
	// DeleteSession destroys the session and its filesystem.
	DeleteSession(ctx context.Context, sessionID string) error
	// SessionExists reports whether the session is still addressable.
	// Used on resume to decide between reconnecting and failing.
	SessionExists(ctx context.Context, sessionID string) bool

	// Exec runs a command inside the session with a bounded timeout.
	Exec(ctx context.Context, sessionID string, cmd []string, opts ExecOpts) (ExecResult, error)

	// File operations, rooted at the session workspace.
	ReadFile(ctx context.Context, sessionID, path string) ([]byte, error)
	WriteFile(ctx context.Context, sessionID, path string, data []byte, append bool) error
	ListFiles(ctx context.Context, sessionID, path string) ([]FileEntry, error)
	Mkdirs(ctx context.Context, sessionID, path string) error

	// Git operations against the session's working clone.
	GitClone(ctx context.Context, sessionID, url, path, branch string, auth *CloneAuth) error
	GitStatus(ctx context.Context, sessionID, path string) (string, error)
	GitDiff(ctx context.Context, sessionID, path string) (string, error)
	GitCheckoutNewBranch(ctx context.Context, sessionID, path, branch string) error
	GitCommit(ctx context.Context, sessionID, path, message string, paths []string) (string, error)
	GitPush(ctx context.Context, sessionID, path, remote, branch string, auth *CloneAuth) error

	// PreviewLink returns a reachable URL for a port exposed by the
	// session, or "" if the provider does not support previews.
	PreviewLink(ctx context.Context, sessionID string, port int) (string, error)
}
