// Package scm abstracts the source-control host a run publishes its patch
// set to. The core only needs credential validation, the default branch,
// and pull-request create/update/comment/checks.
package scm

import "context"

// Provider represents a source-control host type.
type Provider string

const (
	ProviderGitHub Provider = "github"
)

// PullRequestInfo identifies an open or updated pull request.
type PullRequestInfo struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// PROptions contains options for opening a pull request.
type PROptions struct {
	// Title is required.
	Title string

	// Body is the PR description.
	Body string

	// Head is the source branch (required).
	Head string

	// Base is the target branch (defaults to the repo default branch).
	Base string

	// Draft opens the PR as a draft.
	Draft bool

	// Labels to apply on creation.
	Labels []string
}

// CheckState summarizes CI checks for a pull request.
type CheckState string

const (
	ChecksPassing CheckState = "passing"
	ChecksFailing CheckState = "failing"
	ChecksPending CheckState = "pending"
	ChecksUnknown CheckState = "unknown"
)

// Client defines the interface for SCM operations.
type Client interface {
	// Provider returns the host type.
	Provider() Provider

	// RepoPath returns the owner/repo path.
	RepoPath() string

	// ValidateAuth verifies credentials before a run starts.
	ValidateAuth(ctx context.Context) error

	// DefaultBranch returns the repository default branch.
	DefaultBranch(ctx context.Context) (string, error)

	// OpenPR opens a pull request, or returns the existing one for the
	// head branch.
	OpenPR(ctx context.Context, opts PROptions) (*PullRequestInfo, error)

	// UpdatePR updates title and/or body of an existing pull request.
	// Empty fields are left unchanged.
	UpdatePR(ctx context.Context, number int, title, body string) error

	// CommentPR adds a comment to a pull request.
	CommentPR(ctx context.Context, number int, body string) error

	// PRChecks returns the aggregate CI check state for a pull request.
	PRChecks(ctx context.Context, number int) (CheckState, error)
}
