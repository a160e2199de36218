package scm

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"autopilot/pkg/logx"
)

// GitHubClient provides SCM operations via the gh CLI. All operations run
// on the host since they are pure API calls.
type GitHubClient struct {
	owner   string
	repo    string
	logger  *logx.Logger
	timeout time.Duration
}

// NewGitHubClient creates a client for the given repository.
func NewGitHubClient(owner, repo string) *GitHubClient {
	return &GitHubClient{
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("scm"),
		timeout: 2 * time.Minute,
	}
}

// NewGitHubClientFromRemote creates a client by parsing a git remote URL.
func NewGitHubClientFromRemote(remoteURL string) (*GitHubClient, error) {
	owner, repo, err := ParseGitHubURL(remoteURL)
	if err != nil {
		return nil, err
	}
	return NewGitHubClient(owner, repo), nil
}

// Provider returns the host type.
func (c *GitHubClient) Provider() Provider { return ProviderGitHub }

// RepoPath returns the owner/repo path.
func (c *GitHubClient) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// ValidateAuth verifies gh credentials.
func (c *GitHubClient) ValidateAuth(ctx context.Context) error {
	if _, err := c.run(ctx, "auth", "status"); err != nil {
		return fmt.Errorf("GitHub credentials invalid: %w", err)
	}
	return nil
}

// DefaultBranch returns the repository default branch.
func (c *GitHubClient) DefaultBranch(ctx context.Context) (string, error) {
	var result struct {
		DefaultBranchRef struct {
			Name string `json:"name"`
		} `json:"defaultBranchRef"`
	}
	args := []string{"repo", "view", c.RepoPath(), "--json", "defaultBranchRef"}
	if err := c.runJSON(ctx, &result, args...); err != nil {
		return "", fmt.Errorf("failed to get default branch: %w", err)
	}
	if result.DefaultBranchRef.Name == "" {
		return "main", nil
	}
	return result.DefaultBranchRef.Name, nil
}

// ghPR matches gh CLI --json output field names.
type ghPR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// OpenPR opens a pull request for the head branch, returning the existing
// open PR if one is already up.
func (c *GitHubClient) OpenPR(ctx context.Context, opts PROptions) (*PullRequestInfo, error) {
	if opts.Title == "" {
		return nil, fmt.Errorf("PR title is required")
	}
	if opts.Head == "" {
		return nil, fmt.Errorf("PR head branch is required")
	}

	// Reuse an existing open PR for the branch.
	existing, err := c.prForBranch(ctx, opts.Head)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	args := []string{
		"pr", "create",
		"--repo", c.RepoPath(),
		"--head", opts.Head,
		"--title", opts.Title,
		"--body", opts.Body,
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PR: %w", err)
	}

	// gh pr create prints the PR URL on the last line.
	url := lastNonEmptyLine(string(output))
	number, err := prNumberFromURL(url)
	if err != nil {
		return nil, err
	}

	return &PullRequestInfo{URL: url, Number: number}, nil
}

// UpdatePR updates title and/or body of an existing pull request.
func (c *GitHubClient) UpdatePR(ctx context.Context, number int, title, body string) error {
	args := []string{"pr", "edit", strconv.Itoa(number), "--repo", c.RepoPath()}
	if title != "" {
		args = append(args, "--title", title)
	}
	if body != "" {
		args = append(args, "--body", body)
	}
	if len(args) == 4 {
		return nil // Nothing to update
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to update PR #%d: %w", number, err)
	}
	return nil
}

// CommentPR adds a comment to a pull request.
func (c *GitHubClient) CommentPR(ctx context.Context, number int, body string) error {
	args := []string{"pr", "comment", strconv.Itoa(number), "--repo", c.RepoPath(), "--body", body}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to comment on PR #%d: %w", number, err)
	}
	return nil
}

// PRChecks returns the aggregate CI check state for a pull request.
func (c *GitHubClient) PRChecks(ctx context.Context, number int) (CheckState, error) {
	var checks []struct {
		State string `json:"state"`
	}
	args := []string{"pr", "checks", strconv.Itoa(number), "--repo", c.RepoPath(), "--json", "state"}
	if err := c.runJSON(ctx, &checks, args...); err != nil {
		// gh pr checks exits non-zero when checks fail; treat JSON parse
		// failure separately from check failure.
		if strings.Contains(err.Error(), "no checks") {
			return ChecksUnknown, nil
		}
		return ChecksUnknown, fmt.Errorf("failed to read PR checks: %w", err)
	}

	if len(checks) == 0 {
		return ChecksUnknown, nil
	}

	state := ChecksPassing
	for _, check := range checks {
		switch strings.ToUpper(check.State) {
		case "FAILURE", "ERROR", "CANCELLED", "TIMED_OUT":
			return ChecksFailing, nil
		case "PENDING", "QUEUED", "IN_PROGRESS", "EXPECTED":
			state = ChecksPending
		}
	}
	return state, nil
}

func (c *GitHubClient) prForBranch(ctx context.Context, branch string) (*PullRequestInfo, error) {
	var prs []ghPR
	args := []string{
		"pr", "list",
		"--repo", c.RepoPath(),
		"--head", branch,
		"--state", "open",
		"--json", "number,url,state",
	}
	if err := c.runJSON(ctx, &prs, args...); err != nil {
		return nil, fmt.Errorf("failed to list PRs for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil //nolint:nilnil // Absence of a PR is a normal outcome
	}
	return &PullRequestInfo{URL: prs[0].URL, Number: prs[0].Number}, nil
}

// run executes a gh command and returns the output.
func (c *GitHubClient) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "gh", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gh command failed: %w\nOutput: %s", err, string(output))
	}
	return output, nil
}

// runJSON executes a gh command and unmarshals the JSON response.
func (c *GitHubClient) runJSON(ctx context.Context, result any, args ...string) error {
	output, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if len(output) == 0 {
		return nil // Empty response is valid for some operations
	}
	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w\nOutput: %s", err, string(output))
	}
	return nil
}

// ParseGitHubURL extracts owner and repo from SSH or HTTPS GitHub URLs.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	if strings.HasPrefix(url, "git@github.com:") {
		path := strings.TrimPrefix(url, "git@github.com:")
		path = strings.TrimSuffix(path, ".git")
		parts := strings.Split(path, "/")
		if len(parts) != 2 {
			return "", "", fmt.Errorf("invalid GitHub SSH URL format: %s", url)
		}
		return parts[0], parts[1], nil
	}

	if strings.HasPrefix(url, "https://github.com/") {
		path := strings.TrimPrefix(url, "https://github.com/")
		path = strings.TrimSuffix(path, ".git")
		parts := strings.Split(path, "/")
		if len(parts) != 2 {
			return "", "", fmt.Errorf("invalid GitHub HTTPS URL format: %s", url)
		}
		return parts[0], parts[1], nil
	}

	return "", "", fmt.Errorf("unsupported Git URL format: %s", url)
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func prNumberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected PR URL: %s", url)
	}
	number, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected PR URL: %s", url)
	}
	return number, nil
}
