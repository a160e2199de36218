package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
state_dir: .autopilot
profiles:
  primary:
    model: claude-sonnet-4-5
    temperature: 0.2
    max_output_tokens: 8192
  fallback:
    model: gpt-5
    temperature: 0.2
    max_output_tokens: 8192
  doctor:
    model: claude-opus-4-1
    temperature: 0.0
    max_output_tokens: 8192
scm:
  repo_url: https://github.com/acme/widget
verification_command: go test ./...
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "primary", cfg.PrimaryProfile)
	assert.Equal(t, "fallback", cfg.FallbackProfile)
	assert.Equal(t, "doctor", cfg.DoctorProfile)
	assert.Equal(t, 30, cfg.Budgets.MaxIterations)
	assert.Equal(t, 0.7, cfg.Gutter.ScoreThreshold)
	assert.Equal(t, 5, cfg.Gutter.WindowSize)
	assert.Equal(t, filepath.Join(".autopilot", "autopilot.db"), cfg.DBPath)
	assert.Equal(t, "github", cfg.SCM.Provider)
	assert.Equal(t, "autopilot/", cfg.SCM.BranchPrefix)
}

func TestLoadRejectsMissingRepo(t *testing.T) {
	body := `
profiles:
  primary: {model: claude-sonnet-4-5}
  fallback: {model: gpt-5}
  doctor: {model: claude-opus-4-1}
verification_command: go test ./...
`
	_, err := Load(writeConfig(t, body))
	assert.ErrorContains(t, err, "repo_url")
}

func TestValidateRejectsDanglingProfile(t *testing.T) {
	cfg := Defaults()
	cfg.Profiles = map[string]ModelProfile{"primary": {Model: "gpt-5"}}
	cfg.PrimaryProfile = "primary"
	cfg.FallbackProfile = "missing"
	cfg.DoctorProfile = "primary"
	cfg.SCM.RepoURL = "https://github.com/acme/widget"

	err := cfg.Validate()
	assert.ErrorContains(t, err, "missing")
}

func TestGetReturnsValueCopy(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	a, err := Get()
	require.NoError(t, err)
	a.Budgets.MaxIterations = 1

	b, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 30, b.Budgets.MaxIterations)
}

func TestCostEstimate(t *testing.T) {
	// claude-sonnet-4-5: $3/M input, $15/M output.
	cost := CostEstimate("claude-sonnet-4-5", 1_000_000, 100_000)
	assert.InDelta(t, 3.0+1.5, cost, 1e-9)

	assert.Zero(t, CostEstimate("mystery-model", 1000, 1000))
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	SetSecret(SecretAnthropicKey, "sk-ant-test")
	SetSecret(SecretGitHubToken, "ghp_test")
	require.NoError(t, SaveSecretsFile(dir, "hunter2"))

	// Clear and reload.
	SetSecret(SecretAnthropicKey, "")
	require.NoError(t, LoadSecretsFile(dir, "hunter2"))

	got, err := GetSecret(SecretAnthropicKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", got)

	// Wrong password fails.
	assert.Error(t, LoadSecretsFile(dir, "wrong"))

	// File is written with restrictive permissions.
	info, err := os.Stat(filepath.Join(dir, secretsFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestGetSecretFallsBackToEnv(t *testing.T) {
	t.Setenv("AUTOPILOT_TEST_SECRET", "from-env")

	got, err := GetSecret("AUTOPILOT_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	_, err = GetSecret("AUTOPILOT_TEST_MISSING")
	assert.Error(t, err)
}
