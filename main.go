package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"autopilot/pkg/api"
	"autopilot/pkg/config"
	"autopilot/pkg/logx"
	"autopilot/pkg/metrics"
	"autopilot/pkg/persistence"
	"autopilot/pkg/runner"
	"autopilot/pkg/sandbox"
	"autopilot/pkg/state"
)

// passwordEnv lets operators skip the interactive password prompt.
const passwordEnv = "AUTOPILOT_PASSWORD"

func main() {
	var configPath string
	var initSecrets bool
	var specPath string
	var title string
	flag.StringVar(&configPath, "config", config.DefaultConfigName, "Path to config file")
	flag.BoolVar(&initSecrets, "init", false, "Interactively set up the encrypted secrets file and exit")
	flag.StringVar(&specPath, "spec", "", "Path to a task spec file; creates a run on startup")
	flag.StringVar(&title, "title", "", "Title for the run created from -spec")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if initSecrets {
		if err := bootstrapSecrets(cfg.StateDir); err != nil {
			log.Fatalf("Secrets setup failed: %v", err)
		}
		fmt.Printf("Credentials saved to %s (file permissions: 0600)\n",
			filepath.Join(cfg.StateDir, "secrets.json.enc"))
		return
	}

	if err := unlockSecrets(cfg.StateDir); err != nil {
		log.Fatalf("Failed to unlock secrets: %v", err)
	}

	logger := logx.NewLogger("main")

	store, err := state.NewStore(filepath.Join(cfg.StateDir, "runs"))
	if err != nil {
		log.Fatalf("Failed to open run store: %v", err)
	}

	provider, err := sandbox.NewLocalProvider(cfg.Sandbox.WorkRoot)
	if err != nil {
		log.Fatalf("Failed to init sandbox provider: %v", err)
	}

	index, err := persistence.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open run index: %v", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			logger.Error("failed to close run index: %v", err)
		}
	}()

	recorder := metrics.NewRecorder()

	controller := runner.NewController(runner.Options{
		Config:   *cfg,
		Store:    store,
		Provider: provider,
		Index:    index,
		Recorder: recorder,
	})

	var query *metrics.QueryService
	if cfg.PrometheusURL != "" {
		query, err = metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			log.Fatalf("Failed to init metrics query service: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(controller, index, query)
	if err := server.StartServer(ctx, cfg.APIListenAddr); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	if specPath != "" {
		if err := createRunFromSpec(controller, specPath, title); err != nil {
			log.Fatalf("Failed to create run: %v", err)
		}
	}

	logger.Info("autopilot ready on %s (state dir %s)", cfg.APIListenAddr, cfg.StateDir)
	if err := controller.Start(ctx); err != nil {
		logger.Error("controller stopped with error: %v", err)
	}
	logger.Info("shutdown complete")
}

// createRunFromSpec reads an anchor spec from disk and enqueues a run.
func createRunFromSpec(controller *runner.Controller, specPath, title string) error {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("failed to read spec file: %w", err)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(specPath), filepath.Ext(specPath))
	}

	run, err := controller.CreateRun(runner.CreateRunRequest{
		Title:      title,
		AnchorSpec: string(data),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created run %s (%s)\n", run.ID, run.Title)
	return nil
}

// unlockSecrets decrypts the secrets file if one exists. Without a file,
// secrets fall through to environment variables.
func unlockSecrets(stateDir string) error {
	if !config.SecretsFileExists(stateDir) {
		return nil
	}

	password := os.Getenv(passwordEnv)
	if password == "" {
		fmt.Print("Enter autopilot password: ")
		entered, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(entered)
	}

	return config.LoadSecretsFile(stateDir, password)
}

// bootstrapSecrets interactively collects credentials and writes the
// encrypted secrets file.
func bootstrapSecrets(stateDir string) error {
	password, err := promptForPassword()
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	prompts := []struct {
		name  string
		label string
	}{
		{config.SecretGitHubToken, "GitHub token (repo scope)"},
		{config.SecretAnthropicKey, "Anthropic API key (optional, press Enter to skip)"},
		{config.SecretOpenAIKey, "OpenAI API key (optional, press Enter to skip)"},
		{config.SecretGoogleKey, "Gemini API key (optional, press Enter to skip)"},
	}
	for _, p := range prompts {
		fmt.Printf("Enter %s: ", p.label)
		if !scanner.Scan() {
			break
		}
		if value := strings.TrimSpace(scanner.Text()); value != "" {
			config.SetSecret(p.name, value)
		}
	}

	// The API password doubles as the dashboard login.
	config.SetSecret(config.SecretAPIPassword, password)

	return config.SaveSecretsFile(stateDir, password)
}

// promptForPassword prompts for a password with confirmation.
func promptForPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter a password for this autopilot project: ")
		first, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		second, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if string(first) != string(second) {
			if attempt < maxAttempts {
				fmt.Println("Passwords do not match. Please try again.")
				continue
			}
			return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
		}
		return string(first), nil
	}
	return "", fmt.Errorf("no password entered")
}
