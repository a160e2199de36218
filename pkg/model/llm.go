// Package model provides the model-inference capability: profile-addressed
// clients for hosted and local providers. Clients are stateless call
// contracts: every request carries its full context explicitly, and no
// client keeps hidden session memory between calls.
package model

import (
	"context"
	"fmt"

	"autopilot/pkg/config"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole
	Content string
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Temperature float32
	MaxTokens   int
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	StopReason string
}

// Client defines the interface for language model interactions.
type Client interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// ModelName returns the model identifier for metrics and cost lookup.
	ModelName() string
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// ClientForProfile constructs a client for a named model profile. The
// provider is resolved through the KnownModels registry.
func ClientForProfile(profile config.ModelProfile) (Client, error) {
	info, ok := config.KnownModels[profile.Model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q: not in the model registry", profile.Model)
	}

	switch info.Provider {
	case config.ProviderAnthropic:
		apiKey, err := config.GetSecret(config.SecretAnthropicKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic profile requires an API key: %w", err)
		}
		return NewClaudeClient(apiKey, profile.Model), nil
	case config.ProviderOpenAI:
		apiKey, err := config.GetSecret(config.SecretOpenAIKey)
		if err != nil {
			return nil, fmt.Errorf("openai profile requires an API key: %w", err)
		}
		return NewOpenAIClient(apiKey, profile.Model), nil
	case config.ProviderGoogle:
		apiKey, err := config.GetSecret(config.SecretGoogleKey)
		if err != nil {
			return nil, fmt.Errorf("google profile requires an API key: %w", err)
		}
		return NewGeminiClient(apiKey, profile.Model), nil
	case config.ProviderOllama:
		host := profile.Host
		if host == "" {
			host = "http://localhost:11434"
		}
		return NewOllamaClient(host, profile.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q for model %q", info.Provider, profile.Model)
	}
}
