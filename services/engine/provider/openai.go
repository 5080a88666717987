// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// openaiBackend talks to an OpenAI-compatible chat completion endpoint.
type openaiBackend struct {
	client     *openai.Client
	model      string
	providerID string
	logger     *logging.Logger
}

// NewOpenAIProvider builds a Provider backed by the OpenAI API.
//
// The API key is taken from OPENAI_API_KEY, falling back to the Podman
// secret mount at /run/secrets/openai_api_key. A non-empty endpoint
// overrides the API base URL for compatible servers.
func NewOpenAIProvider(name, endpoint, model string, timeout time.Duration, logger *logging.Logger) (Provider, error) {
	if logger == nil {
		logger = logging.Default()
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		raw, err := os.ReadFile(secretPath)
		if err != nil {
			logger.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(raw))
		logger.Info("Read the OpenAI API Key from Podman Secrets")
	}
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("OpenAI model not configured, defaulting to gpt-4o-mini")
	}

	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = strings.TrimSuffix(endpoint, "/")
	}
	b := &openaiBackend{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		providerID: name,
		logger:     logger.With("provider", name),
	}
	return newClient(b, timeout, logger), nil
}

func (o *openaiBackend) name() string { return o.providerID }

func (o *openaiBackend) complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a careful software engineer working on an unattended repair system."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Error("OpenAI API call failed", "error", err.Error())
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		o.logger.Warn("OpenAI returned no choices")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *openaiBackend) available(ctx context.Context) bool {
	_, err := o.client.ListModels(ctx)
	return err == nil
}
