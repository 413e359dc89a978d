// Package generator provides clients for the upstream text generation
// service the gate fronts. Generation is opaque to the core: it either
// returns text or fails, and a failure never refunds the reserved unit.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/usagegate/usagegate/internal/core/ports"
)

// HTTPGenerator posts prompts to an OpenAI-style completion endpoint.
type HTTPGenerator struct {
	url    string
	apiKey string
	client *http.Client
}

var _ ports.Generator = (*HTTPGenerator)(nil)

func NewHTTP(url, apiKey string, timeout time.Duration) (*HTTPGenerator, error) {
	if url == "" {
		return nil, fmt.Errorf("generator url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGenerator{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type generateRequest struct {
	Subject string `json:"subject"`
	Prompt  string `json:"prompt"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, subjectID, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Subject: subjectID, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream returned %d: %s", resp.StatusCode, payload)
	}

	var decoded generateResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decode upstream response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("upstream error: %s", decoded.Error)
	}
	return decoded.Text, nil
}

// Echo is the dev-mode generator: it returns the prompt back.
type Echo struct{}

var _ ports.Generator = Echo{}

func (Echo) Generate(_ context.Context, _, prompt string) (string, error) {
	return "echo: " + prompt, nil
}
