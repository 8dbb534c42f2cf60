// Package llm talks to the language-model providers used for analysis
// generation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/config"
)

// ErrNoProvider is returned when neither Ollama nor OpenAI is usable.
var ErrNoProvider = errors.New("no LLM provider available")

const defaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured(ctx context.Context) bool
	Name() string
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OllamaProvider) Name() string { return "ollama/" + o.Model }

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	return false
}

// Generate sends a prompt to Ollama and returns the response.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.3,
		},
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := postJSON(ctx, o.client, o.BaseURL+"/api/chat", "", body, &result); err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return result.Message.Content, nil
}

// OpenAIProvider is an OpenAI chat completions provider.
type OpenAIProvider struct {
	Model    string
	APIKey   string
	Endpoint string
	client   *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider reading its key from
// the named environment variable.
func NewOpenAIProvider(model, apiKeyEnv string) *OpenAIProvider {
	return &OpenAIProvider{
		Model:    model,
		APIKey:   os.Getenv(apiKeyEnv),
		Endpoint: defaultOpenAIURL,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OpenAIProvider) Name() string { return "openai/" + o.Model }

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured(context.Context) bool {
	return o.APIKey != ""
}

// Generate sends a prompt to OpenAI and returns the response.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if o.APIKey == "" {
		return "", errors.New("openai: API key not configured")
	}

	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":      maxTokens,
		"temperature":     0.3,
		"response_format": map[string]string{"type": "json_object"},
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := postJSON(ctx, o.client, o.Endpoint, o.APIKey, body, &result); err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// CreateProvider picks a provider from configuration. Ollama is preferred
// when requested and reachable; OpenAI is the fallback.
func CreateProvider(ctx context.Context, cfg config.LLM, log logrus.FieldLogger) (Provider, error) {
	if strings.ToLower(cfg.Provider) == "ollama" {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL)
		if p.IsConfigured(ctx) {
			log.WithField("model", cfg.Model).Info("Using Ollama")
			return p, nil
		}
		log.Warn("Ollama not available, trying OpenAI fallback")
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.APIKeyEnv)
	if p.IsConfigured(ctx) {
		log.WithField("model", cfg.OpenAIModel).Info("Using OpenAI")
		return p, nil
	}

	return nil, fmt.Errorf("%w: check Ollama is running or set %s", ErrNoProvider, cfg.APIKeyEnv)
}
