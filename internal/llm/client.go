// Package llm talks to an OpenAI-compatible chat completion endpoint and
// decodes the JSON replies the SQL assistant asks for.
package llm

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed system_prompt.md
var systemPromptTemplate string

// SystemPrompt renders the assistant's system prompt for a row cap.
func SystemPrompt(maxRows int) string {
	return strings.ReplaceAll(systemPromptTemplate, "{{max_rows}}", strconv.Itoa(maxRows))
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Config struct {
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"-"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"-"`
}

// Client is a text-in, text-out chat completion client.
type Client struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	system    string
	client    *http.Client
}

// NewClient returns a client that prefixes every request with system.
func NewClient(cfg Config, system string) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		model:     model,
		maxTokens: maxTokens,
		system:    system,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Complete sends the conversation and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	payload := map[string]any{
		"model":       c.model,
		"messages":    append([]Message{{Role: RoleSystem, Content: c.system}}, messages...),
		"temperature": temperature,
		"max_tokens":  c.maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, preview(string(raw)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// GenerateSQL asks for the next query (or a conversational answer) given
// the conversation so far.
func (c *Client) GenerateSQL(ctx context.Context, history []Message) (SQLReply, error) {
	text, err := c.Complete(ctx, history, 0.1)
	if err != nil {
		return SQLReply{}, err
	}
	var reply SQLReply
	if err := ParseJSON(text, &reply); err != nil {
		return SQLReply{}, err
	}
	return reply, nil
}

// Synthesize asks for an answer and chart for results described by
// resultContext.
func (c *Client) Synthesize(ctx context.Context, history []Message, resultContext string) (Synthesis, error) {
	prompt := resultContext + "\n\n" + synthesisInstructions
	text, err := c.Complete(ctx, append(slices.Clip(history), Message{Role: RoleUser, Content: prompt}), 0.2)
	if err != nil {
		return Synthesis{}, err
	}
	var out Synthesis
	if err := ParseJSON(text, &out); err != nil {
		return Synthesis{}, err
	}
	return out, nil
}

const synthesisInstructions = `Now synthesize a clear answer. Include:
1. A natural-language answer with key numbers and insights
2. An explanation of what the data shows
3. A chart configuration if a visualization helps (or null)

Respond with JSON: {"answer": "...", "explanation": "...", "chart": {...} or null}`

func preview(s string) string {
	if len(s) <= 500 {
		return s
	}
	return s[:500] + "..."
}
