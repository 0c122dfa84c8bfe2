package statusmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

const systemPrompt = `You are an engineering status reporter. Given grouped repository
activity for a time window, respond with a single JSON object:
{"status":"on_track|at_risk|blocked|unknown","summary_text":"...",
"highlights":[],"risks":[],"next_steps":[]}. Base every claim on the
provided evidence and nothing else.`

// ChatCompletionConfig configures the remote backend.
type ChatCompletionConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // defaults to 60s
	Retries     uint64        // transient retries, defaults to 2
	HTTPClient  *http.Client
}

// ChatCompletion calls an OpenAI-style chat completion endpoint and parses
// the JSON summary out of the first choice.
type ChatCompletion struct {
	cfg    ChatCompletionConfig
	client *http.Client
}

func NewChatCompletion(cfg ChatCompletionConfig) (*ChatCompletion, error) {
	if cfg.Endpoint == "" {
		return nil, faults.New(faults.MissingConfig, "chat completion endpoint required")
	}
	if cfg.Model == "" {
		return nil, faults.New(faults.MissingConfig, "chat completion model required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &ChatCompletion{cfg: cfg, client: client}, nil
}

func (c *ChatCompletion) Name() string { return c.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// wireSummary is the JSON shape the model is asked to produce.
type wireSummary struct {
	Status      string   `json:"status"`
	SummaryText string   `json:"summary_text"`
	Highlights  []string `json:"highlights"`
	Risks       []string `json:"risks"`
	NextSteps   []string `json:"next_steps"`
}

func (c *ChatCompletion) SummariseRepository(ctx context.Context, bundle evidence.Bundle) (models.StatusSummary, error) {
	evidenceJSON, err := json.Marshal(bundle)
	if err != nil {
		return models.StatusSummary{}, faults.Wrap(faults.DataIntegrity, err, "marshal bundle")
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(evidenceJSON)},
		},
	})
	if err != nil {
		return models.StatusSummary{}, faults.Wrap(faults.DataIntegrity, err, "marshal request")
	}

	var summary models.StatusSummary
	backoff := retry.WithMaxRetries(c.cfg.Retries, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		summary, err = c.invoke(ctx, body)
		if faults.Transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return summary, err
}

func (c *ChatCompletion) invoke(ctx context.Context, body []byte) (models.StatusSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return models.StatusSummary{}, faults.Wrap(faults.Remote4xx, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return models.StatusSummary{}, faults.Wrap(faults.Timeout, err, "model request timed out")
		}
		return models.StatusSummary{}, faults.Wrap(faults.Remote5xx, err, "model request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return models.StatusSummary{}, faults.New(faults.Remote5xx, "model endpoint responded %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return models.StatusSummary{}, faults.New(faults.Remote4xx, "model endpoint rejected request: %s", resp.Status)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.StatusSummary{}, faults.Wrap(faults.Remote5xx, err, "read model response")
	}
	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return models.StatusSummary{}, faults.Wrap(faults.SchemaDrift, err, "decode model response")
	}
	if len(parsed.Choices) == 0 {
		return models.StatusSummary{}, faults.New(faults.SchemaDrift, "model response carried no choices")
	}

	var wire wireSummary
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &wire); err != nil {
		return models.StatusSummary{}, faults.Wrap(faults.SchemaDrift, err, "model output is not the expected JSON")
	}

	summary := models.StatusSummary{
		Status:      parseStatus(wire.Status),
		SummaryText: wire.SummaryText,
		Highlights:  wire.Highlights,
		Risks:       wire.Risks,
		NextSteps:   wire.NextSteps,
	}
	if parsed.Usage != nil {
		summary.Usage = &models.ModelUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return summary, nil
}

func parseStatus(s string) models.StatusValue {
	switch models.StatusValue(s) {
	case models.StatusOnTrack, models.StatusAtRisk, models.StatusBlocked:
		return models.StatusValue(s)
	}
	return models.StatusUnknown
}
