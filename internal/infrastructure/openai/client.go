// Package openai implements the scene composer, image generator and quality
// scorer over OpenAI-compatible HTTP APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"StudioFeed/internal/config"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

// Client talks to chat-completion and image-generation endpoints.
type Client struct {
	endpoint      string
	model         string
	imageModel    string
	apiKey        string
	systemPrompt  string
	scoringPrompt string
	imageCost     float64
	httpClient    *http.Client
}

var (
	_ ports.SceneComposer  = (*Client)(nil)
	_ ports.ImageGenerator = (*Client)(nil)
	_ ports.QualityScorer  = (*Client)(nil)
)

// NewClient builds a client from configuration.
func NewClient(cfg config.OpenAIConfig) *Client {
	return &Client{
		endpoint:      strings.TrimSuffix(cfg.Endpoint, "/"),
		model:         cfg.Model,
		imageModel:    cfg.ImageModel,
		apiKey:        cfg.APIKey,
		systemPrompt:  cfg.SystemPrompt,
		scoringPrompt: cfg.ScoringPrompt,
		imageCost:     cfg.ImageCost,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Compose asks the chat model for an optimized photography prompt.
func (c *Client) Compose(ctx context.Context, product domain.Product, scene domain.SceneSelection) (domain.PromptSpec, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Product: %s (%s).\nScenario: %s.\nComposition: %s.\n",
		product.Name, product.Type, scene.ScenarioID, scene.CompositionID)
	if scene.TableID != "" {
		fmt.Fprintf(&sb, "Surface: %s.\n", scene.TableID)
	}
	if scene.HandStyleID != "" {
		fmt.Fprintf(&sb, "Hands: %s.\n", scene.HandStyleID)
	}
	if scene.IncludesPet {
		sb.WriteString("Include a pet naturally in the scene.\n")
	}
	sb.WriteString("Write one detailed image-generation prompt for this product photo.")

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: sb.String()},
		},
	}, &resp); err != nil {
		return domain.PromptSpec{}, err
	}
	if len(resp.Choices) == 0 {
		return domain.PromptSpec{}, fmt.Errorf("chat response has no choices")
	}
	return domain.PromptSpec{
		Prompt:      strings.TrimSpace(resp.Choices[0].Message.Content),
		AspectRatio: "1:1",
	}, nil
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Render generates one image for the prompt and attributes the configured
// per-image cost to it.
func (c *Client) Render(ctx context.Context, spec domain.PromptSpec) (domain.ImageArtifact, error) {
	var resp imageResponse
	if err := c.post(ctx, "/images/generations", imageRequest{
		Model:  c.imageModel,
		Prompt: spec.Prompt,
		Size:   "1024x1024",
		N:      1,
	}, &resp); err != nil {
		return domain.ImageArtifact{}, err
	}
	if len(resp.Data) == 0 {
		return domain.ImageArtifact{}, fmt.Errorf("image response has no data")
	}
	ref := resp.Data[0].URL
	if ref == "" {
		ref = "b64:" + resp.Data[0].B64JSON
	}
	return domain.ImageArtifact{Ref: ref, Cost: c.imageCost}, nil
}

type scoreResult struct {
	Score      float64 `json:"score"`
	Evaluation string  `json:"evaluation"`
}

// Score asks the chat model to grade the generated image 0-10.
func (c *Client) Score(ctx context.Context, image domain.ImageArtifact) (domain.QualityReport, error) {
	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.scoringPrompt},
			{Role: "user", Content: "Image: " + image.Ref},
		},
	}, &resp); err != nil {
		return domain.QualityReport{}, err
	}
	if len(resp.Choices) == 0 {
		return domain.QualityReport{}, fmt.Errorf("score response has no choices")
	}

	content := resp.Choices[0].Message.Content
	var result scoreResult
	if err := json.Unmarshal([]byte(extractJSON(content)), &result); err != nil {
		return domain.QualityReport{}, fmt.Errorf("parse score %q: %w", content, err)
	}
	return domain.QualityReport{Score: result.Score, Evaluation: result.Evaluation}, nil
}

// extractJSON tolerates models wrapping their JSON answer in code fences or
// prose.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return content
	}
	return content[start : end+1]
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	if c.apiKey == "" || c.endpoint == "" {
		return fmt.Errorf("openai client misconfigured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("openai error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
