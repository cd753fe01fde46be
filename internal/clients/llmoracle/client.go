// Package llmoracle implements the chat-completions REST client consumed by
// internal/pipeline as the decision oracle (spec.md §6.2). Grounded on
// internal/clients/tradernet/client.go's plain net/http request shape, with
// endpoint normalisation modeled on tgeconf-nof0's llm.Client.chatRaw
// fallback (raw JSON POST against a trimmed base URL, Bearer auth).
package llmoracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

// New builds a Client. baseURL is normalised per spec.md §6.2: it may or may
// not carry a trailing /v1 or /chat/completions.
func New(baseURL, apiKey, model string, log zerolog.Logger) *Client {
	return &Client{
		endpoint:   normaliseEndpoint(baseURL),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        log.With().Str("component", "llm-oracle").Logger(),
	}
}

// normaliseEndpoint accepts a base URL with or without a trailing /v1 or
// /chat/completions and returns the full completions endpoint.
func normaliseEndpoint(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(trimmed, "/chat/completions") {
		return trimmed
	}
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed + "/chat/completions"
	}
	return trimmed + "/v1/chat/completions"
}

// Complete sends messages to the model and returns the assistant's reply
// text. A non-nil error means the call itself failed (network, auth,
// malformed response) — callers classify this as domain.KindLLM.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	body := chatRequest{Model: c.model, Messages: messages, Stream: false}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, truncate(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w (body: %s)", err, truncate(raw))
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}

	c.log.Debug().
		Dur("duration", time.Since(start)).
		Int("reply_len", len(parsed.Choices[0].Message.Content)).
		Msg("llm completion received")

	return parsed.Choices[0].Message.Content, nil
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
