package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// extractionPrompt is the structured prompt sent to the chat model. It asks
// for topics and atomic facts as a single JSON object matching Result.
const extractionPrompt = `You are a knowledge extraction system for team chat archives.

Below is a JSON array of chat messages from one conversation thread.
Identify the discussion topics and the atomic facts (decisions, problems,
solutions, action items) they contain.

Messages:
%s

Respond with ONLY a JSON object, no prose, in this exact shape:
{
  "topics": [
    {"name": "...", "description": "...", "confidence": 0.0,
     "keywords": ["..."], "related_message_ids": ["..."]}
  ],
  "atoms": [
    {"type": "decision|problem|solution|action", "title": "...", "content": "...",
     "confidence": 0.0, "topic": "...", "related_message_ids": ["..."],
     "links": [{"target": "...", "type": "solves|continues|relates_to"}]}
  ]
}

Rules:
- "name" is a short stable slug for the topic; reuse the same name for the
  same subject across batches.
- "confidence" is your certainty in [0, 1] that the item is real and correctly
  summarized.
- "related_message_ids" must only contain ids from the input.
- "links" reference other atoms by their title-derived name; omit when unsure.`

// perCallTimeout is the maximum time for a single extraction call.
// One slow batch must not consume the whole cycle's deadline.
const perCallTimeout = 120 * time.Second

// HTTPOracle extracts knowledge via an OpenAI-compatible chat completions
// endpoint. Works against OpenAI, Ollama (/v1), and compatible gateways.
type HTTPOracle struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPOracle creates an oracle backed by an OpenAI-compatible API.
// baseURL defaults to the OpenAI API.
func NewHTTPOracle(baseURL, apiKey string, logger *slog.Logger) *HTTPOracle {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPOracle{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second, // HTTP timeout slightly beyond per-call context timeout.
		},
		logger: logger,
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
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// promptMessage is the wire shape of one input message in the prompt.
type promptMessage struct {
	ID      string `json:"id"`
	Author  string `json:"author"`
	Content string `json:"content"`
	SentAt  string `json:"sent_at"`
}

// Extract sends the batch to the chat model and parses the JSON reply.
func (o *HTTPOracle) Extract(ctx context.Context, msgs []model.Message, cfg model.ConfigSnapshot) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	input := make([]promptMessage, len(msgs))
	for i, m := range msgs {
		input[i] = promptMessage{
			ID:      m.ID.String(),
			Author:  m.Author,
			Content: m.Content,
			SentAt:  m.SentAt.Format(time.RFC3339),
		}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("extract: marshal messages: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(extractionPrompt, string(inputJSON))},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("extract: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("extract: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("extract: status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Result{}, fmt.Errorf("extract: decode response: %w", err)
	}
	if chatResp.Error != nil {
		return Result{}, fmt.Errorf("extract: api error: %s: %s", chatResp.Error.Type, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return Result{}, fmt.Errorf("extract: no choices in response")
	}

	result, err := ParseOracleResponse(chatResp.Choices[0].Message.Content)
	if err != nil {
		return Result{}, err
	}
	o.sanitize(&result)
	return result, nil
}

// ParseOracleResponse extracts the Result JSON from a chat model reply.
// Models wrap JSON in markdown fences or prose more often than not, so the
// parser takes the outermost brace pair rather than requiring a clean body.
// If parsing fails, returns an error so ambiguous output fails the batch
// instead of silently extracting nothing.
func ParseOracleResponse(response string) (Result, error) {
	text := strings.TrimSpace(response)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return Result{}, fmt.Errorf("extract: no JSON object in response")
	}

	var result Result
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return Result{}, fmt.Errorf("extract: unmarshal oracle output: %w", err)
	}
	return result, nil
}

// sanitize drops malformed candidates rather than failing the batch: a
// nameless topic or an atom with an unknown link type is a model slip, not a
// transport failure.
func (o *HTTPOracle) sanitize(result *Result) {
	topics := result.Topics[:0]
	for _, t := range result.Topics {
		if strings.TrimSpace(t.Name) == "" {
			o.logger.Warn("extract: dropping topic without name")
			continue
		}
		t.Confidence = clamp01(t.Confidence)
		topics = append(topics, t)
	}
	result.Topics = topics

	atoms := result.Atoms[:0]
	for _, a := range result.Atoms {
		if strings.TrimSpace(a.Title) == "" {
			o.logger.Warn("extract: dropping atom without title")
			continue
		}
		a.Confidence = clamp01(a.Confidence)
		links := a.Links[:0]
		for _, l := range a.Links {
			if !model.ValidLinkType(l.Type) || strings.TrimSpace(l.TargetName) == "" {
				o.logger.Warn("extract: dropping malformed link", "atom", a.Title, "target", l.TargetName, "type", l.Type)
				continue
			}
			links = append(links, l)
		}
		a.Links = links
		atoms = append(atoms, a)
	}
	result.Atoms = atoms
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
