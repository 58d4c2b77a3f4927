package breakdown

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/gotnhq/gotn/pkg/errs"
)

const breakdownInstructions = `You convert one engineering prompt into a dependency-aware breakdown.
Respond with ONLY a JSON object, no prose and no code fences, shaped as:
{
  "root": {"summary": "one-line goal", "prompt_text": "restated goal"},
  "children": [
    {"summary": "one atomic action", "prompt_text": "full instruction",
     "requires": ["tag"], "produces": ["tag"], "tags": ["tag"]}
  ]
}
Produce at most %d children, each doing exactly one thing. Use short
lowercase tags; when a child needs another child's output, repeat that
output tag in its requires list.`

// LLM decomposes through an OpenAI-compatible chat completions endpoint.
type LLM struct {
	cfg    *Config
	client *http.Client
}

// NewLLM returns the chat-model decomposer.
func NewLLM(cfg *Config) *LLM {
	cfg = withDefaults(cfg)
	return &LLM{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Decompose asks the model for a JSON breakdown. Non-JSON output goes
// through jsonrepair before the call is declared failed.
func (l *LLM) Decompose(ctx context.Context, req Request) (*Result, error) {
	req, err := normalizeRequest(req, l.cfg)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model: l.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(breakdownInstructions, req.MaxNodes)},
			{Role: "user", Content: req.Prompt},
		},
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "marshaling breakdown request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(l.cfg.APIURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "building breakdown request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindOf(err), err, "calling breakdown model")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "reading breakdown response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindIOError, "breakdown model returned HTTP %d: %s",
			resp.StatusCode, clip(string(data), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "decoding breakdown response envelope")
	}
	if len(parsed.Choices) == 0 {
		return nil, errs.New(errs.KindIOError, "breakdown model returned no choices")
	}

	raw, err := decodeBreakdown(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return buildResult(raw, req, "llm")
}

// decodeBreakdown parses the model's JSON, falling back to jsonrepair for
// the usual LLM damage: fences, single quotes, trailing commas.
func decodeBreakdown(content string) (rawBreakdown, error) {
	content = stripFences(content)

	var raw rawBreakdown
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return raw, errs.Wrap(errs.KindIOError, err,
				"breakdown output is not JSON and repair failed (%v)", repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return raw, errs.Wrap(errs.KindIOError, err, "breakdown output is not JSON even after repair")
		}
	}
	return raw, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
