package breakdown

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotnhq/gotn/pkg/errs"
)

func TestHeuristicDecompose(t *testing.T) {
	ctx := context.Background()
	h := NewHeuristic(nil)

	t.Run("numbered_list_becomes_children", func(t *testing.T) {
		res, err := h.Decompose(ctx, Request{
			Prompt: "Build the ingest API.\n1. Define the schema\n2. Implement the handler\n3. Add tests",
			Mode:   ModeTree,
		})
		require.NoError(t, err)

		require.NotNil(t, res.Root)
		assert.Contains(t, res.Root.Summary, "Build the ingest API")
		assert.Equal(t, "micro_prompt", res.Root.Kind)
		assert.Equal(t, "breakdown", res.Root.Provenance.CreatedBy)
		assert.Equal(t, "heuristic", res.Root.Provenance.Source)

		require.Len(t, res.Children, 3)
		assert.Equal(t, "Define the schema", res.Children[0].Summary)
		assert.Equal(t, "Add tests", res.Children[2].Summary)
		for _, c := range res.Children {
			assert.Equal(t, res.Root.ID, c.Parent)
		}
	})

	t.Run("sentences_split_when_there_is_no_list", func(t *testing.T) {
		res, err := h.Decompose(ctx, Request{Prompt: "Parse the file. Validate entries. Write the report."})
		require.NoError(t, err)
		require.Len(t, res.Children, 3)
		assert.Equal(t, "Validate entries", res.Children[1].Summary)
	})

	t.Run("flat_mode_chains_consecutive_steps", func(t *testing.T) {
		res, err := h.Decompose(ctx, Request{
			Prompt: "- fetch data\n- transform data\n- publish data",
			Mode:   ModeFlat,
		})
		require.NoError(t, err)
		require.Len(t, res.Children, 3)

		require.Len(t, res.Children[0].Produces, 1)
		link := res.Children[0].Produces[0]
		assert.True(t, strings.HasPrefix(link, string(res.Root.ID)), "chain tags are scoped to the root")
		assert.Equal(t, []string{link}, res.Children[1].Requires)
		require.Len(t, res.Children[1].Produces, 1)
		assert.Equal(t, res.Children[1].Produces, res.Children[2].Requires)

		for _, c := range res.Children {
			assert.Empty(t, c.Parent, "flat children are standalone")
		}
	})

	t.Run("max_nodes_caps_the_children", func(t *testing.T) {
		res, err := h.Decompose(ctx, Request{
			Prompt:   "1. a\n2. b\n3. c\n4. d\n5. e",
			MaxNodes: 2,
		})
		require.NoError(t, err)
		assert.Len(t, res.Children, 2)
	})

	t.Run("empty_prompt_is_rejected", func(t *testing.T) {
		_, err := h.Decompose(ctx, Request{Prompt: "   "})
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("unknown_mode_is_rejected", func(t *testing.T) {
		_, err := h.Decompose(ctx, Request{Prompt: "do things", Mode: "spiral"})
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("ids_are_fresh_per_call", func(t *testing.T) {
		a, err := h.Decompose(ctx, Request{Prompt: "do the thing"})
		require.NoError(t, err)
		b, err := h.Decompose(ctx, Request{Prompt: "do the thing"})
		require.NoError(t, err)
		assert.NotEqual(t, a.Root.ID, b.Root.ID)
	})
}

type capturedChat struct {
	mu   sync.Mutex
	path string
	auth string
	body map[string]any
}

// chatServer replies to every chat completion with the given content.
func chatServer(t *testing.T, content string) (*httptest.Server, *capturedChat) {
	t.Helper()
	captured := &capturedChat{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.mu.Lock()
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&captured.body)
		captured.mu.Unlock()

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}, "finish_reason": "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func testLLM(url string) *LLM {
	return NewLLM(&Config{APIURL: url, APIKey: "key-1", Model: "gpt-4o-mini"})
}

func TestLLMDecompose(t *testing.T) {
	ctx := context.Background()

	t.Run("parses_a_strict_json_breakdown", func(t *testing.T) {
		payload := `{"root":{"summary":"ship search","prompt_text":"Ship the search feature"},` +
			`"children":[{"summary":"index documents","produces":["index"]},` +
			`{"summary":"serve queries","requires":["index"]}]}`
		srv, captured := chatServer(t, payload)

		res, err := testLLM(srv.URL).Decompose(ctx, Request{Prompt: "Ship the search feature", Mode: ModeTree})
		require.NoError(t, err)

		assert.Equal(t, "ship search", res.Root.Summary)
		assert.Equal(t, "llm", res.Root.Provenance.Source)
		require.Len(t, res.Children, 2)
		assert.Equal(t, []string{"index"}, res.Children[0].Produces)
		assert.Equal(t, []string{"index"}, res.Children[1].Requires)
		assert.Equal(t, res.Root.ID, res.Children[0].Parent)

		assert.Equal(t, "/v1/chat/completions", captured.path)
		assert.Equal(t, "Bearer key-1", captured.auth)
		assert.Equal(t, "gpt-4o-mini", captured.body["model"])
		rf, ok := captured.body["response_format"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "json_object", rf["type"])
		msgs, ok := captured.body["messages"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 2)
		system := msgs[0].(map[string]any)
		assert.Equal(t, "system", system["role"])
		assert.Contains(t, system["content"], "JSON")
		user := msgs[1].(map[string]any)
		assert.Equal(t, "Ship the search feature", user["content"])
	})

	t.Run("repairs_fenced_and_sloppy_json", func(t *testing.T) {
		sloppy := "```json\n{'root': {'summary': 'goal'}, 'children': [{'summary': 'only step'},]}\n```"
		srv, _ := chatServer(t, sloppy)

		res, err := testLLM(srv.URL).Decompose(ctx, Request{Prompt: "goal"})
		require.NoError(t, err)
		assert.Equal(t, "goal", res.Root.Summary)
		require.Len(t, res.Children, 1)
		assert.Equal(t, "only step", res.Children[0].Summary)
	})

	t.Run("unrepairable_output_fails", func(t *testing.T) {
		srv, _ := chatServer(t, "I would rather write prose about the plan.")
		_, err := testLLM(srv.URL).Decompose(ctx, Request{Prompt: "goal"})
		require.Error(t, err)
	})

	t.Run("missing_root_summary_fails", func(t *testing.T) {
		srv, _ := chatServer(t, `{"root":{"summary":""},"children":[]}`)
		_, err := testLLM(srv.URL).Decompose(ctx, Request{Prompt: "goal"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no root summary")
	})

	t.Run("http_errors_surface", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)

		_, err := testLLM(srv.URL).Decompose(ctx, Request{Prompt: "goal"})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindIOError))
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("empty_choice_list_fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		t.Cleanup(srv.Close)

		_, err := testLLM(srv.URL).Decompose(ctx, Request{Prompt: "goal"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no choices")
	})
}

func TestNewSelectsDecomposer(t *testing.T) {
	t.Run("api_key_picks_the_llm", func(t *testing.T) {
		_, ok := New(&Config{APIKey: "key"}).(*LLM)
		assert.True(t, ok)
	})

	t.Run("no_key_falls_back_to_heuristic", func(t *testing.T) {
		_, ok := New(nil).(*Heuristic)
		assert.True(t, ok)
	})
}
