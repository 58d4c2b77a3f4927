// Package breakdown turns a large engineering prompt into a root node plus
// small, atomic child micro-prompts.
//
// Two decomposers implement the same interface. The LLM decomposer asks an
// OpenAI-compatible chat model for a strict JSON breakdown and repairs
// sloppy output before giving up. The heuristic decomposer is fully
// offline: it splits list items or sentences into steps deterministically.
// New picks the LLM when an API key is configured and the heuristic
// otherwise, so a workspace always has a working breakdown path.
package breakdown

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
)

// Mode selects the breakdown shape.
type Mode string

const (
	// ModeTree parents every child to the root node.
	ModeTree Mode = "tree"
	// ModeFlat leaves children standalone; the heuristic decomposer chains
	// them with requires/produces tags instead.
	ModeFlat Mode = "flat"
)

// Request describes one decomposition.
type Request struct {
	ProjectID string
	Prompt    string
	Mode      Mode
	MaxNodes  int
}

// Result is the decomposed prompt. Root summarizes the goal; Children are
// the stored units of work.
type Result struct {
	Root     *schema.Node
	Children []*schema.Node
}

// Decomposer turns a prompt into nodes.
type Decomposer interface {
	Decompose(ctx context.Context, req Request) (*Result, error)
}

// Config for the breakdown backends.
type Config struct {
	APIURL   string
	APIKey   string
	Model    string
	Timeout  time.Duration
	MaxNodes int
}

// DefaultConfig returns the breakdown defaults: OpenAI-compatible endpoint,
// gpt-4o-mini, 120 s timeout, at most 8 children.
func DefaultConfig() *Config {
	return &Config{
		APIURL:   "https://api.openai.com",
		Model:    "gpt-4o-mini",
		Timeout:  120 * time.Second,
		MaxNodes: 8,
	}
}

// New selects a decomposer: the chat model when an API key is present,
// the offline heuristic otherwise.
func New(cfg *Config) Decomposer {
	cfg = withDefaults(cfg)
	if cfg.APIKey == "" {
		return NewHeuristic(cfg)
	}
	return NewLLM(cfg)
}

func withDefaults(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.APIURL == "" {
		out.APIURL = def.APIURL
	}
	if out.Model == "" {
		out.Model = def.Model
	}
	if out.Timeout <= 0 {
		out.Timeout = def.Timeout
	}
	if out.MaxNodes <= 0 {
		out.MaxNodes = def.MaxNodes
	}
	return &out
}

func normalizeRequest(req Request, cfg *Config) (Request, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return req, errs.New(errs.KindValidation, "breakdown prompt must not be empty")
	}
	switch req.Mode {
	case "":
		req.Mode = ModeTree
	case ModeTree, ModeFlat:
	default:
		return req, errs.New(errs.KindValidation, "breakdown mode %q is not tree or flat", req.Mode)
	}
	if req.MaxNodes <= 0 {
		req.MaxNodes = cfg.MaxNodes
	}
	return req, nil
}

// rawNode is the decomposer-internal node shape, also the JSON contract the
// LLM is asked to produce.
type rawNode struct {
	Summary    string   `json:"summary"`
	PromptText string   `json:"prompt_text"`
	Requires   []string `json:"requires,omitempty"`
	Produces   []string `json:"produces,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type rawBreakdown struct {
	Root     rawNode   `json:"root"`
	Children []rawNode `json:"children"`
}

// buildResult converts a raw breakdown into schema nodes with fresh ids.
// Children beyond MaxNodes and children without a summary are dropped.
func buildResult(raw rawBreakdown, req Request, source string) (*Result, error) {
	if strings.TrimSpace(raw.Root.Summary) == "" {
		return nil, errs.New(errs.KindIOError, "breakdown produced no root summary")
	}
	if len(raw.Children) > req.MaxNodes {
		raw.Children = raw.Children[:req.MaxNodes]
	}

	prov := schema.Provenance{CreatedBy: "breakdown", Source: source}
	rootID := schema.NodeID("root-" + newNodeSuffix())
	root := &schema.Node{
		ID:         rootID,
		Kind:       "micro_prompt",
		Summary:    strings.TrimSpace(raw.Root.Summary),
		PromptText: firstNonEmpty(raw.Root.PromptText, req.Prompt),
		Tags:       withProjectTag(raw.Root.Tags, req.ProjectID),
		Provenance: prov,
	}

	children := make([]*schema.Node, 0, len(raw.Children))
	for _, c := range raw.Children {
		summary := strings.TrimSpace(c.Summary)
		if summary == "" {
			continue
		}
		n := &schema.Node{
			ID:         schema.NodeID("node-" + newNodeSuffix()),
			Kind:       "micro_prompt",
			Summary:    summary,
			PromptText: firstNonEmpty(c.PromptText, summary),
			Requires:   c.Requires,
			Produces:   c.Produces,
			Tags:       withProjectTag(c.Tags, req.ProjectID),
			Provenance: prov,
		}
		if req.Mode == ModeTree {
			n.Parent = rootID
		}
		children = append(children, n)
	}
	return &Result{Root: root, Children: children}, nil
}

func newNodeSuffix() string {
	return strings.ToLower(ulid.Make().String())
}

// withProjectTag scopes a node to its project so graph reads can filter
// by project later. No-op when the project id is empty or already tagged.
func withProjectTag(tags []string, projectID string) []string {
	if projectID == "" {
		return tags
	}
	tag := schema.ProjectTag(projectID)
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(append([]string{}, tags...), tag)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Heuristic decomposes offline: numbered or bulleted list items become
// steps, otherwise sentences do.
type Heuristic struct {
	cfg *Config
}

// NewHeuristic returns the offline decomposer.
func NewHeuristic(cfg *Config) *Heuristic {
	return &Heuristic{cfg: withDefaults(cfg)}
}

var (
	listItemRe = regexp.MustCompile(`^\s*(?:\d+[.)]\s+|[-*]\s+)`)
	sentenceRe = regexp.MustCompile(`[.!?]+\s+`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Decompose splits the prompt into at most MaxNodes steps. In flat mode
// consecutive steps are chained through produces/requires tags scoped to
// the root id, so edge inference reconstructs the ordering.
func (h *Heuristic) Decompose(ctx context.Context, req Request) (*Result, error) {
	req, err := normalizeRequest(req, h.cfg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindOf(err), err, "breakdown interrupted")
	}

	steps := splitSteps(req.Prompt)
	raw := rawBreakdown{Root: rawNode{Summary: summarize(req.Prompt, 96), PromptText: req.Prompt}}
	for _, step := range steps {
		raw.Children = append(raw.Children, rawNode{Summary: summarize(step, 96), PromptText: step})
	}

	result, err := buildResult(raw, req, "heuristic")
	if err != nil {
		return nil, err
	}
	if req.Mode == ModeFlat {
		chainChildren(result)
	}
	return result, nil
}

// chainChildren links step i+1 to step i with a tag scoped by the root id,
// keeping chains from separate breakdowns apart.
func chainChildren(r *Result) {
	for i := 0; i < len(r.Children)-1; i++ {
		tag := string(r.Root.ID) + ".step-" + strconv.Itoa(i+1)
		r.Children[i].Produces = append(r.Children[i].Produces, tag)
		r.Children[i+1].Requires = append(r.Children[i+1].Requires, tag)
	}
}

func splitSteps(prompt string) []string {
	var items []string
	for _, line := range strings.Split(prompt, "\n") {
		if listItemRe.MatchString(line) {
			if s := strings.TrimSpace(listItemRe.ReplaceAllString(line, "")); s != "" {
				items = append(items, s)
			}
		}
	}
	if len(items) > 0 {
		return items
	}
	for _, s := range sentenceRe.Split(prompt, -1) {
		s = strings.TrimSpace(strings.TrimRight(s, ".!?"))
		if s != "" {
			items = append(items, s)
		}
	}
	return items
}

// summarize collapses whitespace and truncates at a word boundary.
func summarize(text string, max int) string {
	s := strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndexByte(s[:max], ' ')
	if cut <= 0 {
		cut = max
	}
	return s[:cut] + "..."
}
