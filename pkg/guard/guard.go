// Package guard decides whether a node should execute.
//
// Evaluation is side-effect free and runs two gates in order. The artifact
// short-circuit comes first: when every file listed under artifacts.files
// already exists (entries may be exact paths or doublestar globs, resolved
// against the workspace root), the node is skipped. Then each guard string
// is checked and the first failure wins.
//
// Recognized guard forms:
//
//	missing | unavailable        any guard containing one of these tokens fails
//	port:8080 | port 8080 ...    fails when the TCP port cannot be bound locally
//	file:path | file exists path fails when the path does not exist
//	path/with/separator          same as a file guard
//
// Anything else passes. Callers extending the taxonomy should keep the
// failure reason format "Guard failed: <guard>" so run logs stay greppable.
package guard

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gotnhq/gotn/pkg/schema"
)

// Result is the verdict for one node.
type Result string

const (
	Proceed Result = "proceed"
	Skip    Result = "skip"
	Fail    Result = "fail"
)

// Decision carries the verdict, a human-readable reason, and the node it
// applies to.
type Decision struct {
	Result Result        `json:"result"`
	Reason string        `json:"reason"`
	NodeID schema.NodeID `json:"node_id"`
}

// Engine evaluates guards against one workspace.
type Engine struct {
	root string
}

// New returns an engine resolving relative paths against root.
func New(root string) *Engine {
	return &Engine{root: root}
}

// Evaluate applies the artifact short-circuit and then the node's guards.
// ctx bounds the port probes; a cancelled context makes port guards fail.
func (e *Engine) Evaluate(ctx context.Context, node *schema.Node) Decision {
	if satisfied, names := e.artifactsPresent(node.Artifacts.Files); satisfied {
		return Decision{
			Result: Skip,
			Reason: "Artifacts already present: " + strings.Join(names, ", "),
			NodeID: node.ID,
		}
	}

	for _, g := range node.Guards {
		if e.guardHolds(ctx, g) {
			continue
		}
		return Decision{
			Result: Fail,
			Reason: fmt.Sprintf("Guard failed: %s", g),
			NodeID: node.ID,
		}
	}

	return Decision{Result: Proceed, Reason: "All guards passed", NodeID: node.ID}
}

// artifactsPresent reports whether every listed artifact resolves to at
// least one existing file. An empty list never satisfies the skip.
func (e *Engine) artifactsPresent(files []string) (bool, []string) {
	if len(files) == 0 {
		return false, nil
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			return false, nil
		}
		if strings.ContainsAny(f, "*?[{") {
			matches, err := doublestar.Glob(os.DirFS(e.root), filepath.ToSlash(f))
			if err != nil || len(matches) == 0 {
				return false, nil
			}
			names = append(names, f)
			continue
		}
		if !e.pathExists(f) {
			return false, nil
		}
		names = append(names, f)
	}
	return true, names
}

func (e *Engine) guardHolds(ctx context.Context, g string) bool {
	g = strings.TrimSpace(g)
	if g == "" {
		return true
	}
	lower := strings.ToLower(g)
	fields := strings.Fields(lower)

	for _, f := range fields {
		if f == "missing" || f == "unavailable" {
			return false
		}
	}

	if port, ok := parsePortGuard(lower, fields); ok {
		return e.portFree(ctx, port)
	}

	if path, ok := parseFileGuard(g, fields); ok {
		return e.pathExists(path)
	}

	return true
}

// parsePortGuard accepts "port:8080" or a "port" token followed by a
// number anywhere in the guard.
func parsePortGuard(lower string, fields []string) (int, bool) {
	if rest, ok := strings.CutPrefix(lower, "port:"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
			return port, true
		}
		return 0, false
	}
	for i, f := range fields {
		if f != "port" || i+1 >= len(fields) {
			continue
		}
		if port, err := strconv.Atoi(fields[i+1]); err == nil {
			return port, true
		}
	}
	return 0, false
}

// parseFileGuard accepts "file:<path>", "file exists <path>", or a bare
// path containing a separator. It returns the path from the original
// (case-preserved) guard string.
func parseFileGuard(original string, fields []string) (string, bool) {
	if rest, ok := strings.CutPrefix(original, "file:"); ok {
		rest = strings.TrimSpace(rest)
		return rest, rest != ""
	}
	origFields := strings.Fields(original)
	if len(origFields) >= 3 && strings.EqualFold(origFields[0], "file") && strings.EqualFold(origFields[1], "exists") {
		return origFields[2], true
	}
	if len(fields) == 1 && strings.ContainsRune(original, '/') {
		return strings.TrimSpace(original), true
	}
	return "", false
}

func (e *Engine) portFree(ctx context.Context, port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func (e *Engine) pathExists(p string) bool {
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	_, err := os.Stat(p)
	return err == nil
}
