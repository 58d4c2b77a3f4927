// Package runs materializes composed plans on disk and records their
// execution. Every plan gets its own directory under the workspace runs
// area:
//
//	runs/run-<utc-timestamp>/
//	    plan.json      the composed plan, pretty-printed
//	    steps.jsonl    one compact step record per executed node
//	    patches/       one patch stub per proceeded node
//
// Directory names sort chronologically, so the latest run is the
// lexicographically greatest entry.
package runs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/plan"
	"github.com/gotnhq/gotn/pkg/schema"
	"github.com/gotnhq/gotn/pkg/storage"
)

const (
	runPrefix     = "run-"
	planFileName  = "plan.json"
	stepsFileName = "steps.jsonl"
	patchesDir    = "patches"

	// Millisecond resolution keeps names sortable; the create loop adds a
	// numeric suffix on the rare same-millisecond collision.
	stampLayout = "2006-01-02T15-04-05.000"
)

// Document is the persisted form of a composed plan.
type Document struct {
	Goal      string            `json:"goal,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Ordered   []schema.NodeID   `json:"ordered_node_ids"`
	Layers    [][]schema.NodeID `json:"layers"`
	Reason    string            `json:"reason"`
	Criteria  plan.Criteria     `json:"criteria"`
}

// StepRecord is one line of steps.jsonl.
type StepRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	NodeID    schema.NodeID `json:"node_id"`
	Action    string        `json:"action"`
	Reason    string        `json:"reason"`
}

// Recorder owns one workspace's runs directory.
type Recorder struct {
	dir string
}

// NewRecorder returns a recorder rooted at runsDir (usually
// Layout.RunsDir()). The directory is created lazily on first use.
func NewRecorder(runsDir string) *Recorder {
	return &Recorder{dir: runsDir}
}

// Dir returns the runs root.
func (r *Recorder) Dir() string { return r.dir }

// DefaultStepsPath is where step records land when no run exists yet.
func (r *Recorder) DefaultStepsPath() string {
	return filepath.Join(r.dir, stepsFileName)
}

// CreateRun materializes a new run directory for p: plan.json plus an
// empty steps.jsonl. It returns the absolute run directory path.
func (r *Recorder) CreateRun(p *plan.Plan) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindIOError, err, "creating runs directory %s", r.dir)
	}

	now := time.Now().UTC()
	base := runPrefix + now.Format(stampLayout) + "Z"
	dir, err := r.claimDir(base)
	if err != nil {
		return "", err
	}

	doc := Document{
		Goal:      p.Goal,
		CreatedAt: now,
		Ordered:   p.Ordered,
		Layers:    p.Layers,
		Reason:    p.Reason,
		Criteria:  p.Criteria,
	}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, planFileName), doc); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, stepsFileName), nil, 0o644); err != nil {
		return "", errs.Wrap(errs.KindIOError, err, "creating %s", stepsFileName)
	}
	return dir, nil
}

// claimDir creates the first available directory for base, suffixing a
// counter when another run claimed the same millisecond.
func (r *Recorder) claimDir(base string) (string, error) {
	for i := 1; i <= 100; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		dir := filepath.Join(r.dir, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", errs.Wrap(errs.KindIOError, err, "creating run directory %s", dir)
		}
	}
	return "", errs.New(errs.KindConflict, "could not claim a run directory for %s", base)
}

// AppendStep appends one compact step record to the run's steps.jsonl.
// A zero timestamp is filled with the current time. runDir may also be a
// bare steps file path (the no-run fallback), detected by its extension.
func (r *Recorder) AppendStep(runDir string, rec StepRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "marshaling step record for %s", rec.NodeID)
	}
	path := runDir
	if filepath.Ext(path) != ".jsonl" {
		path = filepath.Join(runDir, stepsFileName)
	}
	return storage.AppendLine(path, data)
}

// WritePatch writes the patch stub for a proceeded node under the run's
// patches directory and returns its path. The stub carries the node's
// summary and prompt text; downstream tooling replaces it with a real
// change set.
func (r *Recorder) WritePatch(runDir string, node *schema.Node) (string, error) {
	dir := filepath.Join(runDir, patchesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindIOError, err, "creating %s", dir)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# gotn patch stub\n")
	fmt.Fprintf(&b, "# node: %s\n", node.ID)
	fmt.Fprintf(&b, "# generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nSummary: %s\n\n%s\n", node.Summary, node.PromptText)

	path := filepath.Join(dir, string(node.ID)+".patch")
	if err := storage.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LatestRun resolves the newest run directory. NotFound when no run has
// been recorded yet.
func (r *Recorder) LatestRun() (string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.New(errs.KindNotFound, "no runs recorded under %s", r.dir)
		}
		return "", errs.Wrap(errs.KindIOError, err, "listing %s", r.dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), runPrefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", errs.New(errs.KindNotFound, "no runs recorded under %s", r.dir)
	}
	sort.Strings(names)
	return filepath.Join(r.dir, names[len(names)-1]), nil
}

// ReadPlan loads a run's plan.json.
func (r *Recorder) ReadPlan(runDir string) (*Document, error) {
	var doc Document
	if err := storage.ReadJSON(filepath.Join(runDir, planFileName), &doc, errs.KindIOError); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadSteps loads every step record of a run in append order. Lines that
// fail to decode are skipped so a torn final write never hides the rest.
func (r *Recorder) ReadSteps(runDir string) ([]StepRecord, error) {
	path := runDir
	if filepath.Ext(path) != ".jsonl" {
		path = filepath.Join(runDir, stepsFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "%s does not exist", path)
		}
		return nil, errs.Wrap(errs.KindIOError, err, "reading %s", path)
	}

	var out []StepRecord
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec StepRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
