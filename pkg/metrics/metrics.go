// Package metrics counts what the substrate does: nodes stored, edges
// inferred, plans composed, executions by verdict, and the traffic the
// tool server handles.
//
// Counters are process-scoped, monotonic, and cheap (one atomic add).
// Snapshot feeds the debug tool. EnablePrometheus registers a mirror
// counter per internal counter on a registry so the same Inc calls drive
// a /metrics endpoint; call it during construction, before traffic.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter is one monotonic counter with an optional Prometheus mirror.
type Counter struct {
	name   string
	help   string
	value  atomic.Int64
	mirror atomic.Value // prometheus.Counter
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Add adds n, which must not be negative.
func (c *Counter) Add(n int64) {
	if n <= 0 {
		return
	}
	c.value.Add(n)
	if m, ok := c.mirror.Load().(prometheus.Counter); ok {
		m.Add(float64(n))
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 { return c.value.Load() }

// Name returns the snapshot key.
func (c *Counter) Name() string { return c.name }

// Metrics is the full counter set.
type Metrics struct {
	NodesStored           *Counter
	EdgesHard             *Counter
	EdgesSoft             *Counter
	PlansComposed         *Counter
	ExecutesProceeded     *Counter
	ExecutesSkipped       *Counter
	GuardFailures         *Counter
	Breakdowns            *Counter
	Recoveries            *Counter
	JournalEntriesSkipped *Counter
	EmbedCalls            *Counter
	VectorUpserts         *Counter
	VectorSearches        *Counter
	ToolCalls             *Counter
	ToolErrors            *Counter

	all []*Counter
}

// New returns a zeroed counter set.
func New() *Metrics {
	m := &Metrics{}
	mk := func(name, help string) *Counter {
		c := &Counter{name: name, help: help}
		m.all = append(m.all, c)
		return c
	}

	m.NodesStored = mk("nodes_stored", "Nodes written through the store path")
	m.EdgesHard = mk("edges_hard", "hard_requires edges created by inference")
	m.EdgesSoft = mk("edges_soft", "soft_semantic edges created by inference")
	m.PlansComposed = mk("plans_composed", "Execution plans composed")
	m.ExecutesProceeded = mk("executes_proceeded", "Node executions that proceeded")
	m.ExecutesSkipped = mk("executes_skipped", "Node executions skipped on present artifacts")
	m.GuardFailures = mk("guard_failures", "Node executions failed by a guard")
	m.Breakdowns = mk("breakdowns", "Prompts decomposed into nodes")
	m.Recoveries = mk("recoveries", "Journal replays run to rebuild the snapshot")
	m.JournalEntriesSkipped = mk("journal_entries_skipped", "Corrupt journal lines skipped during recovery")
	m.EmbedCalls = mk("embed_calls", "Texts sent to the embedder")
	m.VectorUpserts = mk("vector_upserts", "Vectors written to the vector store")
	m.VectorSearches = mk("vector_searches", "KNN queries against the vector store")
	m.ToolCalls = mk("tool_calls", "Tool invocations handled")
	m.ToolErrors = mk("tool_errors", "Tool invocations that returned an error")
	return m
}

// Snapshot returns every counter by name. The map is a copy.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(m.all))
	for _, c := range m.all {
		out[c.name] = c.Value()
	}
	return out
}

// EnablePrometheus mirrors every counter into reg under the namespace
// (default "gotn"). Counter names gain the conventional _total suffix.
func (m *Metrics) EnablePrometheus(reg prometheus.Registerer, namespace string) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "gotn"
	}
	factory := promauto.With(reg)
	for _, c := range m.all {
		c.mirror.Store(factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      c.name + "_total",
			Help:      c.help,
		}))
	}
}
