package storage

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
)

// maxJournalLine bounds a single journal entry. Entries carry whole nodes,
// so the limit is generous.
const maxJournalLine = 16 * 1024 * 1024

// Journal is the append-only event log backing a workspace. Every graph
// mutation appends exactly one entry after its snapshot commits; run
// bookkeeping events are appended without touching the graph. The journal
// is the sole source of truth for recovery.
type Journal struct {
	path   string
	key    string
	locks  *KeyLock
	logger *slog.Logger
}

// NewJournal creates a handle on the workspace journal. Appends serialize
// on the journal:<workspace> key of locks.
func NewJournal(layout Layout, locks *KeyLock, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Journal{
		path:   layout.JournalPath(),
		key:    LockKey(LockKindJournal, layout.Workspace),
		locks:  locks,
		logger: logger,
	}
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// checksumData computes the hex BLAKE2b-256 digest of a payload.
func checksumData(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Append marshals payload, stamps the entry with a ULID id, the current UTC
// time, and the payload checksum, and appends one compact JSON line,
// fsyncing before returning. The written entry is returned.
func (j *Journal) Append(ctx context.Context, event schema.EventType, payload any) (*schema.JournalEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "marshaling %s payload", event)
	}

	entry := &schema.JournalEntry{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Event:     event,
		Data:      data,
		Checksum:  checksumData(data),
	}
	if err := schema.ValidateJournalEntry(entry); err != nil {
		return nil, err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "encoding journal entry")
	}

	err = j.locks.WithLock(ctx, j.key, func() error {
		return AppendLine(j.path, line)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ReadEntries streams the journal and returns every replayable entry plus
// the count of lines that were skipped. A line is skipped when it fails
// JSON decoding, schema validation, or checksum verification; skipping is
// logged and counted, never fatal. A missing journal yields no entries.
func (j *Journal) ReadEntries(ctx context.Context) ([]schema.JournalEntry, int, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, errs.Wrap(errs.KindIOError, err, "opening %s", j.path)
	}
	defer f.Close()

	var (
		entries []schema.JournalEntry
		skipped int
		lineNo  int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, skipped, errs.FromContext(ctx)
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry schema.JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			j.logger.Warn("skipping undecodable journal line",
				"line", lineNo, "error", err)
			continue
		}
		if err := schema.ValidateJournalEntry(&entry); err != nil {
			skipped++
			j.logger.Warn("skipping invalid journal entry",
				"line", lineNo, "event", string(entry.Event), "error", err)
			continue
		}
		if entry.Checksum != "" && entry.Checksum != checksumData(entry.Data) {
			skipped++
			j.logger.Warn("skipping journal entry with checksum mismatch",
				"line", lineNo, "id", entry.ID)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, errs.Wrap(errs.KindCorruptJournal, err, "scanning %s", j.path)
	}
	return entries, skipped, nil
}

// ReplayResult summarizes one journal replay.
type ReplayResult struct {
	Graph    *schema.Graph
	Replayed int
	Skipped  int
}

// Replay folds the journal into a fresh graph. Node events apply
// last-write-wins on id; edge events apply last-write-wins on the
// (src, dst, type) triple; run and init events are counted but mutate
// nothing. The recovered version is max(1, entries replayed), so a replayed
// graph carries the same version the live graph had when the last entry was
// appended. Replay is idempotent.
func (j *Journal) Replay(ctx context.Context) (*ReplayResult, error) {
	entries, skipped, err := j.ReadEntries(ctx)
	if err != nil {
		return nil, err
	}

	var (
		nodeOrder []schema.NodeID
		nodes     = make(map[schema.NodeID]schema.Node)
		edgeOrder []schema.EdgeKey
		edges     = make(map[schema.EdgeKey]schema.Edge)
		replayed  int
	)

	for i := range entries {
		entry := &entries[i]
		switch entry.Event {
		case schema.EventAddNode, schema.EventUpdateNode:
			var n schema.Node
			if err := json.Unmarshal(entry.Data, &n); err != nil {
				skipped++
				continue
			}
			if _, seen := nodes[n.ID]; !seen {
				nodeOrder = append(nodeOrder, n.ID)
			}
			nodes[n.ID] = n
		case schema.EventAddEdge, schema.EventUpdateEdge:
			var e schema.Edge
			if err := json.Unmarshal(entry.Data, &e); err != nil {
				skipped++
				continue
			}
			key := e.Key()
			if _, seen := edges[key]; !seen {
				edgeOrder = append(edgeOrder, key)
			}
			edges[key] = e
		}
		replayed++
	}

	g := schema.NewGraph()
	for _, id := range nodeOrder {
		g.Nodes = append(g.Nodes, nodes[id])
	}
	for _, key := range edgeOrder {
		g.Edges = append(g.Edges, edges[key])
	}
	g.Version = int64(replayed)
	if g.Version < 1 {
		g.Version = 1
	}

	return &ReplayResult{Graph: g, Replayed: replayed, Skipped: skipped}, nil
}
