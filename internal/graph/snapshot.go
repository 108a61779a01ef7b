package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
)

const (
	snapshotPrefix = "graph-"
	snapshotSuffix = ".json"
	// snapshotStamp is fixed width so lexical order is time order.
	snapshotStamp = "20060102T150405.000000000"
)

type snapshotFile struct {
	SavedAt  time.Time       `json:"saved_at"`
	Entities []models.Entity `json:"entities"`
	Edges    []models.Edge   `json:"edges"`
}

// Save writes a JSON snapshot of the graph atomically and prunes
// snapshots beyond the retention count. A graph with no snapshot
// directory configured saves nothing.
func (g *Graph) Save() error {
	if g.cfg.SnapshotDir == "" {
		return nil
	}

	snap := g.collect()
	data, err := json.Marshal(snap)
	if err != nil {
		return faults.Wrap(faults.KindInvariant, "marshal graph snapshot", err)
	}

	if err := os.MkdirAll(g.cfg.SnapshotDir, 0o755); err != nil {
		return faults.Wrap(faults.KindRetryableTransport, "create snapshot dir", err)
	}
	name := snapshotPrefix + snap.SavedAt.UTC().Format(snapshotStamp) + snapshotSuffix
	path := filepath.Join(g.cfg.SnapshotDir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return faults.Wrap(faults.KindRetryableTransport, "create snapshot file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return faults.Wrap(faults.KindRetryableTransport, "write snapshot", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return faults.Wrap(faults.KindRetryableTransport, "sync snapshot", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return faults.Wrap(faults.KindRetryableTransport, "close snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return faults.Wrap(faults.KindRetryableTransport, "publish snapshot", err)
	}

	g.prune()
	g.logger.Info("graph snapshot saved", map[string]interface{}{
		"path":     path,
		"entities": len(snap.Entities),
		"edges":    len(snap.Edges),
	})
	return nil
}

// collect copies the graph content in deterministic order.
func (g *Graph) collect() snapshotFile {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := snapshotFile{
		SavedAt:  g.now().UTC(),
		Entities: make([]models.Entity, 0, len(g.entities)),
		Edges:    make([]models.Edge, 0, len(g.byKey)),
	}
	for _, e := range g.entities {
		ent := *e
		ent.Properties = cloneProps(e.Properties)
		snap.Entities = append(snap.Entities, ent)
	}
	for _, e := range g.byKey {
		edge := *e
		edge.Properties = cloneProps(e.Properties)
		snap.Edges = append(snap.Edges, edge)
	}
	sort.Slice(snap.Entities, func(i, j int) bool {
		return snap.Entities[i].EntityID < snap.Entities[j].EntityID
	})
	sort.Slice(snap.Edges, func(i, j int) bool {
		a, b := snap.Edges[i], snap.Edges[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		return a.RelationType < b.RelationType
	})
	return snap
}

// Restore loads the newest parseable snapshot, replacing the graph's
// content. No snapshot directory or no snapshot files is a cold start,
// not an error. Corrupt snapshots are skipped with a warning.
func (g *Graph) Restore() error {
	if g.cfg.SnapshotDir == "" {
		return nil
	}
	names, err := g.snapshotNames()
	if err != nil || len(names) == 0 {
		return err
	}

	// Newest first.
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(g.cfg.SnapshotDir, names[i])
		data, err := os.ReadFile(path)
		if err != nil {
			g.logger.Warn("graph snapshot unreadable, trying older", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		var snap snapshotFile
		if err := json.Unmarshal(data, &snap); err != nil {
			g.logger.Warn("graph snapshot corrupt, trying older", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		g.load(snap)
		g.logger.Info("graph restored from snapshot", map[string]interface{}{
			"path":     path,
			"entities": len(snap.Entities),
			"edges":    len(snap.Edges),
		})
		return nil
	}
	g.logger.Warn("no usable graph snapshot found, starting empty", map[string]interface{}{
		"dir": g.cfg.SnapshotDir,
	})
	return nil
}

func (g *Graph) load(snap snapshotFile) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entities = make(map[string]*models.Entity, len(snap.Entities))
	g.outgoing = make(map[string][]*models.Edge)
	g.incoming = make(map[string][]*models.Edge)
	g.byKey = make(map[edgeKey]*models.Edge, len(snap.Edges))

	for i := range snap.Entities {
		e := snap.Entities[i]
		if e.EntityID == "" {
			continue
		}
		g.entities[e.EntityID] = &e
	}
	for i := range snap.Edges {
		e := snap.Edges[i]
		if e.SourceID == "" || e.TargetID == "" || e.RelationType == "" {
			continue
		}
		key := edgeKey{source: e.SourceID, target: e.TargetID, relation: e.RelationType}
		if _, dup := g.byKey[key]; dup {
			continue
		}
		g.byKey[key] = &e
		g.outgoing[e.SourceID] = append(g.outgoing[e.SourceID], &e)
		g.incoming[e.TargetID] = append(g.incoming[e.TargetID], &e)
	}
}

func (g *Graph) snapshotNames() ([]string, error) {
	entries, err := os.ReadDir(g.cfg.SnapshotDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindRetryableTransport, "list snapshot dir", err)
	}
	var names []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (g *Graph) prune() {
	names, err := g.snapshotNames()
	if err != nil || len(names) <= g.cfg.SnapshotRetention {
		return
	}
	for _, name := range names[:len(names)-g.cfg.SnapshotRetention] {
		path := filepath.Join(g.cfg.SnapshotDir, name)
		if err := os.Remove(path); err != nil {
			g.logger.Warn("prune snapshot failed", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
}
