package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Shakes-tzd/htmlgraph/internal/analytics"
	"github.com/Shakes-tzd/htmlgraph/internal/config"
	"github.com/Shakes-tzd/htmlgraph/internal/eventlog"
	"github.com/Shakes-tzd/htmlgraph/internal/index"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/nodestore"
	"github.com/Shakes-tzd/htmlgraph/internal/session"
)

// Workspace wires the stores of one project root together: node documents
// and journals as the sources of truth, session records, the analytics
// index and the Recorder that keeps it current.
type Workspace struct {
	Config   config.Config
	Nodes    *nodestore.Store
	Events   *eventlog.Log
	Sessions *session.Store
	// Index is nil when the index could not be opened; reads then fall
	// back to the sources.
	Index    *index.Index
	Recorder *Recorder

	logger *slog.Logger
}

// OpenWorkspace opens every store under cfg.Root. A missing or
// incompatible index is rebuilt from the sources before returning.
func OpenWorkspace(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Workspace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workspace{Config: cfg, logger: logger}

	var err error
	if w.Events, err = eventlog.Open(cfg.EventsDir(), eventlog.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if w.Sessions, err = session.Open(cfg.SessionsDir(), session.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.IndexPath()), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	_, statErr := os.Stat(cfg.IndexPath())
	fresh := errors.Is(statErr, fs.ErrNotExist)
	ix, err := index.Open(cfg.IndexPath(),
		index.WithLogger(logger),
		index.WithBusyPolicy(cfg.Index.BusyTimeout.D(), cfg.Index.RetryBase.D(), cfg.Index.MaxRetries, cfg.Index.BusyDeadline.D()),
	)
	if err != nil {
		logger.Warn("analytics index unavailable, using sources only", "path", cfg.IndexPath(), "error", err)
	} else {
		w.Index = ix
	}

	// Interfaces must stay nil, not hold a nil pointer, when there is no
	// index.
	var indexer Indexer
	nodeOpts := []nodestore.Option{nodestore.WithLogger(logger)}
	if w.Index != nil {
		indexer = w.Index
		nodeOpts = append(nodeOpts, nodestore.WithIndex(w.Index))
	}
	w.Recorder = NewRecorder(w.Events, w.Sessions, indexer, append([]Option{WithLogger(logger)}, opts...)...)
	nodeOpts = append(nodeOpts, nodestore.WithEventSink(w.Recorder))
	if w.Nodes, err = nodestore.Open(cfg.NodesDir(), nodeOpts...); err != nil {
		w.Close()
		return nil, fmt.Errorf("open node store: %w", err)
	}

	if w.Index != nil && (fresh || w.Index.NeedsRebuild()) {
		if _, err := w.Rebuild(ctx); err != nil {
			logger.Warn("initial index build failed", "error", err)
		}
	}
	return w, nil
}

// Actor builds the caller identity from configuration and the inherited
// attribution variable.
func (w *Workspace) Actor() ir.Actor {
	return session.ProcessAttribution().Actor(w.Config.Session, w.Config.Agent)
}

// Rebuild flushes pending ingestion and rebuilds the index from source.
func (w *Workspace) Rebuild(ctx context.Context) (index.RebuildStats, error) {
	if w.Index == nil {
		return index.RebuildStats{}, errors.New("analytics index is not available")
	}
	if err := w.Recorder.Flush(ctx); err != nil {
		return index.RebuildStats{}, err
	}
	return w.Index.RebuildFromSource(ctx, index.Sources{
		Nodes:    w.Nodes,
		Sessions: w.Sessions,
		Events:   w.Events,
	})
}

// Snapshot returns the live nodes as one consistent read. The index
// serves it in a single transaction; without an index the node documents
// are scanned.
func (w *Workspace) Snapshot(ctx context.Context) ([]ir.Node, error) {
	if w.Index != nil {
		nodes, err := w.Index.Nodes(ctx, false)
		if err == nil {
			return nodes, nil
		}
		w.logger.Warn("index snapshot failed, scanning documents", "error", err)
	}
	nodes, err := w.Nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	live := nodes[:0]
	for _, n := range nodes {
		if !n.Deleted {
			live = append(live, n)
		}
	}
	return live, nil
}

// Graph builds the dependency graph from a fresh snapshot.
func (w *Workspace) Graph(ctx context.Context) (*analytics.Graph, error) {
	nodes, err := w.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return analytics.NewGraph(nodes), nil
}

// Close stops the Recorder and closes the index. Queued ingestion is
// applied inline first.
func (w *Workspace) Close() error {
	if w.Recorder != nil {
		w.Recorder.Stop()
		w.Recorder.drain(context.Background())
	}
	if w.Index != nil {
		return w.Index.Close()
	}
	return nil
}
