package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// NodeLister lists every node document, soft-deleted ones included.
type NodeLister interface {
	List(ctx context.Context) ([]ir.Node, error)
}

// SessionLister lists every session record.
type SessionLister interface {
	List(ctx context.Context) ([]ir.Session, error)
}

// JournalReader reads event journals.
type JournalReader interface {
	Sessions() ([]string, error)
	Read(ctx context.Context, sessionID string, offset, limit int) ([]ir.Event, error)
}

// Sources are the authoritative stores an index is derived from. Any of
// them may be nil.
type Sources struct {
	Nodes    NodeLister
	Sessions SessionLister
	Events   JournalReader
}

// RebuildStats describes a completed rebuild.
type RebuildStats struct {
	Nodes    int `json:"nodes"`
	Sessions int `json:"sessions"`
	Events   int `json:"events"`
}

// journalReaders bounds concurrent journal reads during a rebuild.
const journalReaders = 4

// rebuiltTables are copied from the scratch database, parents first. The
// outbox is never copied: it stays in place, pending rows included.
var rebuiltTables = []string{"nodes", "edges", "sessions", "events"}

// RebuildFromSource replays every source into a scratch database, then
// replaces the live tables with its contents in one transaction. The live
// file is never swapped, so handles held by other processes stay valid.
// Cancelling ctx, or any error, leaves the live index untouched.
//
// Changes ingested by any process while the sources were being read are
// replayed from the outbox before commit. Pending outbox rows survive;
// history is not re-broadcast.
func (ix *Index) RebuildFromSource(ctx context.Context, src Sources) (RebuildStats, error) {
	// Everything staged after mark was ingested concurrently with the
	// source reads below and may be missing from them.
	mark, err := ix.outboxMark(ctx)
	if err != nil {
		return RebuildStats{}, err
	}

	tmpPath := ix.path + ".rebuild-" + uuid.NewString()
	defer removeDatabaseFiles(tmpPath)
	tmp, _, err := ix.openDB(tmpPath)
	if err != nil {
		return RebuildStats{}, err
	}
	stats, err := populate(ctx, tmp, src)
	if err == nil {
		_, err = tmp.ExecContext(ctx, "PRAGMA journal_mode = DELETE")
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return RebuildStats{}, fmt.Errorf("rebuild index: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return RebuildStats{}, err
	}

	replayed, err := ix.replaceTables(ctx, tmpPath, mark)
	if err != nil {
		return RebuildStats{}, err
	}
	ix.reset.Store(false)
	ix.logger.Info("index rebuilt",
		"nodes", stats.Nodes, "sessions", stats.Sessions, "events", stats.Events, "replayed", replayed)
	return stats, nil
}

func (ix *Index) outboxMark(ctx context.Context) (int64, error) {
	db, release, err := ix.handle()
	if err != nil {
		return 0, err
	}
	defer release()
	var mark int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM outbox`).Scan(&mark); err != nil {
		return 0, fmt.Errorf("read outbox mark: %w", err)
	}
	return mark, nil
}

// replaceTables copies the scratch database at tmpPath over the live
// tables and replays the outbox after mark, all in one BEGIN IMMEDIATE
// transaction. Writers in this and other processes queue behind it.
func (ix *Index) replaceTables(ctx context.Context, tmpPath string, mark int64) (int, error) {
	db, release, err := ix.handle()
	if err != nil {
		return 0, err
	}
	defer release()

	// ATTACH is per connection, so the transaction must run on this one.
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("pin index connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS rebuilt`, tmpPath); err != nil {
		return 0, fmt.Errorf("attach rebuilt index: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `DETACH DATABASE rebuilt`); err != nil {
			ix.logger.Warn("detach rebuilt index", "error", err)
		}
	}()

	var replayed int
	err = ix.retryBusy(ctx, "index.RebuildFromSource", func() error {
		return runTx(ctx, conn, func(tx *sql.Tx) error {
			for i := len(rebuiltTables) - 1; i >= 0; i-- {
				if _, err := tx.ExecContext(ctx, `DELETE FROM main.`+rebuiltTables[i]); err != nil {
					return fmt.Errorf("clear %s: %w", rebuiltTables[i], err)
				}
			}
			for _, table := range rebuiltTables {
				if _, err := tx.ExecContext(ctx, `INSERT INTO main.`+table+` SELECT * FROM rebuilt.`+table); err != nil {
					return fmt.Errorf("copy %s: %w", table, err)
				}
			}
			var err error
			replayed, err = replaySince(ctx, tx, mark)
			return err
		})
	})
	return replayed, err
}

// replaySince re-applies every change staged in the outbox after mark.
// The ingest helpers are idempotent and newer-wins, so a change the scratch
// build already saw is a no-op.
func replaySince(ctx context.Context, tx *sql.Tx, mark int64) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT kind, payload FROM main.outbox WHERE id > ? ORDER BY id ASC`, mark)
	if err != nil {
		return 0, fmt.Errorf("read outbox since rebuild start: %w", err)
	}
	type staged struct {
		kind    string
		payload string
	}
	var changes []staged
	for rows.Next() {
		var c staged
		if err := rows.Scan(&c.kind, &c.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox: %w", err)
		}
		changes = append(changes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, c := range changes {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(c.payload), &env); err != nil {
			return 0, fmt.Errorf("decode outbox payload: %w", err)
		}
		if err := replayChange(ctx, tx, c.kind, env.Data); err != nil {
			return 0, err
		}
	}
	return len(changes), nil
}

func replayChange(ctx context.Context, tx *sql.Tx, kind string, data json.RawMessage) error {
	switch kind {
	case KindEvent:
		var ev ir.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		_, err := ingestEvent(ctx, tx, ev)
		return err
	case KindSession:
		var s ir.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		return ingestSession(ctx, tx, s)
	case KindNode:
		var removal struct {
			ID      string `json:"id"`
			Removed bool   `json:"removed"`
		}
		if err := json.Unmarshal(data, &removal); err != nil {
			return fmt.Errorf("decode node: %w", err)
		}
		if removal.Removed {
			_, err := removeNode(ctx, tx, removal.ID)
			return err
		}
		var n ir.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode node: %w", err)
		}
		_, err := ingestNode(ctx, tx, n)
		return err
	default:
		return fmt.Errorf("unknown outbox kind %q", kind)
	}
}

func populate(ctx context.Context, db *sql.DB, src Sources) (RebuildStats, error) {
	var stats RebuildStats

	if src.Nodes != nil {
		nodes, err := src.Nodes.List(ctx)
		if err != nil {
			return stats, fmt.Errorf("list nodes: %w", err)
		}
		err = runTx(ctx, db, func(tx *sql.Tx) error {
			for _, n := range nodes {
				if _, err := ingestNode(ctx, tx, n); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
		stats.Nodes = len(nodes)
	}

	if src.Sessions != nil {
		sessions, err := src.Sessions.List(ctx)
		if err != nil {
			return stats, fmt.Errorf("list sessions: %w", err)
		}
		err = runTx(ctx, db, func(tx *sql.Tx) error {
			for _, s := range sessions {
				if err := ingestSession(ctx, tx, s); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
		stats.Sessions = len(sessions)
	}

	if src.Events == nil {
		return stats, nil
	}
	ids, err := src.Events.Sessions()
	if err != nil {
		return stats, fmt.Errorf("list journals: %w", err)
	}
	// Journals are read concurrently and written in session order; SQLite
	// has a single writer anyway.
	journals := make([][]ir.Event, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(journalReaders)
	for i, id := range ids {
		g.Go(func() error {
			events, err := src.Events.Read(gctx, id, 0, 0)
			if err != nil {
				return fmt.Errorf("read journal %s: %w", id, err)
			}
			journals[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	for _, events := range journals {
		err := runTx(ctx, db, func(tx *sql.Tx) error {
			for _, ev := range events {
				if _, err := ingestEvent(ctx, tx, ev); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
		stats.Events += len(events)
	}
	return stats, nil
}

func removeDatabaseFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		_ = os.Remove(p)
	}
}
