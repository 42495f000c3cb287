package nodestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/queryir"
	"github.com/Shakes-tzd/htmlgraph/internal/schema"
)

// DocumentExt is the file extension of node documents.
const DocumentExt = ".html"

// EventSink receives the events NodeStore emits for mutations made inside
// an agent session. NodeStore depends on it but does not own it.
type EventSink interface {
	Emit(ctx context.Context, ev ir.Event) (ir.Event, error)
}

// ChangeObserver is optionally implemented by an EventSink that also wants
// every committed node, in or out of a session.
type ChangeObserver interface {
	NodeChanged(ctx context.Context, n ir.Node)
}

// RemovalObserver is optionally implemented by an EventSink that tracks
// hard deletes.
type RemovalObserver interface {
	NodeRemoved(ctx context.Context, id string)
}

// NodeIndex is the accelerated query path. Results are node ids; documents
// are still read from disk so callers never see index-lagged fields.
type NodeIndex interface {
	QueryNodeIDs(ctx context.Context, sel queryir.Select) ([]string, error)
}

// Fields are the caller-supplied values of a new node.
type Fields struct {
	Title      string
	Status     ir.Status   // default todo
	Priority   ir.Priority // default medium
	TrackID    string
	DependsOn  []string
	Blocks     []string
	Body       string
	Attributes map[string]string

	// Nonce makes the id unique for identical titles. A retried Create with
	// the same title and nonce returns the already-written node. Empty means
	// a fresh UUIDv7.
	Nonce string
}

// Mutator edits a copy of the current node. Returning an error aborts the
// update without writing.
type Mutator func(n *ir.Node) error

// Store keeps one HTML document per node at <root>/<type>/<id>.html.
//
// Writes go to a temp file that is linked or renamed into place, so readers
// never observe a partial document. Updates use optimistic concurrency on
// updated_at; no lock is held while the caller's mutator runs.
type Store struct {
	root      string
	sink      EventSink
	index     NodeIndex
	validator *schema.Validator
	now       func() time.Time
	logger    *slog.Logger
	lockStale time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithEventSink routes session-scoped mutation events to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithIndex enables query delegation to the analytics index.
func WithIndex(ix NodeIndex) Option {
	return func(s *Store) { s.index = ix }
}

// WithClock sets the time source for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open prepares a store rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create node root: %w", err)
	}
	v, err := schema.Default()
	if err != nil {
		return nil, err
	}
	s := &Store{
		root:      dir,
		validator: v,
		now:       time.Now,
		logger:    slog.Default(),
		lockStale: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the directory holding the type subdirectories.
func (s *Store) Root() string {
	return s.root
}

// SetEventSink attaches the sink after construction, for wiring where the
// sink itself needs the store.
func (s *Store) SetEventSink(sink EventSink) {
	s.sink = sink
}

// SetIndex attaches or detaches the query accelerator.
func (s *Store) SetIndex(ix NodeIndex) {
	s.index = ix
}

func (s *Store) path(t ir.NodeType, id string) string {
	return filepath.Join(s.root, string(t), id+DocumentExt)
}

// timestamp returns the current time in the precision documents keep.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create allocates an id, validates the node and writes it atomically.
func (s *Store) Create(ctx context.Context, actor ir.Actor, t ir.NodeType, f Fields) (ir.Node, error) {
	if !s.validator.Known(t) {
		return ir.Node{}, ir.NewError(ir.ErrCodeInvalidArgument, "nodestore.Create", "",
			fmt.Sprintf("unknown node type %q", t))
	}
	nonce := f.Nonce
	for attempt := 0; attempt < 3; attempt++ {
		if nonce == "" {
			nonce = uuid.Must(uuid.NewV7()).String()
		}
		now := s.timestamp()
		n := normalize(ir.Node{
			ID:         ir.NewID(ir.TagFor(t), f.Title, nonce),
			Type:       t,
			Title:      f.Title,
			Status:     f.Status,
			Priority:   f.Priority,
			TrackID:    f.TrackID,
			DependsOn:  f.DependsOn,
			Blocks:     f.Blocks,
			Body:       f.Body,
			Attributes: f.Attributes,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if n.Status == "" {
			n.Status = ir.StatusTodo
		}
		if n.Priority == "" {
			n.Priority = ir.PriorityMedium
		}
		if err := s.validator.Validate(n); err != nil {
			return ir.Node{}, err
		}

		err := s.writeNew(n)
		if err == nil {
			s.committed(ctx, actor, ir.ToolNodeCreate, n)
			return n, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return ir.Node{}, fmt.Errorf("nodestore.Create: %w", err)
		}

		existing, getErr := s.Get(ctx, n.ID)
		if getErr != nil {
			return ir.Node{}, getErr
		}
		if f.Nonce != "" {
			if existing.Title == n.Title {
				return existing, nil
			}
			return ir.Node{}, ir.NewError(ir.ErrCodeConflict, "nodestore.Create", n.ID,
				"id already holds a different node")
		}
		s.logger.Warn("node id collision, retrying with new nonce", "id", n.ID)
		nonce = ""
	}
	return ir.Node{}, ir.NewError(ir.ErrCodeConflict, "nodestore.Create", "", "could not allocate a free id")
}

// Get reads a node from its document.
func (s *Store) Get(ctx context.Context, id string) (ir.Node, error) {
	p, err := s.locate(id)
	if err != nil {
		return ir.Node{}, err
	}
	return s.readFile(p, id)
}

func (s *Store) readFile(p, id string) (ir.Node, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ir.Node{}, ir.NewError(ir.ErrCodeNotFound, "nodestore.Get", id, "no such node")
	}
	if err != nil {
		return ir.Node{}, fmt.Errorf("read node %s: %w", id, err)
	}
	n, err := ParseDocument(bytes.NewReader(data))
	if err != nil {
		return ir.Node{}, err
	}
	return n, nil
}

// locate finds the document path of id. Known tags map straight to their
// type directory; other ids are searched for across type directories.
func (s *Store) locate(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", ir.NewError(ir.ErrCodeInvalidArgument, "nodestore.Get", id, "invalid node id")
	}
	if t, ok := ir.TypeForTag(ir.TagOf(id)); ok {
		return s.path(t, id), nil
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", id+DocumentExt))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ir.NewError(ir.ErrCodeNotFound, "nodestore.Get", id, "no such node")
	}
	return matches[0], nil
}

// Update applies mutator to a fresh copy of the node and commits it if no
// other writer committed since the copy was read. A lost race returns
// CONFLICT; the caller re-reads by calling Update again.
func (s *Store) Update(ctx context.Context, actor ir.Actor, id string, mutate Mutator) (ir.Node, error) {
	base, err := s.Get(ctx, id)
	if err != nil {
		return ir.Node{}, err
	}
	next := base.Clone()
	if err := mutate(&next); err != nil {
		return ir.Node{}, err
	}
	next.ID, next.Type, next.CreatedAt = base.ID, base.Type, base.CreatedAt
	next = normalize(next)
	if err := s.validator.Validate(next); err != nil {
		return ir.Node{}, err
	}
	next.UpdatedAt = s.timestamp()
	if !next.UpdatedAt.After(base.UpdatedAt) {
		next.UpdatedAt = base.UpdatedAt.Add(time.Microsecond)
	}

	if err := s.compareAndSwap(base, next); err != nil {
		return ir.Node{}, err
	}
	tool := ir.ToolNodeUpdate
	if next.Deleted && !base.Deleted {
		tool = ir.ToolNodeDelete
	}
	s.committed(ctx, actor, tool, next)
	return next, nil
}

// compareAndSwap writes next only if the document still carries base's
// updated_at. The commit lock is taken without waiting: a held lock means
// another writer is mid-commit, which is itself a conflict.
func (s *Store) compareAndSwap(base, next ir.Node) error {
	p := s.path(base.Type, base.ID)
	release, err := s.tryLock(p)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.readFile(p, base.ID)
	if err != nil {
		return err
	}
	if !current.UpdatedAt.Equal(base.UpdatedAt) {
		return ir.NewError(ir.ErrCodeConflict, "nodestore.Update", base.ID,
			fmt.Sprintf("node changed since read (read %s, now %s)",
				base.UpdatedAt.Format(timeLayout), current.UpdatedAt.Format(timeLayout)))
	}
	return s.writeReplace(next)
}

// Delete soft-deletes a node: it is marked deleted and cancelled, stays on
// disk, and drops out of queries.
func (s *Store) Delete(ctx context.Context, actor ir.Actor, id string) (ir.Node, error) {
	return s.Update(ctx, actor, id, func(n *ir.Node) error {
		n.Deleted = true
		n.Status = ir.StatusCancelled
		return nil
	})
}

// HardDelete removes the document and then strips edges pointing at it from
// other nodes. A referrer that loses an update race is re-read and retried
// a few times; only then is its edge left dangling, to surface as an
// invalid reference in risk analysis.
// It returns the ids of nodes whose edges were cleaned.
func (s *Store) HardDelete(ctx context.Context, actor ir.Actor, id string) ([]string, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p := s.path(n.Type, n.ID)
	release, err := s.tryLock(p)
	if err != nil {
		return nil, err
	}
	err = os.Remove(p)
	release()
	if err != nil {
		return nil, fmt.Errorf("remove node %s: %w", id, err)
	}
	n.Deleted = true
	s.committed(ctx, actor, ir.ToolNodeDelete, n)
	if rm, ok := s.sink.(RemovalObserver); ok {
		rm.NodeRemoved(ctx, n.ID)
	}

	return s.cleanupEdges(ctx, actor, id), nil
}

func (s *Store) cleanupEdges(ctx context.Context, actor ir.Actor, id string) []string {
	referrers, err := s.scan(ctx, queryir.Select{IncludeDeleted: true}, func(n ir.Node) bool {
		return slices.Contains(n.DependsOn, id) || slices.Contains(n.Blocks, id) || n.TrackID == id
	})
	if err != nil {
		s.logger.Warn("edge cleanup scan failed", "id", id, "error", err)
		return nil
	}
	var cleaned []string
	for _, ref := range referrers {
		if s.stripEdges(ctx, actor, ref.ID, id) {
			cleaned = append(cleaned, ref.ID)
		}
	}
	return cleaned
}

// cleanupAttempts bounds how often one referrer is re-read after losing
// an update race during edge cleanup.
const cleanupAttempts = 4

func (s *Store) stripEdges(ctx context.Context, actor ir.Actor, ref, target string) bool {
	for attempt := 1; ; attempt++ {
		_, err := s.Update(ctx, actor, ref, func(n *ir.Node) error {
			n.DependsOn = slices.DeleteFunc(n.DependsOn, func(x string) bool { return x == target })
			n.Blocks = slices.DeleteFunc(n.Blocks, func(x string) bool { return x == target })
			if n.TrackID == target {
				n.TrackID = ""
			}
			return nil
		})
		if err == nil {
			return true
		}
		if !ir.IsConflict(err) || attempt == cleanupAttempts || ctx.Err() != nil {
			s.logger.Warn("edge cleanup skipped", "node", ref, "target", target, "error", err)
			return false
		}
		s.logger.Debug("edge cleanup conflict, retrying", "node", ref, "target", target, "attempt", attempt)
		time.Sleep(time.Duration(attempt) * 5 * time.Millisecond)
	}
}

// Query returns nodes matching sel ordered by id. With an index attached the
// index narrows the candidate ids; otherwise, or if the index fails, every
// document is scanned.
func (s *Store) Query(ctx context.Context, sel queryir.Select) ([]ir.Node, error) {
	if err := queryir.Validate(sel); err != nil {
		return nil, ir.WrapError(ir.ErrCodeInvalidArgument, "nodestore.Query", "", err)
	}
	if s.index != nil {
		nodes, err := s.queryIndex(ctx, sel)
		if err == nil {
			return nodes, nil
		}
		s.logger.Warn("index query failed, falling back to scan", "error", err)
	}
	return s.scan(ctx, sel, nil)
}

func (s *Store) queryIndex(ctx context.Context, sel queryir.Select) ([]ir.Node, error) {
	ids, err := s.index.QueryNodeIDs(ctx, sel)
	if err != nil {
		return nil, err
	}
	nodes := make([]ir.Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.Get(ctx, id)
		if ir.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index may lag: re-check against the document.
		if queryir.Match(sel, n) {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// List returns every node, soft-deleted ones included, ordered by id.
func (s *Store) List(ctx context.Context) ([]ir.Node, error) {
	return s.scan(ctx, queryir.Select{IncludeDeleted: true}, nil)
}

// scan reads every document and keeps those matching sel and extra.
// Unreadable documents are logged and skipped.
func (s *Store) scan(ctx context.Context, sel queryir.Select, extra func(ir.Node) bool) ([]ir.Node, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read node root: %w", err)
	}
	var nodes []ir.Node
	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, dir.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir.Name(), err)
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if f.IsDir() || !strings.HasSuffix(f.Name(), DocumentExt) {
				continue
			}
			id := strings.TrimSuffix(f.Name(), DocumentExt)
			n, err := s.readFile(filepath.Join(s.root, dir.Name(), f.Name()), id)
			if ir.IsNotFound(err) {
				continue
			}
			if err != nil {
				s.logger.Warn("skipping unreadable node document", "id", id, "error", err)
				continue
			}
			if queryir.Match(sel, n) && (extra == nil || extra(n)) {
				nodes = append(nodes, n)
			}
		}
	}
	slices.SortFunc(nodes, func(a, b ir.Node) int { return strings.Compare(a.ID, b.ID) })
	if sel.Limit > 0 && len(nodes) > sel.Limit {
		nodes = nodes[:sel.Limit]
	}
	return nodes, nil
}

// committed notifies the sink of a durable change.
func (s *Store) committed(ctx context.Context, actor ir.Actor, tool string, n ir.Node) {
	if s.sink == nil {
		return
	}
	if obs, ok := s.sink.(ChangeObserver); ok {
		obs.NodeChanged(ctx, n)
	}
	if !actor.InSession() {
		return
	}
	ev := ir.Event{
		SessionID:     actor.SessionID,
		AgentID:       actor.AgentID,
		ParentEventID: actor.Parent(),
		ToolName:      tool,
		Timestamp:     n.UpdatedAt,
		Status:        ir.EventOK,
		NodeID:        n.ID,
		InputSummary:  n.Title,
		OutputSummary: string(n.Status),
	}
	if _, err := s.sink.Emit(ctx, ev); err != nil {
		// The document is already committed; losing the event only loses
		// attribution, so it is logged rather than returned.
		s.logger.Error("emit node event", "node", n.ID, "tool", tool, "error", err)
	}
}

// normalize puts a node in canonical form so a document round-trips to an
// identical value: empty collections are nil and line endings are \n. The
// HTML tokenizer reads a lone \r as \n too, in text and attribute values.
func normalize(n ir.Node) ir.Node {
	if len(n.DependsOn) == 0 {
		n.DependsOn = nil
	}
	if len(n.Blocks) == 0 {
		n.Blocks = nil
	}
	if len(n.Attributes) == 0 {
		n.Attributes = nil
	} else {
		attrs := make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			attrs[normalizeNewlines(k)] = normalizeNewlines(v)
		}
		n.Attributes = attrs
	}
	n.Body = normalizeNewlines(n.Body)
	n.Title = normalizeNewlines(n.Title)
	return n
}

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

func normalizeNewlines(s string) string {
	return newlines.Replace(s)
}
