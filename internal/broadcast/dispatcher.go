// Package broadcast pushes index changes to connected observers.
//
// Changes reach the index outbox in the same transaction as the change
// itself. A single Dispatcher polls the outbox, copies each pending row
// into every observer's buffer and marks the batch delivered in the same
// pass. Delivery is at most once per connection: an observer that falls
// behind is dropped rather than slowing the poll.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shakes-tzd/htmlgraph/internal/index"
)

// Outbox is the index surface the dispatcher drains.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]index.OutboxRow, error)
	MarkDelivered(ctx context.Context, ids []int64, at time.Time) error
	PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

// Message is one change pushed to observers.
type Message struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Ref       string          `json:"ref"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Defaults used when a Dispatcher is built without options.
const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultBuffer       = 64
	DefaultBatchSize    = 200
	DefaultRetention    = 24 * time.Hour

	pruneInterval = time.Minute
)

// Subscription is one observer's view of the stream. C is closed when the
// observer is dropped or unsubscribed.
type Subscription struct {
	ID string
	C  <-chan Message

	ch chan Message
}

// Dispatcher fans outbox rows out to subscribers.
//
// Thread-safety model:
//   - Subscribe, Unsubscribe, Observers: safe from any goroutine
//   - Run and Poll: one goroutine at a time
type Dispatcher struct {
	outbox Outbox

	mu        sync.Mutex
	observers map[string]*Subscription
	order     []string

	pollInterval time.Duration
	buffer       int
	batchSize    int
	retention    time.Duration
	now          func() time.Time
	logger       *slog.Logger

	lastPrune time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval sets how often the outbox is polled.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithBuffer sets the per-observer buffer. An observer whose buffer is
// full when a row arrives is dropped.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) { d.buffer = max(n, 1) }
}

// WithBatchSize caps the rows delivered per poll.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batchSize = max(n, 1) }
}

// WithRetention sets how long delivered rows are kept before pruning. Zero
// disables pruning.
func WithRetention(keep time.Duration) Option {
	return func(d *Dispatcher) { d.retention = keep }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher over outbox.
func NewDispatcher(outbox Outbox, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		outbox:       outbox,
		observers:    map[string]*Subscription{},
		pollInterval: DefaultPollInterval,
		buffer:       DefaultBuffer,
		batchSize:    DefaultBatchSize,
		retention:    DefaultRetention,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a new observer. Only rows polled after this call are
// delivered to it.
func (d *Dispatcher) Subscribe() *Subscription {
	ch := make(chan Message, d.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	d.mu.Lock()
	d.observers[sub.ID] = sub
	d.order = append(d.order, sub.ID)
	n := len(d.observers)
	d.mu.Unlock()

	d.logger.Debug("observer connected", "observer", sub.ID, "observers", n)
	return sub
}

// Unsubscribe removes an observer and closes its channel. Unknown ids are
// ignored.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(id)
}

func (d *Dispatcher) removeLocked(id string) bool {
	sub, ok := d.observers[id]
	if !ok {
		return false
	}
	delete(d.observers, id)
	for i, o := range d.order {
		if o == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	close(sub.ch)
	return true
}

// Observers returns the number of connected observers.
func (d *Dispatcher) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// Run polls the outbox until ctx is cancelled, then disconnects every
// observer.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("broadcast dispatcher starting", "poll_interval", d.pollInterval)
	tick := time.NewTicker(d.pollInterval)
	defer tick.Stop()
	defer d.closeAll()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("broadcast dispatcher stopping")
			return ctx.Err()
		case <-tick.C:
			if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("broadcast poll failed", "error", err)
			}
		}
	}
}

// Poll delivers one batch of pending rows and returns how many were
// delivered. Rows are marked delivered even when nobody is listening.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	rows, err := d.outbox.PendingOutbox(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) > 0 {
		ids := make([]int64, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		// Mark before pushing; a failed mark leaves the rows pending and
		// unsent.
		if err := d.outbox.MarkDelivered(ctx, ids, d.now()); err != nil {
			return 0, err
		}
		d.fanOut(rows)
	}
	d.maybePrune(ctx)
	return len(rows), nil
}

// fanOut copies rows into every observer buffer without blocking. An
// observer that cannot take a row is dropped so it never sees a gap.
func (d *Dispatcher) fanOut(rows []index.OutboxRow) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range append([]string(nil), d.order...) {
		sub := d.observers[id]
		for _, r := range rows {
			msg := Message{ID: r.ID, Kind: r.Kind, Ref: r.Ref, Payload: r.Payload, CreatedAt: r.CreatedAt}
			select {
			case sub.ch <- msg:
				continue
			default:
			}
			d.logger.Warn("dropping slow observer", "observer", id, "buffer", cap(sub.ch))
			d.removeLocked(id)
			break
		}
	}
}

func (d *Dispatcher) maybePrune(ctx context.Context) {
	if d.retention <= 0 {
		return
	}
	now := d.now()
	if !d.lastPrune.IsZero() && now.Sub(d.lastPrune) < pruneInterval {
		return
	}
	d.lastPrune = now
	n, err := d.outbox.PruneDelivered(ctx, now.Add(-d.retention))
	if err != nil {
		d.logger.Warn("prune outbox failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("pruned delivered outbox rows", "rows", n)
	}
}

func (d *Dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range append([]string(nil), d.order...) {
		d.removeLocked(id)
	}
}
