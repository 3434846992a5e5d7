package medtracksdk

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PendingAction is one queued user interaction recorded while the server was
// unreachable. The idempotency key carries the original client timestamp, so
// a replay lands as the same event it would have been online.
type PendingAction struct {
	Action         string `json:"action"` // taken, snooze, dismiss
	MedicationID   string `json:"medication_id"`
	ClientTS       string `json:"client_ts"` // RFC3339, when the user acted
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// Queue is a durable FIFO of pending actions backed by a JSON file. Writes
// go through a temp file and rename so a crash never leaves a torn queue.
type Queue struct {
	path string
	mu   sync.Mutex
}

// OpenQueue opens (or creates) a queue at path.
func OpenQueue(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create queue dir")
	}
	return &Queue{path: path}, nil
}

func (q *Queue) load() ([]PendingAction, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read queue")
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []PendingAction
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrap(err, "parse queue")
	}
	return items, nil
}

func (q *Queue) save(items []PendingAction) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write queue")
	}
	return errors.Wrap(os.Rename(tmp, q.path), "commit queue")
}

// Enqueue appends an action to the tail of the queue.
func (q *Queue) Enqueue(a PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load()
	if err != nil {
		return err
	}
	return q.save(append(items, a))
}

// Pending returns the queued actions, oldest first.
func (q *Queue) Pending() ([]PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

// Len returns the queue depth.
func (q *Queue) Len() (int, error) {
	items, err := q.Pending()
	return len(items), err
}

// dropHead removes the first n items.
func (q *Queue) dropHead(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load()
	if err != nil {
		return err
	}
	if n > len(items) {
		n = len(items)
	}
	return q.save(items[n:])
}

// Reconciler replays queued actions against the server once connectivity is
// back. Replays run strictly in order; a failure stops the pass so ordering
// is preserved, and the backoff grows exponentially between passes.
type Reconciler struct {
	Client *Client
	Queue  *Queue

	BaseBackoff time.Duration // default 1s
	MaxBackoff  time.Duration // default 5m

	backoff time.Duration
}

func NewReconciler(c *Client, q *Queue) *Reconciler {
	return &Reconciler{
		Client:      c,
		Queue:       q,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// ReplayOnce attempts to drain the queue head-first. It returns the number
// of actions confirmed by the server. A server-confirmed duplicate counts as
// replayed; the dose was already logged through another path.
func (r *Reconciler) ReplayOnce(ctx context.Context) (int, error) {
	items, err := r.Queue.Pending()
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, a := range items {
		if err := r.replay(ctx, a); err != nil {
			// Leave this and everything after it queued; order matters.
			if dropErr := r.Queue.dropHead(replayed); dropErr != nil {
				return replayed, dropErr
			}
			return replayed, err
		}
		replayed++
	}
	return replayed, r.Queue.dropHead(replayed)
}

func (r *Reconciler) replay(ctx context.Context, a PendingAction) error {
	switch a.Action {
	case "taken":
		_, err := r.Client.Track(ctx, TrackOptions{
			MedicationID:  a.MedicationID,
			Source:        "notification-action",
			TS:            a.ClientTS,
			ClientEventID: a.IdempotencyKey,
		})
		return err
	case "snooze", "dismiss":
		// Stale snoozes and dismissals are still submitted; the server's
		// state machine ignores them if the day has moved on.
		_, err := r.Client.Action(ctx, a.MedicationID, a.Action, a.IdempotencyKey, a.ClientTS)
		return err
	default:
		// Unknown actions are dropped rather than wedging the queue head.
		return nil
	}
}

// Run replays until the queue drains or the context is cancelled, sleeping
// an exponentially growing interval after each failed pass.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.BaseBackoff <= 0 {
		r.BaseBackoff = time.Second
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 5 * time.Minute
	}
	r.backoff = r.BaseBackoff
	for {
		n, err := r.Queue.Len()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := r.ReplayOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
			r.backoff *= 2
			if r.backoff > r.MaxBackoff {
				r.backoff = r.MaxBackoff
			}
			continue
		}
		r.backoff = r.BaseBackoff
	}
}
