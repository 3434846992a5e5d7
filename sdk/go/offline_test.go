package medtracksdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "queue", "pending.json"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.json")
	q, err := OpenQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	a1 := PendingAction{Action: "taken", MedicationID: "daily_pill", ClientTS: "2026-03-10T09:00:00Z", IdempotencyKey: "k1"}
	a2 := PendingAction{Action: "snooze", MedicationID: "daily_pill", ClientTS: "2026-03-10T09:05:00Z", IdempotencyKey: "k2"}
	if err := q.Enqueue(a1); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(a2); err != nil {
		t.Fatal(err)
	}

	// A fresh handle on the same file sees the same queue, in order.
	q2, err := OpenQueue(path)
	if err != nil {
		t.Fatal(err)
	}
	items, err := q2.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].IdempotencyKey != "k1" || items[1].IdempotencyKey != "k2" {
		t.Fatalf("items = %+v", items)
	}
}

type fakeServer struct {
	mu       sync.Mutex
	tracked  []string // client_event_id per /track call
	failNext bool
	seen     map[string]bool // duplicate detection by client key
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/track", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failNext {
			f.failNext = false
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "internal_error", "message": "boom"}})
			return
		}
		var body struct {
			ClientEventID string `json:"client_event_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		dup := f.seen[body.ClientEventID]
		f.seen[body.ClientEventID] = true
		f.tracked = append(f.tracked, body.ClientEventID)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"duplicate": dup, "event": map[string]any{}})
	})
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{})
	})
	return mux
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	fs := &fakeServer{seen: map[string]bool{}}
	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)
	return fs, New(srv.URL, "test-token")
}

func TestReplayOnceDrainsInOrder(t *testing.T) {
	fs, client := newFakeServer(t)
	q := testQueue(t)
	for _, k := range []string{"k1", "k2", "k3"} {
		if err := q.Enqueue(PendingAction{Action: "taken", MedicationID: "daily_pill", ClientTS: "2026-03-10T09:00:00Z", IdempotencyKey: k}); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReconciler(client, q)
	n, err := r.ReplayOnce(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 3 {
		t.Fatalf("replayed = %d, want 3", n)
	}
	if len(fs.tracked) != 3 || fs.tracked[0] != "k1" || fs.tracked[2] != "k3" {
		t.Fatalf("server saw %v", fs.tracked)
	}
	depth, err := q.Len()
	if err != nil || depth != 0 {
		t.Fatalf("queue depth = %d (%v), want 0", depth, err)
	}
}

func TestReplayTreatsDuplicateAsSuccess(t *testing.T) {
	fs, client := newFakeServer(t)
	q := testQueue(t)
	// The dose was already logged through another path while offline.
	fs.seen["k1"] = true
	if err := q.Enqueue(PendingAction{Action: "taken", MedicationID: "daily_pill", IdempotencyKey: "k1"}); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(client, q)
	n, err := r.ReplayOnce(context.Background())
	if err != nil {
		t.Fatalf("duplicate replay must succeed: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	depth, _ := q.Len()
	if depth != 0 {
		t.Fatalf("duplicate left the queue wedged, depth = %d", depth)
	}
}

func TestReplayFailureKeepsTail(t *testing.T) {
	fs, client := newFakeServer(t)
	q := testQueue(t)
	for _, k := range []string{"k1", "k2"} {
		if err := q.Enqueue(PendingAction{Action: "taken", MedicationID: "daily_pill", IdempotencyKey: k}); err != nil {
			t.Fatal(err)
		}
	}
	fs.failNext = true

	r := NewReconciler(client, q)
	n, err := r.ReplayOnce(context.Background())
	if err == nil {
		t.Fatal("expected replay failure")
	}
	if n != 0 {
		t.Fatalf("replayed = %d, want 0", n)
	}
	items, _ := q.Pending()
	if len(items) != 2 || items[0].IdempotencyKey != "k1" {
		t.Fatalf("queue after failure = %+v", items)
	}

	// Next pass succeeds and drains both, k1 first.
	if _, err := r.ReplayOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fs.tracked) != 2 || fs.tracked[0] != "k1" || fs.tracked[1] != "k2" {
		t.Fatalf("server saw %v", fs.tracked)
	}
	depth, _ := q.Len()
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}
