package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// MockSender records deliveries and fails on demand.
type MockSender struct {
	mu        sync.Mutex
	delivered []string // kinds in delivery order
	payloads  []string
	failing   bool
	permanent bool
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) Deliver(ctx context.Context, kind string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		if m.permanent {
			return &PermanentError{StatusCode: 409, Message: "session cancelled"}
		}
		return errors.New("connection refused")
	}
	m.delivered = append(m.delivered, kind)
	m.payloads = append(m.payloads, string(payload))
	return nil
}

func (m *MockSender) setFailing(failing, permanent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
	m.permanent = permanent
}

func (m *MockSender) deliveredKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.delivered))
	copy(out, m.delivered)
	return out
}

func newTestReporter(t *testing.T, sender Sender, dir string) *Reporter {
	t.Helper()
	r, err := New(sender, dir, 10*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

type testEvent struct {
	Session string `json:"session"`
	Seq     int    `json:"seq"`
}

func TestSubmitDeliversDirectly(t *testing.T) {
	sender := NewMockSender()
	r := newTestReporter(t, sender, t.TempDir())

	if err := r.Submit(context.Background(), "progress", testEvent{Session: "s1", Seq: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := sender.deliveredKinds(); len(got) != 1 || got[0] != "progress" {
		t.Fatalf("expected one progress delivery, got %v", got)
	}
	if r.Pending() != 0 {
		t.Errorf("nothing should be spooled, got %d", r.Pending())
	}
}

func TestSubmitSpoolsOnTransientFailure(t *testing.T) {
	sender := NewMockSender()
	r := newTestReporter(t, sender, t.TempDir())
	ctx := context.Background()

	sender.setFailing(true, false)
	for i := 1; i <= 3; i++ {
		if err := r.Submit(ctx, "progress", testEvent{Session: "s1", Seq: i}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if r.Pending() != 3 {
		t.Fatalf("expected 3 spooled events, got %d", r.Pending())
	}

	sender.setFailing(false, false)
	drained, err := r.flushOnce(ctx)
	if err != nil || !drained {
		t.Fatalf("flushOnce: drained=%v err=%v", drained, err)
	}
	if r.Pending() != 0 {
		t.Errorf("spool not drained: %d left", r.Pending())
	}

	// Redelivery preserves enqueue order.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, payload := range sender.payloads {
		var e testEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if e.Seq != i+1 {
			t.Errorf("payload %d has seq %d, order broken", i, e.Seq)
		}
	}
}

func TestPermanentRejectionIsDropped(t *testing.T) {
	sender := NewMockSender()
	r := newTestReporter(t, sender, t.TempDir())
	ctx := context.Background()

	// A rejected direct send is dropped, not spooled: the controller saw
	// it and said no.
	sender.setFailing(true, true)
	if err := r.Submit(ctx, "progress", testEvent{Session: "s1", Seq: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("permanent rejection must not spool, got %d", r.Pending())
	}

	// A spooled entry that turns permanent on redelivery is dropped too,
	// and does not block entries behind it.
	sender.setFailing(true, false)
	if err := r.Submit(ctx, "progress", testEvent{Session: "s1", Seq: 2}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Submit(ctx, "complete", testEvent{Session: "s1", Seq: 3}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sender.setFailing(true, true)
	drained, err := r.flushOnce(ctx)
	if err != nil || !drained {
		t.Fatalf("flushOnce: drained=%v err=%v", drained, err)
	}
	if r.Pending() != 0 {
		t.Errorf("rejected entries must be removed, got %d", r.Pending())
	}
	if got := sender.deliveredKinds(); len(got) != 0 {
		t.Errorf("nothing should count as delivered, got %v", got)
	}
}

func TestTransientFailureStopsThePass(t *testing.T) {
	sender := NewMockSender()
	r := newTestReporter(t, sender, t.TempDir())
	ctx := context.Background()

	sender.setFailing(true, false)
	for i := 1; i <= 2; i++ {
		if err := r.Submit(ctx, "progress", testEvent{Seq: i}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	drained, err := r.flushOnce(ctx)
	if drained || err == nil {
		t.Fatalf("expected transient failure, drained=%v err=%v", drained, err)
	}
	// Everything is still queued, in order, for the next pass.
	if r.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", r.Pending())
	}
}

func TestSpoolSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	sender := NewMockSender()
	r := newTestReporter(t, sender, dir)
	ctx := context.Background()

	sender.setFailing(true, false)
	for i := 1; i <= 3; i++ {
		if err := r.Submit(ctx, "progress", testEvent{Seq: i}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// A new reporter over the same directory picks up the backlog and
	// continues the sequence after it.
	restarted := newTestReporter(t, sender, dir)
	if restarted.Pending() != 3 {
		t.Fatalf("expected 3 pending after restart, got %d", restarted.Pending())
	}
	if err := restarted.Submit(ctx, "progress", testEvent{Seq: 4}); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}

	sender.setFailing(false, false)
	drained, err := restarted.flushOnce(ctx)
	if err != nil || !drained {
		t.Fatalf("flushOnce: drained=%v err=%v", drained, err)
	}

	var seqs []int
	sender.mu.Lock()
	for _, payload := range sender.payloads {
		var e testEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			t.Fatalf("payload: %v", err)
		}
		seqs = append(seqs, e.Seq)
	}
	sender.mu.Unlock()
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("redelivery order broken: %v", seqs)
		}
	}
	if len(seqs) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(seqs))
	}
}

func TestCorruptSpoolEntryIsSkipped(t *testing.T) {
	dir := t.TempDir()
	sender := NewMockSender()
	r := newTestReporter(t, sender, dir)
	ctx := context.Background()

	sender.setFailing(true, false)
	if err := r.Submit(ctx, "progress", testEvent{Seq: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Submit(ctx, "complete", testEvent{Seq: 2}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Truncate the first entry.
	files, err := r.spooled()
	if err != nil || len(files) != 2 {
		t.Fatalf("spooled: %v files=%d", err, len(files))
	}
	if err := os.WriteFile(files[0], []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	sender.setFailing(false, false)
	drained, err := r.flushOnce(ctx)
	if err != nil || !drained {
		t.Fatalf("flushOnce: drained=%v err=%v", drained, err)
	}
	if got := sender.deliveredKinds(); len(got) != 1 || got[0] != "complete" {
		t.Errorf("expected only the intact entry delivered, got %v", got)
	}
	if r.Pending() != 0 {
		t.Errorf("corrupt entry should be removed, got %d pending", r.Pending())
	}
}

func TestRunDrainsAfterRecovery(t *testing.T) {
	sender := NewMockSender()
	r := newTestReporter(t, sender, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender.setFailing(true, false)
	if err := r.Submit(ctx, "progress", testEvent{Seq: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	sender.setFailing(false, false)
	deadline := time.After(2 * time.Second)
	for r.Pending() > 0 {
		select {
		case <-deadline:
			t.Fatal("flusher did not drain the spool")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if got := sender.deliveredKinds(); len(got) != 1 {
		t.Fatalf("expected one delivery, got %v", got)
	}
}
