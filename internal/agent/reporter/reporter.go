// Package reporter gives agent-originated events at-least-once delivery.
// Callbacks that cannot be delivered are spooled to disk and retried in
// enqueue order, so an agent keeps cloning through controller outages and
// deploy-network flaps.
package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sender delivers one event to the controller. kind is the event kind
// (callback path segment); payload is the JSON body.
type Sender interface {
	Deliver(ctx context.Context, kind string, payload json.RawMessage) error
}

// PermanentError marks a delivery the controller received and rejected.
// Retrying cannot succeed, so the flusher drops the entry instead of
// blocking the queue behind it. This is also how an agent learns its
// session was cancelled underneath it.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("controller rejected event (%d): %s", e.StatusCode, e.Message)
}

// entry is one spooled event.
type entry struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Reporter wraps a Sender with the durable retry discipline. Submit never
// blocks on the controller: a failed send spools the payload and returns,
// and the background flusher owns redelivery.
type Reporter struct {
	sender Sender
	dir    string
	logger *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.Mutex
	nextSeq uint64

	// wake nudges the flusher after a spool so redelivery starts without
	// waiting out a full backoff.
	wake chan struct{}
}

// New creates a reporter spooling to dir. Existing spool files survive
// agent restarts and are picked up in order.
func New(sender Sender, dir string, initialBackoff, maxBackoff time.Duration, logger *zap.Logger) (*Reporter, error) {
	if initialBackoff <= 0 {
		initialBackoff = 2 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}

	r := &Reporter{
		sender:         sender,
		dir:            dir,
		logger:         logger.Named("reporter"),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		wake:           make(chan struct{}, 1),
	}

	// Resume the sequence after whatever a previous run left behind.
	files, err := r.spooled()
	if err != nil {
		return nil, err
	}
	if n := len(files); n > 0 {
		last := strings.TrimSuffix(filepath.Base(files[n-1]), ".json")
		if seq, err := strconv.ParseUint(last, 10, 64); err == nil {
			r.nextSeq = seq + 1
		}
		r.logger.Info("Resuming spooled events", zap.Int("count", n))
	}
	return r, nil
}

// Submit delivers one event, spooling it on failure. The returned error is
// only ever a marshalling error; delivery failures are absorbed.
func (r *Reporter) Submit(ctx context.Context, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", kind, err)
	}

	err = r.sender.Deliver(ctx, kind, raw)
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		r.logger.Warn("Event rejected by controller, dropping",
			zap.String("kind", kind),
			zap.Int("status", perm.StatusCode),
		)
		return nil
	}

	r.logger.Warn("Event delivery failed, spooling",
		zap.String("kind", kind),
		zap.Error(err),
	)
	if err := r.spool(kind, raw); err != nil {
		return err
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// spool persists one entry under a zero-padded monotonic sequence name so
// lexical order is enqueue order.
func (r *Reporter) spool(kind string, raw json.RawMessage) error {
	r.mu.Lock()
	seq := r.nextSeq
	r.nextSeq++
	r.mu.Unlock()

	data, err := json.Marshal(entry{
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	name := filepath.Join(r.dir, fmt.Sprintf("%012d.json", seq))
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing spool entry: %w", err)
	}
	return os.Rename(tmp, name)
}

// spooled returns the spool files in enqueue order.
func (r *Reporter) spooled() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Pending returns how many events await redelivery.
func (r *Reporter) Pending() int {
	files, err := r.spooled()
	if err != nil {
		return 0
	}
	return len(files)
}

// Run flushes the spool until ctx is cancelled. Entries are retried in
// enqueue order; an entry is removed only on success or permanent
// rejection, and a transient failure stops the pass so order is preserved.
func (r *Reporter) Run(ctx context.Context) {
	backoff := r.initialBackoff
	for {
		drained, err := r.flushOnce(ctx)
		if err == nil && drained {
			backoff = r.initialBackoff
		} else {
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-time.After(backoff):
		}
	}
}

// flushOnce attempts one in-order pass over the spool. It reports whether
// the spool was fully drained.
func (r *Reporter) flushOnce(ctx context.Context) (bool, error) {
	files, err := r.spooled()
	if err != nil {
		return false, err
	}

	for _, file := range files {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		data, err := os.ReadFile(file)
		if err != nil {
			r.logger.Warn("Unreadable spool entry, dropping", zap.String("file", file), zap.Error(err))
			os.Remove(file)
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			r.logger.Warn("Corrupt spool entry, dropping", zap.String("file", file), zap.Error(err))
			os.Remove(file)
			continue
		}

		err = r.sender.Deliver(ctx, e.Kind, e.Payload)
		if err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) {
				r.logger.Warn("Spooled event rejected by controller, dropping",
					zap.String("kind", e.Kind),
					zap.Int("status", perm.StatusCode),
				)
				os.Remove(file)
				continue
			}
			// Transient: stop here, later entries wait their turn.
			return false, err
		}

		r.logger.Debug("Spooled event delivered", zap.String("kind", e.Kind))
		os.Remove(file)
	}
	return true, nil
}
