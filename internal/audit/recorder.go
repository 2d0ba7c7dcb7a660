package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Recorder is the login flow's view of the audit subsystem: fire and
// forget. A nil *Recorder is valid and does nothing, so tests can skip
// auditing entirely.
type Recorder struct {
	store       *Store
	broadcaster *Broadcaster
	log         *logrus.Logger
}

// NewRecorder wires the durable store and the live stream together.
// Either component may be nil.
func NewRecorder(store *Store, broadcaster *Broadcaster, log *logrus.Logger) *Recorder {
	return &Recorder{store: store, broadcaster: broadcaster, log: log}
}

// Record persists and publishes ev. Failures are logged and swallowed: an
// audit hiccup must never fail or slow a login, so the insert gets its own
// short deadline detached from the request.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.store.Insert(ctx, &ev); err != nil {
			r.log.WithError(err).Warn("audit insert failed")
		}
	}
	if r.broadcaster != nil {
		r.broadcaster.Publish(ev)
	}
}

// Recent proxies to the store.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Event, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.Recent(ctx, limit)
}

// StartPruner deletes expired events on a timer until ctx is done.
func (r *Recorder) StartPruner(ctx context.Context, retention, interval time.Duration) {
	if r == nil || r.store == nil || retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := r.store.Prune(ctx, retention); err != nil {
					r.log.WithError(err).Warn("audit prune failed")
				} else if n > 0 {
					r.log.WithField("deleted", n).Debug("pruned audit events")
				}
			}
		}
	}()
}
