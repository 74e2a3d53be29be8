package queue

import (
	"context"
	"sync"
	"time"

	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/client/store"
	"go.uber.org/zap"
)

// Executor replays one queued action against the server.
type Executor func(ctx context.Context, a store.PendingAction) error

// Queue persists actions that could not run while offline and replays
// them in FIFO order once connectivity returns. Flush snapshots and
// clears the stored queue before executing, so actions enqueued during a
// flush land in the next cycle and concurrent flushes never double-run
// an action.
type Queue struct {
	flushMu sync.Mutex
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
}

// New creates a queue over the client cache.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{db: db, bus: b, logger: logger}
}

// Enqueue persists an action at the tail of the queue.
func (q *Queue) Enqueue(a *store.PendingAction) error {
	if err := q.db.EnqueueAction(a); err != nil {
		return err
	}
	q.logger.Info("action queued",
		zap.String("type", a.Type), zap.String("target", a.Target), zap.Bool("critical", a.Critical))
	q.bus.Publish(bus.Event{
		Kind:      "queue.enqueued",
		Timestamp: time.Now(),
		Payload:   a.Type,
	})
	return nil
}

// Flush drains the current queue snapshot through the executor. A failed
// critical action goes back on the queue; a failed non-critical action is
// dropped with a warning. Safe to call concurrently.
func (q *Queue) Flush(ctx context.Context, exec Executor) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	snapshot, err := q.db.SnapshotAndClearActions()
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}
	q.logger.Info("flushing offline queue", zap.Int("actions", len(snapshot)))

	for _, a := range snapshot {
		if err := exec(ctx, a); err != nil {
			if a.Critical {
				a.ID = 0
				if reqErr := q.db.EnqueueAction(&a); reqErr != nil {
					q.logger.Error("failed to requeue critical action",
						zap.String("type", a.Type), zap.Error(reqErr))
				} else {
					q.logger.Warn("critical action requeued",
						zap.String("type", a.Type), zap.Error(err))
				}
				continue
			}
			q.logger.Warn("dropping failed action",
				zap.String("type", a.Type), zap.String("target", a.Target), zap.Error(err))
		}
	}

	q.bus.Publish(bus.Event{
		Kind:      "queue.flushed",
		Timestamp: time.Now(),
		Payload:   len(snapshot),
	})
	return nil
}

// Size returns the current queue depth.
func (q *Queue) Size() (int, error) {
	return q.db.CountPendingActions()
}
