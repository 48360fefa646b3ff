package schedule

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// Scheduler owns the scheduler items and the pending set.
// Every public method runs in its own immediate transaction; the *Tx
// variants let the processor compose them into a larger one.
type Scheduler struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewScheduler creates a scheduler on an open, migrated database
func NewScheduler(database *sql.DB, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		db:     database,
		now:    time.Now,
		logger: logger.AddScheduleSymbol(log),
	}
}

// SetClock replaces the time source used by Add and SetActive
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Add stores item under a fresh key. The pending set is not touched.
// Cron items are armed relative to the insertion time so the first
// boundary after Add is not missed.
func (s *Scheduler) Add(ctx context.Context, item *Item) (int64, error) {
	if err := item.Validate(); err != nil {
		return 0, err
	}

	now := s.now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Trigger.Kind() == KindCron && item.NextCallTime == 0 {
		item.GetNextCallTime(now)
	}

	if err := NewStore(s.db).Insert(ctx, item); err != nil {
		return 0, err
	}

	s.logger.Infow("Scheduler item added",
		logger.FieldSchedulerKey, item.Key,
		logger.FieldJobName, item.JobName,
		"trigger", item.Trigger.String(),
		"next_call_time", item.NextCallTimeAt())
	return item.Key, nil
}

// Remove deletes an item and its pending entry
func (s *Scheduler) Remove(ctx context.Context, key int64) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		found, err := NewStore(tx).Delete(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return errors.NewNotFoundError("scheduler item %d", key)
		}
		s.logger.Infow("Scheduler item removed", logger.FieldSchedulerKey, key)
		return nil
	})
}

// ReScheduleItem drops the item's pending entry, invalidates its cached
// prediction and evaluates it at callTime. If that evaluation is a fire
// and no pending entry shares the job name, the item is appended to the
// pending set.
func (s *Scheduler) ReScheduleItem(ctx context.Context, key int64, callTime time.Time) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		store := NewStore(tx)
		item, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if err := store.RemovePending(ctx, key); err != nil {
			return err
		}

		item.Invalidate()
		reported := item.GetNextCallTime(callTime)
		if err := store.UpdateNextCallTime(ctx, key, item.NextCallTime, callTime.UTC()); err != nil {
			return err
		}

		appended := false
		if IsDue(reported, callTime) {
			if appended, err = store.AppendPending(ctx, item, reported); err != nil {
				return err
			}
		}

		s.logger.Infow("Scheduler item rescheduled",
			logger.FieldSchedulerKey, key,
			logger.FieldJobName, item.JobName,
			"next_call_time", item.NextCallTimeAt(),
			"pending", appended)
		return nil
	})
}

// PullNextSchedulerItem pops the head of the pending set, refilling the
// set with UpdatePending first when it is empty. Returns nil when nothing
// is due.
func (s *Scheduler) PullNextSchedulerItem(ctx context.Context, now time.Time) (*Item, error) {
	var item *Item
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		item, err = s.PullNextSchedulerItemTx(ctx, tx, now)
		return err
	})
	return item, err
}

// PullNextSchedulerItemTx is PullNextSchedulerItem inside the caller's transaction
func (s *Scheduler) PullNextSchedulerItemTx(ctx context.Context, tx *sql.Tx, now time.Time) (*Item, error) {
	store := NewStore(tx)

	count, err := store.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if _, err := s.updatePending(ctx, store, now); err != nil {
			return nil, err
		}
	}

	entry, err := store.PopPending(ctx)
	if err != nil || entry == nil {
		return nil, err
	}

	item, err := store.Get(ctx, entry.ItemKey)
	if err != nil {
		return nil, err
	}

	s.logger.Debugw("Scheduler item pulled",
		logger.FieldSchedulerKey, item.Key,
		logger.FieldJobName, item.JobName,
		logger.FieldCallTime, entry.CallTime)
	return item, nil
}

// UpdatePending evaluates every active item that is not already pending
// and appends the due ones, skipping job names that are already pending.
// Returns the number of items appended.
func (s *Scheduler) UpdatePending(ctx context.Context, now time.Time) (int, error) {
	var added int
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		added, err = s.updatePending(ctx, NewStore(tx), now)
		return err
	})
	return added, err
}

func (s *Scheduler) updatePending(ctx context.Context, store *Store, now time.Time) (int, error) {
	items, err := store.ListEvaluable(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, item := range items {
		before := item.NextCallTime
		reported := item.GetNextCallTime(now)
		if item.NextCallTime != before {
			if err := store.UpdateNextCallTime(ctx, item.Key, item.NextCallTime, now.UTC()); err != nil {
				return added, err
			}
		}

		if !IsDue(reported, now) {
			continue
		}

		ok, err := store.AppendPending(ctx, item, reported)
		if err != nil {
			return added, err
		}
		if !ok {
			s.logger.Debugw("Scheduler fire suppressed, job name already pending",
				logger.FieldSchedulerKey, item.Key,
				logger.FieldJobName, item.JobName,
				logger.FieldCallTime, reported)
			continue
		}
		added++
	}

	if added > 0 {
		s.logger.Debugw("Pending set updated", logger.FieldCount, added)
	}
	return added, nil
}

// RestorePendingTx puts an item back at the head of the pending set.
// The processor uses it when a scheduled job is handed back after an
// unexpected failure. A missing item or an already pending job name is
// not an error.
func (s *Scheduler) RestorePendingTx(ctx context.Context, tx *sql.Tx, key int64, callTime int64) error {
	store := NewStore(tx)
	item, err := store.Get(ctx, key)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = store.PrependPending(ctx, item, callTime)
	return err
}

// Get returns one item
func (s *Scheduler) Get(ctx context.Context, key int64) (*Item, error) {
	return NewStore(s.db).Get(ctx, key)
}

// List returns every item ordered by key
func (s *Scheduler) List(ctx context.Context) ([]*Item, error) {
	return NewStore(s.db).List(ctx)
}

// Pending returns the pending set in pull order
func (s *Scheduler) Pending(ctx context.Context) ([]PendingEntry, error) {
	return NewStore(s.db).Pending(ctx)
}

// SetActive pauses or resumes an item. Pausing also drops its pending entry.
func (s *Scheduler) SetActive(ctx context.Context, key int64, active bool) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		store := NewStore(tx)
		found, err := store.SetActive(ctx, key, active, s.now().UTC())
		if err != nil {
			return err
		}
		if !found {
			return errors.NewNotFoundError("scheduler item %d", key)
		}
		if !active {
			return store.RemovePending(ctx, key)
		}
		return nil
	})
}
