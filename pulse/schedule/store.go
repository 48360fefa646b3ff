package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// Store handles persistence of scheduler items and the pending set.
// It runs against a *sql.DB or a caller's *sql.Tx.
type Store struct {
	q db.Querier
}

// NewStore creates a schedule store on q
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// PendingEntry is one element of the pending set
type PendingEntry struct {
	ItemKey  int64
	JobName  string
	Position int64
	CallTime int64
}

const itemColumns = `id, kind, job_name, input, active, next_call_time,
	minutes, hours, days_of_month, months, days_of_week, delay_seconds, expr,
	created_at, updated_at`

// Insert stores a new item and sets its Key
func (s *Store) Insert(ctx context.Context, item *Item) error {
	args, err := triggerArgs(item.Trigger)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO pulse_scheduler_items (
			kind, job_name, input, active, next_call_time,
			minutes, hours, days_of_month, months, days_of_week, delay_seconds, expr,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.Trigger.Kind()), item.JobName, nullableJSON(item.Input), item.Active, item.NextCallTime,
		args.minutes, args.hours, args.daysOfMonth, args.months, args.daysOfWeek, args.delaySeconds, args.expr,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert scheduler item")
	}

	key, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read scheduler item key")
	}
	item.Key = key
	return nil
}

// Get retrieves an item by key
func (s *Store) Get(ctx context.Context, key int64) (*Item, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM pulse_scheduler_items WHERE id = ?`, key)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("scheduler item %d", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get scheduler item %d", key)
	}
	return item, nil
}

// List returns all items ordered by key
func (s *Store) List(ctx context.Context) ([]*Item, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+itemColumns+` FROM pulse_scheduler_items ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduler items")
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListEvaluable returns active items that are not pending, ordered by key
func (s *Store) ListEvaluable(ctx context.Context) ([]*Item, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+itemColumns+`
		FROM pulse_scheduler_items
		WHERE active = 1
		  AND id NOT IN (SELECT item_key FROM pulse_scheduler_pending)
		ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list evaluable scheduler items")
	}
	defer rows.Close()
	return scanItems(rows)
}

// Delete removes an item; its pending entry goes with it.
// Returns false when no item had the key.
func (s *Store) Delete(ctx context.Context, key int64) (bool, error) {
	if err := s.RemovePending(ctx, key); err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM pulse_scheduler_items WHERE id = ?`, key)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete scheduler item %d", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

// UpdateNextCallTime persists the cached prediction
func (s *Store) UpdateNextCallTime(ctx context.Context, key, next int64, now time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE pulse_scheduler_items SET next_call_time = ?, updated_at = ? WHERE id = ?`,
		next, now, key)
	if err != nil {
		return errors.Wrapf(err, "failed to update next call time of scheduler item %d", key)
	}
	return nil
}

// SetActive enables or disables an item
func (s *Store) SetActive(ctx context.Context, key int64, active bool, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE pulse_scheduler_items SET active = ?, updated_at = ? WHERE id = ?`,
		active, now, key)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update scheduler item %d", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

// JobNamePending reports whether any pending entry carries jobName
func (s *Store) JobNamePending(ctx context.Context, jobName string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pulse_scheduler_pending WHERE job_name = ?)`, jobName).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check pending job name")
	}
	return exists, nil
}

// AppendPending adds item at the tail of the pending set.
// Returns false without writing when its job name is already pending.
func (s *Store) AppendPending(ctx context.Context, item *Item, callTime int64) (bool, error) {
	return s.insertPending(ctx, item, callTime, `SELECT COALESCE(MAX(position), 0) + 1 FROM pulse_scheduler_pending`)
}

// PrependPending adds item at the head of the pending set
func (s *Store) PrependPending(ctx context.Context, item *Item, callTime int64) (bool, error) {
	return s.insertPending(ctx, item, callTime, `SELECT COALESCE(MIN(position), 1) - 1 FROM pulse_scheduler_pending`)
}

func (s *Store) insertPending(ctx context.Context, item *Item, callTime int64, positionQuery string) (bool, error) {
	dup, err := s.JobNamePending(ctx, item.JobName)
	if err != nil || dup {
		return false, err
	}

	var position int64
	if err := s.q.QueryRowContext(ctx, positionQuery).Scan(&position); err != nil {
		return false, errors.Wrap(err, "failed to compute pending position")
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO pulse_scheduler_pending (item_key, job_name, position, call_time) VALUES (?, ?, ?, ?)`,
		item.Key, item.JobName, position, callTime)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to add scheduler item %d to pending", item.Key)
	}
	return true, nil
}

// PopPending removes and returns the head of the pending set, or nil
func (s *Store) PopPending(ctx context.Context) (*PendingEntry, error) {
	var e PendingEntry
	err := s.q.QueryRowContext(ctx, `
		SELECT item_key, job_name, position, call_time
		FROM pulse_scheduler_pending
		ORDER BY position
		LIMIT 1`).Scan(&e.ItemKey, &e.JobName, &e.Position, &e.CallTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pending head")
	}

	if err := s.RemovePending(ctx, e.ItemKey); err != nil {
		return nil, err
	}
	return &e, nil
}

// RemovePending drops the pending entry of an item if there is one
func (s *Store) RemovePending(ctx context.Context, key int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM pulse_scheduler_pending WHERE item_key = ?`, key); err != nil {
		return errors.Wrapf(err, "failed to remove scheduler item %d from pending", key)
	}
	return nil
}

// Pending lists the pending set in pull order
func (s *Store) Pending(ctx context.Context) ([]PendingEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT item_key, job_name, position, call_time
		FROM pulse_scheduler_pending
		ORDER BY position`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending items")
	}
	defer rows.Close()

	var entries []PendingEntry
	for rows.Next() {
		var e PendingEntry
		if err := rows.Scan(&e.ItemKey, &e.JobName, &e.Position, &e.CallTime); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingCount returns the size of the pending set
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_scheduler_pending`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count pending items")
	}
	return n, nil
}

type storedTrigger struct {
	minutes, hours, daysOfMonth, months, daysOfWeek sql.NullString
	delaySeconds                                    int64
	expr                                            sql.NullString
}

func triggerArgs(t Trigger) (storedTrigger, error) {
	var st storedTrigger
	switch tr := t.(type) {
	case *CronTrigger:
		fields := []struct {
			dst *sql.NullString
			src []int
		}{
			{&st.minutes, tr.Minutes},
			{&st.hours, tr.Hours},
			{&st.daysOfMonth, tr.DaysOfMonth},
			{&st.months, tr.Months},
			{&st.daysOfWeek, tr.DaysOfWeek},
		}
		for _, f := range fields {
			if len(f.src) == 0 {
				continue
			}
			data, err := json.Marshal(f.src)
			if err != nil {
				return st, errors.Wrap(err, "failed to encode cron field")
			}
			*f.dst = sql.NullString{String: string(data), Valid: true}
		}
		st.expr = sql.NullString{String: tr.Expr, Valid: tr.Expr != ""}
	case *DelayTrigger:
		st.delaySeconds = tr.DelaySeconds
	default:
		return st, errors.AssertionFailedf("unknown trigger type %T", t)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item  Item
		kind  string
		input sql.NullString
		st    storedTrigger
	)
	err := row.Scan(
		&item.Key, &kind, &item.JobName, &input, &item.Active, &item.NextCallTime,
		&st.minutes, &st.hours, &st.daysOfMonth, &st.months, &st.daysOfWeek, &st.delaySeconds, &st.expr,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if input.Valid {
		item.Input = json.RawMessage(input.String)
	}

	switch Kind(kind) {
	case KindCron:
		c := &CronTrigger{Expr: st.expr.String}
		fields := []struct {
			src sql.NullString
			dst *[]int
		}{
			{st.minutes, &c.Minutes},
			{st.hours, &c.Hours},
			{st.daysOfMonth, &c.DaysOfMonth},
			{st.months, &c.Months},
			{st.daysOfWeek, &c.DaysOfWeek},
		}
		for _, f := range fields {
			if !f.src.Valid {
				continue
			}
			if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
				return nil, errors.Wrapf(err, "failed to decode cron field of scheduler item %d", item.Key)
			}
		}
		item.Trigger = c
	case KindDelay:
		item.Trigger = &DelayTrigger{DelaySeconds: st.delaySeconds}
	default:
		return nil, errors.Newf("scheduler item %d has unknown kind %q", item.Key, kind)
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduler item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduler items")
	}
	return items, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}
