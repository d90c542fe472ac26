package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"treasury_watcher/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InsertSchedule creates an ACTIVE schedule whose first run is one interval
// from now.
func (s *Store) InsertSchedule(docID string, intervalHours float64, innerText string) (*models.Schedule, error) {
	now := s.now()
	sched := &models.Schedule{
		ScheduleID:    uuid.NewString(),
		DocID:         docID,
		IntervalHours: intervalHours,
		InnerText:     innerText,
		NextRunAt:     now.Add(hoursToDuration(intervalHours)),
		Status:        models.ScheduleActive,
	}
	_, err := s.db.Exec(`
		INSERT INTO schedules (schedule_id, doc_id, interval_hours, inner_text, next_run_at, status, total_runs)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		sched.ScheduleID, docID, intervalHours, innerText, ms(sched.NextRunAt), string(models.ScheduleActive))
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

// GetSchedule loads one schedule.
func (s *Store) GetSchedule(scheduleID string) (*models.Schedule, error) {
	row := s.db.QueryRow(`
		SELECT schedule_id, doc_id, interval_hours, inner_text, next_run_at, status, total_runs, last_run_at
		FROM schedules WHERE schedule_id = ?`, scheduleID)
	return scanSchedule(row)
}

// DueSchedules returns ACTIVE schedules with next_run_at <= now.
func (s *Store) DueSchedules() ([]*models.Schedule, error) {
	rows, err := s.db.Query(`
		SELECT schedule_id, doc_id, interval_hours, inner_text, next_run_at, status, total_runs, last_run_at
		FROM schedules WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at ASC`,
		string(models.ScheduleActive), ms(s.now()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// ListSchedules returns every schedule for a document.
func (s *Store) ListSchedules(docID string) ([]*models.Schedule, error) {
	rows, err := s.db.Query(`
		SELECT schedule_id, doc_id, interval_hours, inner_text, next_run_at, status, total_runs, last_run_at
		FROM schedules WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// AdvanceSchedule records a fire: bump total_runs, stamp last_run_at, and
// push next_run_at one interval past now. Exactly one run per due schedule
// per tick; late ticks do not batch catch-up runs.
func (s *Store) AdvanceSchedule(scheduleID string) error {
	nowMS := ms(s.now())
	res, err := s.db.Exec(`
		UPDATE schedules
		SET total_runs = total_runs + 1, last_run_at = ?,
		    next_run_at = ? + CAST(interval_hours * 3600000 AS INTEGER)
		WHERE schedule_id = ? AND status = ?`,
		nowMS, nowMS, scheduleID, string(models.ScheduleActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: schedule %s", ErrNotFound, scheduleID)
	}
	return nil
}

// CancelSchedule marks a schedule CANCELLED.
func (s *Store) CancelSchedule(scheduleID string) error {
	res, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE schedule_id = ?`,
		string(models.ScheduleCancelled), scheduleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: schedule %s", ErrNotFound, scheduleID)
	}
	return nil
}

// InsertConditionalOrder arms a new stop-loss or take-profit rule.
func (s *Store) InsertConditionalOrder(docID string, kind models.ConditionalKind, base, quote string, trigger, qty decimal.Decimal) (*models.ConditionalOrder, error) {
	order := &models.ConditionalOrder{
		OrderID:      uuid.NewString(),
		DocID:        docID,
		Kind:         kind,
		Base:         base,
		Quote:        quote,
		TriggerPrice: trigger,
		Qty:          qty,
		Status:       models.CondActive,
	}
	_, err := s.db.Exec(`
		INSERT INTO conditional_orders (order_id, doc_id, kind, base, quote, trigger_price, qty, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID, docID, string(kind), base, quote, trigger.String(), qty.String(), string(models.CondActive))
	if err != nil {
		return nil, fmt.Errorf("insert conditional order: %w", err)
	}
	return order, nil
}

// ActiveConditionalOrders returns every ACTIVE rule across documents.
func (s *Store) ActiveConditionalOrders() ([]*models.ConditionalOrder, error) {
	rows, err := s.db.Query(`
		SELECT order_id, doc_id, kind, base, quote, trigger_price, qty, status, triggered_cmd_id
		FROM conditional_orders WHERE status = ?`, string(models.CondActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ConditionalOrder
	for rows.Next() {
		order, err := scanConditionalOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// GetConditionalOrder loads one rule.
func (s *Store) GetConditionalOrder(orderID string) (*models.ConditionalOrder, error) {
	row := s.db.QueryRow(`
		SELECT order_id, doc_id, kind, base, quote, trigger_price, qty, status, triggered_cmd_id
		FROM conditional_orders WHERE order_id = ?`, orderID)
	return scanConditionalOrder(row)
}

// TriggerConditionalOrder finalises a rule, binding it to the spawned
// command. Conditional on the rule still being ACTIVE.
func (s *Store) TriggerConditionalOrder(orderID, cmdID string) error {
	res, err := s.db.Exec(`
		UPDATE conditional_orders SET status = ?, triggered_cmd_id = ?
		WHERE order_id = ? AND status = ?`,
		string(models.CondTriggered), cmdID, orderID, string(models.CondActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("conditional order %s not active", orderID)
	}
	return nil
}

// CancelConditionalOrder disarms an ACTIVE rule.
func (s *Store) CancelConditionalOrder(orderID string) error {
	res, err := s.db.Exec(`
		UPDATE conditional_orders SET status = ? WHERE order_id = ? AND status = ?`,
		string(models.CondCancelled), orderID, string(models.CondActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("conditional order %s not active", orderID)
	}
	return nil
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		sched     models.Schedule
		nextMS    int64
		status    string
		lastRunMS sql.NullInt64
	)
	err := row.Scan(&sched.ScheduleID, &sched.DocID, &sched.IntervalHours, &sched.InnerText,
		&nextMS, &status, &sched.TotalRuns, &lastRunMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = fromMS(nextMS)
	sched.Status = models.ScheduleStatus(status)
	if lastRunMS.Valid {
		t := fromMS(lastRunMS.Int64)
		sched.LastRunAt = &t
	}
	return &sched, nil
}

func scanConditionalOrder(row rowScanner) (*models.ConditionalOrder, error) {
	var (
		order      models.ConditionalOrder
		kind       string
		status     string
		triggerStr string
		qtyStr     string
	)
	err := row.Scan(&order.OrderID, &order.DocID, &kind, &order.Base, &order.Quote,
		&triggerStr, &qtyStr, &status, &order.TriggeredCmdID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	order.Kind = models.ConditionalKind(kind)
	order.Status = models.ConditionalStatus(status)

	order.TriggerPrice, err = decimal.NewFromString(triggerStr)
	if err != nil {
		return nil, fmt.Errorf("decode trigger price: %w", err)
	}
	order.Qty, err = decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, fmt.Errorf("decode qty: %w", err)
	}
	return &order, nil
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
