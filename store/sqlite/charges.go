package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, association_id, membership_id, fee_id, purpose, title, description,
	amount_due, due_date, status, period_start, period_end, is_overdue, created_by, created_at`

func (s *queries) InsertCharge(ctx context.Context, c billing.Charge) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO charges (`+chargeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AssociationID, c.MembershipID, nullString(string(c.FeeID)), c.Purpose, c.Title, c.Description,
		c.AmountDue, nullDate(c.DueDate), c.Status, nullDate(c.Period.Start), nullDate(c.Period.End),
		c.IsOverdue, nullString(string(c.CreatedBy)), formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateCharge
		}
		return fmt.Errorf("failed to insert charge: %w", err)
	}
	return nil
}

func (s *queries) GetCharge(ctx context.Context, id billing.ChargeID) (*billing.Charge, error) {
	return s.getCharge(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = ?`, id)
}

func (s *queries) FindCycleCharge(ctx context.Context, membershipID billing.MembershipID, feeID billing.FeeID, period billing.Period) (*billing.Charge, error) {
	return s.getCharge(ctx, `
		SELECT `+chargeColumns+` FROM charges
		WHERE membership_id = ? AND fee_id = ? AND period_start = ? AND period_end = ?
	`, membershipID, feeID, period.Start.String(), period.End.String())
}

// FindOpenFeeCharge returns the most recent open charge of the fee that has
// no billing period.
func (s *queries) FindOpenFeeCharge(ctx context.Context, membershipID billing.MembershipID, feeID billing.FeeID) (*billing.Charge, error) {
	return s.getCharge(ctx, `
		SELECT `+chargeColumns+` FROM charges
		WHERE membership_id = ? AND fee_id = ? AND period_start IS NULL
		  AND status IN ('unpaid', 'partial')
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, membershipID, feeID)
}

func (s *queries) getCharge(ctx context.Context, query string, args ...any) (*billing.Charge, error) {
	c, err := scanCharge(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrChargeNotFound
	}
	if err != nil {
		return nil, err
	}
	paid, err := s.paidTotals(ctx, `charge_id = ?`, c.ID)
	if err != nil {
		return nil, err
	}
	c.AmountPaid = paid[c.ID]
	return &c, nil
}

// ListCharges orders by due date (charges without one last), then creation.
func (s *queries) ListCharges(ctx context.Context, f billing.ChargeFilter) ([]billing.Charge, error) {
	w := chargeWhere(f)

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+chargeColumns+` FROM charges`+w.sql()+`
		ORDER BY due_date IS NULL, due_date, created_at, rowid
	`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []billing.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(charges) == 0 {
		return charges, nil
	}

	paid, err := s.paidTotals(ctx, `charge_id IN (SELECT id FROM charges`+w.sql()+`)`, w.args...)
	if err != nil {
		return nil, err
	}
	for i := range charges {
		charges[i].AmountPaid = paid[charges[i].ID]
	}
	return charges, nil
}

func chargeWhere(f billing.ChargeFilter) where {
	var w where
	w.eq("association_id", string(f.AssociationID))
	w.eq("membership_id", string(f.MembershipID))
	w.in("purpose", toStrings(f.Purposes))
	w.in("status", toStrings(f.Statuses))
	if !f.DueFrom.IsZero() {
		w.add("due_date IS NOT NULL AND due_date >= ?", f.DueFrom.String())
	}
	if !f.DueTo.IsZero() {
		w.add("due_date IS NOT NULL AND due_date <= ?", f.DueTo.String())
	}
	if f.OverdueOnly {
		w.add("is_overdue = 1")
	}
	return w
}

func (s *queries) UpdateChargeState(ctx context.Context, id billing.ChargeID, status billing.ChargeStatus, overdue bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE charges SET status = ?, is_overdue = ? WHERE id = ?`, status, overdue, id)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	return expectAffected(res, billing.ErrChargeNotFound)
}

// paidTotals sums recorded payments per charge. Amounts are TEXT, so the
// sum is done with decimals rather than in SQL.
func (s *queries) paidTotals(ctx context.Context, cond string, args ...any) (map[billing.ChargeID]decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT charge_id, amount_paid FROM payments
		WHERE status = 'recorded' AND `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	totals := make(map[billing.ChargeID]decimal.Decimal)
	for rows.Next() {
		var (
			id     billing.ChargeID
			amount decimal.Decimal
		)
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan payment amount: %w", err)
		}
		totals[id] = totals[id].Add(amount)
	}
	return totals, rows.Err()
}

func scanCharge(row scanner) (billing.Charge, error) {
	var (
		c                      billing.Charge
		feeID, createdBy       sql.NullString
		dueDate                sql.NullString
		periodStart, periodEnd sql.NullString
		createdAt              string
	)
	err := row.Scan(
		&c.ID, &c.AssociationID, &c.MembershipID, &feeID, &c.Purpose, &c.Title, &c.Description,
		&c.AmountDue, &dueDate, &c.Status, &periodStart, &periodEnd, &c.IsOverdue, &createdBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan charge: %w", err)
	}
	c.FeeID = billing.FeeID(feeID.String)
	c.CreatedBy = billing.UserID(createdBy.String)
	c.DueDate = parseNullDate(dueDate)
	c.Period = billing.Period{Start: parseNullDate(periodStart), End: parseNullDate(periodEnd)}
	c.CreatedAt = parseTime(createdAt)
	c.AmountPaid = decimal.Zero
	return c, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, charge_id, membership_id, fee_id, amount_paid, paid_at, recorded_at,
	recorded_by, method, reference_code, status, note`

func (s *queries) InsertPayment(ctx context.Context, p billing.Payment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChargeID, p.MembershipID, nullString(string(p.FeeID)), p.AmountPaid,
		formatTime(p.PaidAt), formatTime(p.RecordedAt), nullString(string(p.RecordedBy)),
		p.Method, p.ReferenceCode, p.Status, p.Note,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *queries) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *queries) ListPayments(ctx context.Context, chargeID billing.ChargeID) ([]billing.Payment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE charge_id = ? ORDER BY paid_at, rowid`, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *queries) SetPaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus) error {
	res, err := s.q.ExecContext(ctx, `UPDATE payments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return expectAffected(res, billing.ErrPaymentNotFound)
}

func scanPayment(row scanner) (billing.Payment, error) {
	var (
		p                  billing.Payment
		feeID, recordedBy  sql.NullString
		paidAt, recordedAt string
	)
	err := row.Scan(
		&p.ID, &p.ChargeID, &p.MembershipID, &feeID, &p.AmountPaid, &paidAt, &recordedAt,
		&recordedBy, &p.Method, &p.ReferenceCode, &p.Status, &p.Note,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.FeeID = billing.FeeID(feeID.String)
	p.RecordedBy = billing.UserID(recordedBy.String)
	p.PaidAt = parseTime(paidAt)
	p.RecordedAt = parseTime(recordedAt)
	return p, nil
}

// =============================================================================
// REMINDER LOGS
// =============================================================================

const reminderColumns = `id, membership_id, charge_id, reminder_type, scheduled_for, sent_at, created_at`

func (s *queries) InsertReminderLog(ctx context.Context, l billing.ReminderLog) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO reminder_logs (`+reminderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.MembershipID, l.ChargeID, l.Type, l.ScheduledFor.String(), nullTime(l.SentAt), formatTime(l.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateReminder
		}
		return fmt.Errorf("failed to insert reminder log: %w", err)
	}
	return nil
}

func (s *queries) FindReminderLog(ctx context.Context, chargeID billing.ChargeID, typ billing.ReminderType, day billing.Date) (*billing.ReminderLog, error) {
	var (
		l            billing.ReminderLog
		scheduledFor string
		sentAt       sql.NullString
		createdAt    string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT `+reminderColumns+` FROM reminder_logs
		WHERE charge_id = ? AND reminder_type = ? AND scheduled_for = ?
	`, chargeID, typ, day.String()).Scan(
		&l.ID, &l.MembershipID, &l.ChargeID, &l.Type, &scheduledFor, &sentAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrReminderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder log: %w", err)
	}
	l.ScheduledFor, _ = billing.ParseDate(scheduledFor)
	l.SentAt = parseNullTime(sentAt)
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

func (s *queries) MarkReminderSent(ctx context.Context, id billing.ReminderLogID, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE reminder_logs SET sent_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return expectAffected(res, billing.ErrReminderNotFound)
}

func (s *queries) DeleteReminderLog(ctx context.Context, id billing.ReminderLogID) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM reminder_logs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete reminder log: %w", err)
	}
	return nil
}
