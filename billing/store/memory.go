// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. Unique constraints
// of the SQL schema are emulated on insert.
type Memory struct {
	mu   sync.Mutex
	data *tables
}

type tables struct {
	seq          int64
	associations map[billing.AssociationID]row[billing.Association]
	members      map[billing.MemberID]billing.Member
	memberships  map[billing.MembershipID]row[billing.Membership]
	fees         map[billing.FeeID]row[billing.Fee]
	charges      map[billing.ChargeID]row[billing.Charge]
	payments     map[billing.PaymentID]row[billing.Payment]
	reminders    map[billing.ReminderLogID]billing.ReminderLog
	outbox       []billing.OutboxEntry
	audit        []billing.AuditEvent
}

// row remembers insertion order for stable listing.
type row[T any] struct {
	v   T
	seq int64
}

func NewMemory() *Memory {
	return &Memory{data: newTables()}
}

func newTables() *tables {
	return &tables{
		associations: make(map[billing.AssociationID]row[billing.Association]),
		members:      make(map[billing.MemberID]billing.Member),
		memberships:  make(map[billing.MembershipID]row[billing.Membership]),
		fees:         make(map[billing.FeeID]row[billing.Fee]),
		charges:      make(map[billing.ChargeID]row[billing.Charge]),
		payments:     make(map[billing.PaymentID]row[billing.Payment]),
		reminders:    make(map[billing.ReminderLogID]billing.ReminderLog),
	}
}

func (t *tables) next() int64 {
	t.seq++
	return t.seq
}

// clone copies the maps. Values are stored by value and never mutated in
// place, so a shallow copy is a full snapshot.
func (t *tables) clone() *tables {
	c := &tables{
		seq:          t.seq,
		associations: cloneMap(t.associations),
		members:      cloneMap(t.members),
		memberships:  cloneMap(t.memberships),
		fees:         cloneMap(t.fees),
		charges:      cloneMap(t.charges),
		payments:     cloneMap(t.payments),
		reminders:    cloneMap(t.reminders),
		outbox:       slices.Clone(t.outbox),
		audit:        slices.Clone(t.audit),
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is a snapshot + restore on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&view{t: m.data}); err != nil {
		*m.data = *snapshot
		return err
	}
	return nil
}

// locked runs fn against the live tables under the store mutex.
func locked[T any](m *Memory, fn func(v *view) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{t: m.data})
}

func (m *Memory) exec(fn func(v *view) error) error {
	_, err := locked(m, func(v *view) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// =============================================================================
// billing.Store - locking wrappers around view
// =============================================================================

func (m *Memory) SaveAssociation(ctx context.Context, a billing.Association) error {
	return m.exec(func(v *view) error { return v.SaveAssociation(ctx, a) })
}

func (m *Memory) GetAssociation(ctx context.Context, id billing.AssociationID) (*billing.Association, error) {
	return locked(m, func(v *view) (*billing.Association, error) { return v.GetAssociation(ctx, id) })
}

func (m *Memory) ListAssociations(ctx context.Context) ([]billing.Association, error) {
	return locked(m, func(v *view) ([]billing.Association, error) { return v.ListAssociations(ctx) })
}

func (m *Memory) SaveMember(ctx context.Context, mem billing.Member) error {
	return m.exec(func(v *view) error { return v.SaveMember(ctx, mem) })
}

func (m *Memory) GetMember(ctx context.Context, id billing.MemberID) (*billing.Member, error) {
	return locked(m, func(v *view) (*billing.Member, error) { return v.GetMember(ctx, id) })
}

func (m *Memory) CreateMembership(ctx context.Context, ms billing.Membership) error {
	return m.exec(func(v *view) error { return v.CreateMembership(ctx, ms) })
}

func (m *Memory) UpdateMembership(ctx context.Context, ms billing.Membership) error {
	return m.exec(func(v *view) error { return v.UpdateMembership(ctx, ms) })
}

func (m *Memory) GetMembership(ctx context.Context, id billing.MembershipID) (*billing.Membership, error) {
	return locked(m, func(v *view) (*billing.Membership, error) { return v.GetMembership(ctx, id) })
}

func (m *Memory) ListMemberships(ctx context.Context, f billing.MembershipFilter) ([]billing.Membership, error) {
	return locked(m, func(v *view) ([]billing.Membership, error) { return v.ListMemberships(ctx, f) })
}

func (m *Memory) SetSubscriptionAnchor(ctx context.Context, id billing.MembershipID, anchor billing.Date) (bool, error) {
	return locked(m, func(v *view) (bool, error) { return v.SetSubscriptionAnchor(ctx, id, anchor) })
}

func (m *Memory) SaveFee(ctx context.Context, f billing.Fee) error {
	return m.exec(func(v *view) error { return v.SaveFee(ctx, f) })
}

func (m *Memory) GetFee(ctx context.Context, id billing.FeeID) (*billing.Fee, error) {
	return locked(m, func(v *view) (*billing.Fee, error) { return v.GetFee(ctx, id) })
}

func (m *Memory) LatestFee(ctx context.Context, assoc billing.AssociationID, typ billing.FeeType) (*billing.Fee, error) {
	return locked(m, func(v *view) (*billing.Fee, error) { return v.LatestFee(ctx, assoc, typ) })
}

func (m *Memory) ListFees(ctx context.Context, assoc billing.AssociationID) ([]billing.Fee, error) {
	return locked(m, func(v *view) ([]billing.Fee, error) { return v.ListFees(ctx, assoc) })
}

func (m *Memory) InsertCharge(ctx context.Context, c billing.Charge) error {
	return m.exec(func(v *view) error { return v.InsertCharge(ctx, c) })
}

func (m *Memory) GetCharge(ctx context.Context, id billing.ChargeID) (*billing.Charge, error) {
	return locked(m, func(v *view) (*billing.Charge, error) { return v.GetCharge(ctx, id) })
}

func (m *Memory) FindCycleCharge(ctx context.Context, ms billing.MembershipID, fee billing.FeeID, p billing.Period) (*billing.Charge, error) {
	return locked(m, func(v *view) (*billing.Charge, error) { return v.FindCycleCharge(ctx, ms, fee, p) })
}

func (m *Memory) FindOpenFeeCharge(ctx context.Context, ms billing.MembershipID, fee billing.FeeID) (*billing.Charge, error) {
	return locked(m, func(v *view) (*billing.Charge, error) { return v.FindOpenFeeCharge(ctx, ms, fee) })
}

func (m *Memory) ListCharges(ctx context.Context, f billing.ChargeFilter) ([]billing.Charge, error) {
	return locked(m, func(v *view) ([]billing.Charge, error) { return v.ListCharges(ctx, f) })
}

func (m *Memory) UpdateChargeState(ctx context.Context, id billing.ChargeID, status billing.ChargeStatus, overdue bool) error {
	return m.exec(func(v *view) error { return v.UpdateChargeState(ctx, id, status, overdue) })
}

func (m *Memory) InsertPayment(ctx context.Context, p billing.Payment) error {
	return m.exec(func(v *view) error { return v.InsertPayment(ctx, p) })
}

func (m *Memory) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	return locked(m, func(v *view) (*billing.Payment, error) { return v.GetPayment(ctx, id) })
}

func (m *Memory) ListPayments(ctx context.Context, chargeID billing.ChargeID) ([]billing.Payment, error) {
	return locked(m, func(v *view) ([]billing.Payment, error) { return v.ListPayments(ctx, chargeID) })
}

func (m *Memory) SetPaymentStatus(ctx context.Context, id billing.PaymentID, status billing.PaymentStatus) error {
	return m.exec(func(v *view) error { return v.SetPaymentStatus(ctx, id, status) })
}

func (m *Memory) InsertReminderLog(ctx context.Context, l billing.ReminderLog) error {
	return m.exec(func(v *view) error { return v.InsertReminderLog(ctx, l) })
}

func (m *Memory) FindReminderLog(ctx context.Context, chargeID billing.ChargeID, typ billing.ReminderType, day billing.Date) (*billing.ReminderLog, error) {
	return locked(m, func(v *view) (*billing.ReminderLog, error) { return v.FindReminderLog(ctx, chargeID, typ, day) })
}

func (m *Memory) MarkReminderSent(ctx context.Context, id billing.ReminderLogID, at time.Time) error {
	return m.exec(func(v *view) error { return v.MarkReminderSent(ctx, id, at) })
}

func (m *Memory) DeleteReminderLog(ctx context.Context, id billing.ReminderLogID) error {
	return m.exec(func(v *view) error { return v.DeleteReminderLog(ctx, id) })
}

func (m *Memory) AppendOutbox(ctx context.Context, entries ...billing.OutboxEntry) error {
	return m.exec(func(v *view) error { return v.AppendOutbox(ctx, entries...) })
}

// =============================================================================
// billing.OutboxStore
// =============================================================================

func (m *Memory) ClaimOutbox(_ context.Context, now time.Time, lease time.Duration, limit int) ([]billing.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []billing.OutboxEntry
	for i := range m.data.outbox {
		e := &m.data.outbox[i]
		if !e.Due(now) {
			continue
		}
		e.Claim(now, lease)
		out = append(out, cloneOutbox(*e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListOutbox returns every entry in append order.
func (m *Memory) ListOutbox(_ context.Context) ([]billing.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]billing.OutboxEntry, len(m.data.outbox))
	for i, e := range m.data.outbox {
		out[i] = cloneOutbox(e)
	}
	return out, nil
}

func (m *Memory) UpdateOutbox(_ context.Context, e billing.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.data.outbox {
		if m.data.outbox[i].ID == e.ID {
			m.data.outbox[i] = cloneOutbox(e)
			return nil
		}
	}
	return fmt.Errorf("outbox entry %s not found", e.ID)
}

func cloneOutbox(e billing.OutboxEntry) billing.OutboxEntry {
	e.Delivered = slices.Clone(e.Delivered)
	return e
}

func (m *Memory) PurgeOutbox(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.data.outbox[:0]
	var purged int64
	for _, e := range m.data.outbox {
		if e.Status == billing.OutboxSent && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.data.outbox = kept
	return purged, nil
}

func (m *Memory) CountOutbox(_ context.Context) (map[billing.OutboxStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[billing.OutboxStatus]int64)
	for _, e := range m.data.outbox {
		counts[e.Status]++
	}
	return counts, nil
}

// =============================================================================
// billing.AuditLog
// =============================================================================

func (m *Memory) RecordAuditEvent(_ context.Context, e billing.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID != "" && slices.ContainsFunc(m.data.audit, func(x billing.AuditEvent) bool { return x.ID == e.ID }) {
		return nil
	}
	m.data.audit = append(m.data.audit, e)
	return nil
}

func (m *Memory) ListAuditEvents(_ context.Context, f billing.AuditFilter) ([]billing.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []billing.AuditEvent
	for i := len(m.data.audit) - 1; i >= 0; i-- {
		e := m.data.audit[i]
		if f.AssociationID != "" && e.AssociationID != f.AssociationID {
			continue
		}
		if f.ObjectType != "" && e.ObjectType != f.ObjectType {
			continue
		}
		if f.ObjectID != "" && e.ObjectID != f.ObjectID {
			continue
		}
		if len(f.Actions) > 0 && !slices.Contains(f.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// VIEW - billing.Store over the tables, no locking (caller holds the mutex)
// =============================================================================

type view struct {
	t *tables
}

func (v *view) SaveAssociation(_ context.Context, a billing.Association) error {
	seq := v.t.next()
	if existing, ok := v.t.associations[a.ID]; ok {
		seq = existing.seq
	}
	v.t.associations[a.ID] = row[billing.Association]{v: a, seq: seq}
	return nil
}

func (v *view) GetAssociation(_ context.Context, id billing.AssociationID) (*billing.Association, error) {
	r, ok := v.t.associations[id]
	if !ok {
		return nil, billing.ErrAssociationNotFound
	}
	a := r.v
	return &a, nil
}

func (v *view) ListAssociations(_ context.Context) ([]billing.Association, error) {
	return sortedValues(v.t.associations, nil), nil
}

func (v *view) SaveMember(_ context.Context, m billing.Member) error {
	v.t.members[m.ID] = m
	return nil
}

func (v *view) GetMember(_ context.Context, id billing.MemberID) (*billing.Member, error) {
	m, ok := v.t.members[id]
	if !ok {
		return nil, billing.ErrMemberNotFound
	}
	return &m, nil
}

func (v *view) CreateMembership(_ context.Context, m billing.Membership) error {
	for _, r := range v.t.memberships {
		if r.v.MemberID == m.MemberID && r.v.AssociationID == m.AssociationID {
			return billing.ErrDuplicateMembership
		}
	}
	v.t.memberships[m.ID] = row[billing.Membership]{v: m, seq: v.t.next()}
	return nil
}

func (v *view) UpdateMembership(_ context.Context, m billing.Membership) error {
	r, ok := v.t.memberships[m.ID]
	if !ok {
		return billing.ErrMembershipNotFound
	}
	r.v = m
	v.t.memberships[m.ID] = r
	return nil
}

func (v *view) GetMembership(_ context.Context, id billing.MembershipID) (*billing.Membership, error) {
	r, ok := v.t.memberships[id]
	if !ok {
		return nil, billing.ErrMembershipNotFound
	}
	m := r.v
	return &m, nil
}

func (v *view) ListMemberships(_ context.Context, f billing.MembershipFilter) ([]billing.Membership, error) {
	return sortedValues(v.t.memberships, func(m billing.Membership) bool {
		if f.AssociationID != "" && m.AssociationID != f.AssociationID {
			return false
		}
		if f.MemberID != "" && m.MemberID != f.MemberID {
			return false
		}
		return len(f.Statuses) == 0 || slices.Contains(f.Statuses, m.Status)
	}), nil
}

func (v *view) SetSubscriptionAnchor(_ context.Context, id billing.MembershipID, anchor billing.Date) (bool, error) {
	r, ok := v.t.memberships[id]
	if !ok {
		return false, billing.ErrMembershipNotFound
	}
	if !r.v.SubscriptionAnchor.IsZero() {
		return false, nil
	}
	r.v.SubscriptionAnchor = anchor
	v.t.memberships[id] = r
	return true, nil
}

func (v *view) SaveFee(_ context.Context, f billing.Fee) error {
	f.ReminderDaysBeforeDue = slices.Clone(f.ReminderDaysBeforeDue)
	seq := v.t.next()
	if existing, ok := v.t.fees[f.ID]; ok {
		seq = existing.seq
	}
	v.t.fees[f.ID] = row[billing.Fee]{v: f, seq: seq}
	return nil
}

func (v *view) GetFee(_ context.Context, id billing.FeeID) (*billing.Fee, error) {
	r, ok := v.t.fees[id]
	if !ok {
		return nil, billing.ErrFeeNotFound
	}
	f := r.v
	f.ReminderDaysBeforeDue = slices.Clone(f.ReminderDaysBeforeDue)
	return &f, nil
}

func (v *view) LatestFee(_ context.Context, assoc billing.AssociationID, typ billing.FeeType) (*billing.Fee, error) {
	var best *row[billing.Fee]
	for _, r := range v.t.fees {
		if r.v.AssociationID != assoc || r.v.Type != typ {
			continue
		}
		if best == nil || r.v.CreatedAt.After(best.v.CreatedAt) ||
			(r.v.CreatedAt.Equal(best.v.CreatedAt) && r.seq > best.seq) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, billing.ErrFeeNotFound
	}
	f := best.v
	f.ReminderDaysBeforeDue = slices.Clone(f.ReminderDaysBeforeDue)
	return &f, nil
}

func (v *view) ListFees(_ context.Context, assoc billing.AssociationID) ([]billing.Fee, error) {
	return sortedValues(v.t.fees, func(f billing.Fee) bool {
		return assoc == "" || f.AssociationID == assoc
	}), nil
}

func (v *view) InsertCharge(_ context.Context, c billing.Charge) error {
	if c.FeeID != "" && !c.Period.IsZero() {
		for _, r := range v.t.charges {
			o := r.v
			if o.MembershipID == c.MembershipID && o.FeeID == c.FeeID &&
				o.Period.Start.Equal(c.Period.Start) && o.Period.End.Equal(c.Period.End) {
				return billing.ErrDuplicateCharge
			}
		}
	}
	c.AmountPaid = decimal.Zero
	v.t.charges[c.ID] = row[billing.Charge]{v: c, seq: v.t.next()}
	return nil
}

func (v *view) GetCharge(_ context.Context, id billing.ChargeID) (*billing.Charge, error) {
	r, ok := v.t.charges[id]
	if !ok {
		return nil, billing.ErrChargeNotFound
	}
	c := v.withPaid(r.v)
	return &c, nil
}

func (v *view) FindCycleCharge(_ context.Context, ms billing.MembershipID, fee billing.FeeID, p billing.Period) (*billing.Charge, error) {
	for _, r := range v.t.charges {
		o := r.v
		if o.MembershipID == ms && o.FeeID == fee && o.Period.Start.Equal(p.Start) && o.Period.End.Equal(p.End) {
			c := v.withPaid(o)
			return &c, nil
		}
	}
	return nil, billing.ErrChargeNotFound
}

// FindOpenFeeCharge returns the most recent open period-less charge.
func (v *view) FindOpenFeeCharge(_ context.Context, ms billing.MembershipID, fee billing.FeeID) (*billing.Charge, error) {
	var best *row[billing.Charge]
	for _, r := range v.t.charges {
		o := r.v
		if o.MembershipID != ms || o.FeeID != fee || !o.Period.IsZero() || !o.IsOpen() {
			continue
		}
		if best == nil || r.seq > best.seq {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, billing.ErrChargeNotFound
	}
	c := v.withPaid(best.v)
	return &c, nil
}

// ListCharges orders by due date (charges without one last), then creation.
func (v *view) ListCharges(_ context.Context, f billing.ChargeFilter) ([]billing.Charge, error) {
	paid := v.paidTotals()
	rows := make([]row[billing.Charge], 0)
	for _, r := range v.t.charges {
		c := r.v
		if f.AssociationID != "" && c.AssociationID != f.AssociationID {
			continue
		}
		if f.MembershipID != "" && c.MembershipID != f.MembershipID {
			continue
		}
		if len(f.Purposes) > 0 && !slices.Contains(f.Purposes, c.Purpose) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
			continue
		}
		if f.OverdueOnly && !c.IsOverdue {
			continue
		}
		if !f.DueFrom.IsZero() || !f.DueTo.IsZero() {
			if c.DueDate.IsZero() {
				continue
			}
			if !f.DueFrom.IsZero() && c.DueDate.Before(f.DueFrom) {
				continue
			}
			if !f.DueTo.IsZero() && c.DueDate.After(f.DueTo) {
				continue
			}
		}
		c.AmountPaid = paid[c.ID]
		rows = append(rows, row[billing.Charge]{v: c, seq: r.seq})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].v.DueDate, rows[j].v.DueDate
		switch {
		case a.IsZero() != b.IsZero():
			return !a.IsZero()
		case !a.Equal(b):
			return a.Before(b)
		default:
			return rows[i].seq < rows[j].seq
		}
	})

	out := make([]billing.Charge, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out, nil
}

func (v *view) UpdateChargeState(_ context.Context, id billing.ChargeID, status billing.ChargeStatus, overdue bool) error {
	r, ok := v.t.charges[id]
	if !ok {
		return billing.ErrChargeNotFound
	}
	r.v.Status = status
	r.v.IsOverdue = overdue
	v.t.charges[id] = r
	return nil
}

func (v *view) InsertPayment(_ context.Context, p billing.Payment) error {
	if _, ok := v.t.charges[p.ChargeID]; !ok {
		return billing.ErrChargeNotFound
	}
	v.t.payments[p.ID] = row[billing.Payment]{v: p, seq: v.t.next()}
	return nil
}

func (v *view) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	r, ok := v.t.payments[id]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	p := r.v
	return &p, nil
}

func (v *view) ListPayments(_ context.Context, chargeID billing.ChargeID) ([]billing.Payment, error) {
	return sortedValues(v.t.payments, func(p billing.Payment) bool {
		return p.ChargeID == chargeID
	}), nil
}

func (v *view) SetPaymentStatus(_ context.Context, id billing.PaymentID, status billing.PaymentStatus) error {
	r, ok := v.t.payments[id]
	if !ok {
		return billing.ErrPaymentNotFound
	}
	r.v.Status = status
	v.t.payments[id] = r
	return nil
}

func (v *view) InsertReminderLog(_ context.Context, l billing.ReminderLog) error {
	for _, o := range v.t.reminders {
		if o.ChargeID == l.ChargeID && o.Type == l.Type && o.ScheduledFor.Equal(l.ScheduledFor) {
			return billing.ErrDuplicateReminder
		}
	}
	v.t.reminders[l.ID] = l
	return nil
}

func (v *view) FindReminderLog(_ context.Context, chargeID billing.ChargeID, typ billing.ReminderType, day billing.Date) (*billing.ReminderLog, error) {
	for _, o := range v.t.reminders {
		if o.ChargeID == chargeID && o.Type == typ && o.ScheduledFor.Equal(day) {
			l := o
			return &l, nil
		}
	}
	return nil, billing.ErrReminderNotFound
}

func (v *view) MarkReminderSent(_ context.Context, id billing.ReminderLogID, at time.Time) error {
	l, ok := v.t.reminders[id]
	if !ok {
		return billing.ErrReminderNotFound
	}
	l.SentAt = &at
	v.t.reminders[id] = l
	return nil
}

func (v *view) DeleteReminderLog(_ context.Context, id billing.ReminderLogID) error {
	delete(v.t.reminders, id)
	return nil
}

func (v *view) AppendOutbox(_ context.Context, entries ...billing.OutboxEntry) error {
	v.t.outbox = append(v.t.outbox, entries...)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (v *view) withPaid(c billing.Charge) billing.Charge {
	total := decimal.Zero
	for _, r := range v.t.payments {
		if r.v.ChargeID == c.ID && r.v.Status == billing.PaymentRecorded {
			total = total.Add(r.v.AmountPaid)
		}
	}
	c.AmountPaid = total
	return c
}

func (v *view) paidTotals() map[billing.ChargeID]decimal.Decimal {
	totals := make(map[billing.ChargeID]decimal.Decimal)
	for _, r := range v.t.payments {
		if r.v.Status != billing.PaymentRecorded {
			continue
		}
		totals[r.v.ChargeID] = totals[r.v.ChargeID].Add(r.v.AmountPaid)
	}
	return totals
}

// sortedValues returns values in insertion order, optionally filtered.
func sortedValues[K comparable, T any](m map[K]row[T], keep func(T) bool) []T {
	rows := make([]row[T], 0, len(m))
	for _, r := range m {
		if keep == nil || keep(r.v) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out
}

var (
	_ billing.TxStore     = (*Memory)(nil)
	_ billing.OutboxStore = (*Memory)(nil)
	_ billing.AuditLog    = (*Memory)(nil)
)
