/*
Package notify renders and sends member-facing billing messages.

MESSAGES:
  Payment received          after a payment is recorded
  Subscription reminder     before the due date, when overdue, final notice
  Membership assigned       after a member is added to an association

DELIVERY:
  Notifier renders a Message and hands it to a Sender. LogSender writes the
  message to zap; a mail transport only needs to implement Sender.
  Members without an email address are skipped silently.

OUTBOX:
  EventHandler is registered on the outbox processor and maps committed
  payment_recorded and membership_created events to notifications. Send
  failures are logged and never fail the delivery, so the audit handler is
  not retried because of an unreachable mail server.
*/
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

const DefaultFrom = "Campus Nexus <no-reply@campusnexus.local>"

// Message is a plain-text email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier implements billing.Notifier on top of a Sender.
type Notifier struct {
	sender Sender
	from   string
}

func New(sender Sender, from string) *Notifier {
	if from == "" {
		from = DefaultFrom
	}
	return &Notifier{sender: sender, from: from}
}

func (n *Notifier) SendPaymentRecorded(ctx context.Context, notice billing.PaymentNotice) error {
	if notice.MemberEmail == "" {
		return nil
	}
	return n.send(ctx, notice.MemberEmail, PaymentRecordedMessage(notice))
}

func (n *Notifier) SendSubscriptionReminder(ctx context.Context, notice billing.ReminderNotice) (bool, error) {
	if notice.MemberEmail == "" {
		return false, nil
	}
	if err := n.send(ctx, notice.MemberEmail, SubscriptionReminderMessage(notice)); err != nil {
		return false, err
	}
	return true, nil
}

func (n *Notifier) SendMembershipAssigned(ctx context.Context, notice billing.MembershipNotice) error {
	if notice.MemberEmail == "" {
		return nil
	}
	return n.send(ctx, notice.MemberEmail, MembershipAssignedMessage(notice))
}

func (n *Notifier) send(ctx context.Context, to string, msg Message) error {
	msg.From = n.from
	msg.To = to
	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %q to %s: %w", msg.Subject, to, err)
	}
	return nil
}

// =============================================================================
// RENDERING
// =============================================================================

func PaymentRecordedMessage(n billing.PaymentNotice) Message {
	purpose := n.Purpose
	if purpose == "" {
		purpose = "Payment"
	}
	reference := n.ReferenceCode
	if reference == "" {
		reference = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", n.MemberName)
	b.WriteString("Your payment has been recorded in Campus Nexus.\n\n")
	fmt.Fprintf(&b, "Association: %s\n", n.AssociationName)
	fmt.Fprintf(&b, "Purpose: %s\n", purpose)
	fmt.Fprintf(&b, "Amount Paid: %s\n", n.AmountPaid.StringFixed(2))
	fmt.Fprintf(&b, "Payment Method: %s\n", n.Method.Label())
	fmt.Fprintf(&b, "Reference: %s\n", reference)
	fmt.Fprintf(&b, "Paid At: %s\n\n", n.PaidAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Remaining Balance: %s\n\n", n.Balance.StringFixed(2))
	b.WriteString("Thank you.\nCampus Nexus")

	return Message{
		Subject: "Payment received - " + n.AssociationName,
		Body:    b.String(),
	}
}

func SubscriptionReminderMessage(n billing.ReminderNotice) Message {
	var subject, lead string
	switch n.Type {
	case billing.ReminderOverdue:
		subject = "Subscription overdue: " + n.AssociationName
		lead = fmt.Sprintf("Your subscription for '%s' is overdue.", n.AssociationName)
	case billing.ReminderFinalWarning:
		subject = "Final notice: " + n.AssociationName
		lead = fmt.Sprintf("Your subscription for '%s' is overdue and has reached the limit of missed cycles. "+
			"Your membership may be suspended if it stays unpaid.", n.AssociationName)
	default:
		subject = "Subscription reminder: " + n.AssociationName
		lead = fmt.Sprintf("This is a reminder that your subscription for '%s' is due.", n.AssociationName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", n.MemberFirstName)
	b.WriteString(lead + "\n\n")
	fmt.Fprintf(&b, "Amount due: %s\n", n.AmountDue.StringFixed(2))
	fmt.Fprintf(&b, "Amount paid: %s\n", n.AmountPaid.StringFixed(2))
	fmt.Fprintf(&b, "Balance: %s\n", n.Balance.StringFixed(2))
	fmt.Fprintf(&b, "Due date: %s\n", n.DueDate)
	fmt.Fprintf(&b, "Days left: %d\n\n", n.DaysLeft)
	b.WriteString("Thank you,\nCampus Nexus")

	return Message{Subject: subject, Body: b.String()}
}

func MembershipAssignedMessage(n billing.MembershipNotice) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", n.MemberName)
	fmt.Fprintf(&b, "You have been added as a member of %s on Campus Nexus.\n\n", n.AssociationName)
	fmt.Fprintf(&b, "Status: %s\n", statusLabel(n.Status))
	fmt.Fprintf(&b, "Joined on: %s\n\n", n.JoinedAt.Format("2006-01-02 15:04"))
	b.WriteString("If you believe this was a mistake, please contact your association admin.\n\n")
	b.WriteString("Regards,\nCampus Nexus")

	return Message{
		Subject: fmt.Sprintf("You've joined %s on Campus Nexus", n.AssociationName),
		Body:    b.String(),
	}
}

func statusLabel(s billing.MembershipStatus) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// =============================================================================
// SENDERS
// =============================================================================

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("mail")}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("email",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

var _ billing.Notifier = (*Notifier)(nil)
