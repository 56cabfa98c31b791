// Package notify delivers operator alerts for trade lifecycle events.
// Notifications fan out to all configured senders (Telegram, Discord) and can
// be filtered by event type so operators receive only the alerts they care
// about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// Event types emitted by the engine.
const (
	EventOrderFilled   = "order_filled"
	EventOrderFailed   = "order_failed"
	EventOrderExpired  = "order_expired"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClosed = "breaker_closed"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier dispatches notifications to one or more Senders, filtered by an
// allowed set of event types.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that delivers to the given senders. Only
// events whose type appears in the events slice are forwarded by Notify; an
// empty list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a notification if the event type passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyFill formats and sends an order-filled alert.
func (n *Notifier) NotifyFill(ctx context.Context, order domain.Order) error {
	title := fmt.Sprintf("Order filled: %s %s", strings.ToUpper(string(order.Params.Side)), order.Params.TokenMint)
	message := fmt.Sprintf(
		"price %.12g, amount %d, tx %s",
		order.FilledPrice, order.FilledAmount, order.TxSignature,
	)
	return n.Notify(ctx, EventOrderFilled, title, message)
}

// NotifyFailure formats and sends an order-failure alert. A confirmation
// timeout is flagged explicitly: the transaction may still land, and the
// operator must reconcile rather than assume the funds are safe.
func (n *Notifier) NotifyFailure(ctx context.Context, order domain.Order, res domain.ExecutionResult) error {
	title := fmt.Sprintf("Order failed: %s %s", strings.ToUpper(string(order.Params.Side)), order.Params.TokenMint)
	message := fmt.Sprintf("%s: %s", res.ErrKind, res.Message)
	if res.ErrKind == domain.KindConfirmationTimeout && res.Signature != "" {
		message += fmt.Sprintf("\noutcome unknown: tx %s was sent and may still confirm", res.Signature)
	}
	return n.Notify(ctx, EventOrderFailed, title, message)
}

// NotifyBreaker reports a protected-path circuit state change.
func (n *Notifier) NotifyBreaker(ctx context.Context, name, from, to string) error {
	event := EventBreakerClosed
	if to == "open" {
		event = EventBreakerOpen
	}
	return n.Notify(ctx, event,
		fmt.Sprintf("Circuit %s: %s", name, to),
		fmt.Sprintf("state changed %s -> %s", from, to),
	)
}

// dispatch iterates over all senders. A single sender failure does not stop
// delivery to the rest; failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
