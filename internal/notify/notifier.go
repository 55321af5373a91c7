// Package notify tells operators about settlement milestones over Telegram
// and Discord. Each notification carries an event type, and operators pick
// the types they want in config.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Notification event types.
const (
	EventResolved = "resolved"
	EventVoided   = "voided"
	EventHalted   = "halted"
	EventClaimed  = "claimed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans notifications out to its senders, dropping event types that
// are not in the allowed set. An empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders.
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

// Notify sends to every sender if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// MarketEvent notifies about a committed settlement event. Kinds without a
// notification type are ignored.
func (n *Notifier) MarketEvent(ctx context.Context, m domain.Market, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventResolutionAccepted:
		return n.Notify(ctx, EventResolved,
			fmt.Sprintf("Market %s resolved", m.ID),
			fmt.Sprintf("Outcome %s at %s", m.Outcomes.Label(ev.Outcome), ev.At.Format("2006-01-02 15:04:05Z")))
	case domain.EventResolutionVoided:
		return n.Notify(ctx, EventVoided,
			fmt.Sprintf("Market %s voided", m.ID),
			"The oracle answer was disputed. Every stake is refundable.")
	case domain.EventClaimed:
		return n.Notify(ctx, EventClaimed,
			fmt.Sprintf("Claim on %s", m.ID),
			fmt.Sprintf("%s received %s %s", ev.Participant.Hex(), m.Asset.Format(&ev.Amount), m.Asset.Symbol))
	}
	return nil
}

// Halted reports a tripped circuit breaker.
func (n *Notifier) Halted(ctx context.Context, marketID string, cause error) error {
	return n.Notify(ctx, EventHalted,
		fmt.Sprintf("Market %s halted", marketID),
		fmt.Sprintf("Claims stopped: %v", cause))
}

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
