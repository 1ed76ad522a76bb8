package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// loanEvent is the wire shape of lifecycle events on the loans channel.
type loanEvent struct {
	Event          string `json:"event"`
	LoanID         string `json:"loan_id"`
	Wallet         string `json:"wallet"`
	CapturedAmount int64  `json:"captured_amount"`
	ExternalRef    string `json:"external_ref"`
	Error          string `json:"error"`
}

// Bridge consumes lifecycle events off the signal bus and forwards them as
// operator notifications. It is the only consumer-side coupling between the
// bus and the notification channels.
type Bridge struct {
	bus      domain.SignalBus
	notifier *Notifier
	channel  string
	logger   *slog.Logger
}

// NewBridge creates a bridge reading events from the given bus channel.
func NewBridge(bus domain.SignalBus, notifier *Notifier, channel string, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		channel:  channel,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Run subscribes to the event channel and forwards events until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	msgs, err := b.bus.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", b.channel, err)
	}

	b.logger.InfoContext(ctx, "notify_bridge: started",
		slog.String("channel", b.channel),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev loanEvent
			if err := json.Unmarshal(msg, &ev); err != nil || ev.Event == "" {
				continue
			}
			title, body := render(ev)
			if err := b.notifier.Notify(ctx, ev.Event, title, body); err != nil {
				b.logger.WarnContext(ctx, "notify_bridge: delivery failed",
					slog.String("event", ev.Event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// render turns a lifecycle event into an operator-readable notification.
func render(ev loanEvent) (title, body string) {
	switch ev.Event {
	case "loan_created":
		return "Loan opened",
			fmt.Sprintf("Loan %s opened for wallet %s.", ev.LoanID, ev.Wallet)
	case "loan_charged":
		return "Loan charged",
			fmt.Sprintf("Loan %s charged %d (ref %s).", ev.LoanID, ev.CapturedAmount, ev.ExternalRef)
	case "loan_released":
		return "Loan released",
			fmt.Sprintf("Loan %s released, hold returned to cardholder.", ev.LoanID)
	case "upstream_rejected":
		return "Processor rejected settlement",
			fmt.Sprintf("Loan %s: %s", ev.LoanID, ev.Error)
	case "settlement_commit_failed":
		return "ACTION REQUIRED: settlement commit failed",
			fmt.Sprintf("Loan %s captured at the processor (ref %s) but the local status update failed: %s",
				ev.LoanID, ev.ExternalRef, ev.Error)
	default:
		return ev.Event, fmt.Sprintf("Loan %s, wallet %s.", ev.LoanID, ev.Wallet)
	}
}
