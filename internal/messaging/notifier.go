package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/eventbus"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

// Sender delivers one message to a chat.
type Sender interface {
	SendMessage(ctx context.Context, botToken, chatID, text string) error
}

// TenantLookup resolves a slug to its messaging settings.
type TenantLookup interface {
	Lookup(slug string) (tenant.Tenant, bool)
}

// Notifier posts lifecycle events to the owning tenant's group.
type Notifier struct {
	sender  Sender
	tenants TenantLookup
	logger  *zap.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(sender Sender, tenants TenantLookup, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sender: sender, tenants: tenants, logger: logger.With(zap.String("component", "notifier"))}
}

// Run consumes events until events is closed or ctx is done.
func (n *Notifier) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			n.Notify(ctx, evt)
		}
	}
}

// Notify sends one event. Tenants without messaging and unknown event types
// are skipped; delivery failures are logged only.
func (n *Notifier) Notify(ctx context.Context, evt eventbus.Event) {
	text := messageFor(evt)
	if text == "" {
		return
	}
	t, ok := n.tenants.Lookup(evt.Tenant)
	if !ok || !t.HasMessaging() {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if err := n.sender.SendMessage(sctx, t.TelegramBotToken, t.TelegramChatID, text); err != nil {
		n.logger.Warn("failed to deliver group notification",
			zap.String("tenant", evt.Tenant),
			zap.String("type", evt.Type),
			zap.Error(err))
	}
}

func messageFor(evt eventbus.Event) string {
	switch evt.Type {
	case eventbus.TypeTenantProvisioned:
		return fmt.Sprintf("%s set up this egregore instance.", evt.Actor)
	case eventbus.TypeTenantJoined:
		return fmt.Sprintf("%s joined.", evt.Actor)
	case eventbus.TypeInviteAccepted:
		return fmt.Sprintf("%s accepted an invitation and joined.", evt.Actor)
	}
	return ""
}
