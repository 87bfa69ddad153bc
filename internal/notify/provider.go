// Package notify delivers transition notifications through the configured
// channels. Each channel fans out to its enabled sub-providers; providers
// are opaque sinks that either accept an event or fail, and a failure never
// affects sibling providers.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
)

// Provider is one notification sink.
type Provider interface {
	Name() string
	Send(ctx context.Context, ev events.TransitionEvent) error
}

// providersFor expands a channel into its enabled sub-providers.
func providersFor(ch *config.ChannelConfig, client *http.Client) []Provider {
	var out []Provider
	if ch.Email != nil && ch.Email.Enabled {
		out = append(out, &emailProvider{cfg: ch.Email})
	}
	if ch.Discord != nil && ch.Discord.Enabled {
		out = append(out, &discordProvider{cfg: ch.Discord, client: client})
	}
	if ch.Ntfy != nil && ch.Ntfy.Enabled {
		out = append(out, &ntfyProvider{cfg: ch.Ntfy, client: client})
	}
	if ch.Telegram != nil && ch.Telegram.Enabled {
		out = append(out, &telegramProvider{cfg: ch.Telegram, client: client})
	}
	if ch.Webhook != nil && ch.Webhook.Enabled {
		out = append(out, &webhookProvider{cfg: ch.Webhook, client: client})
	}
	return out
}

// Subject renders the one-line summary used by every provider.
func Subject(ev events.TransitionEvent) string {
	switch ev.Type {
	case "down":
		return fmt.Sprintf("[DOWN] %s is down", ev.Name)
	case "still-down":
		return fmt.Sprintf("[STILL DOWN] %s has been down for %s", ev.Name, formatDowntime(ev.Downtime))
	case "degraded":
		return fmt.Sprintf("[DEGRADED] %s is degraded", ev.Name)
	case "recovered":
		if ev.Downtime > 0 {
			return fmt.Sprintf("[RECOVERED] %s is back up after %s", ev.Name, formatDowntime(ev.Downtime))
		}
		return fmt.Sprintf("[RECOVERED] %s is back up", ev.Name)
	}
	return fmt.Sprintf("[%s] %s", strings.ToUpper(ev.Type), ev.Name)
}

// Body renders the multi-line detail text.
func Body(ev events.TransitionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s %s) changed state: %s\n", ev.Name, ev.SourceType, ev.ID, ev.Type)
	fmt.Fprintf(&b, "Time: %s\n", ev.Timestamp.UTC().Format(time.RFC3339))
	if ev.Downtime > 0 {
		fmt.Fprintf(&b, "Downtime: %s\n", formatDowntime(ev.Downtime))
	}
	if ev.GroupInfo != nil {
		fmt.Fprintf(&b, "Children: %d up, %d down, %d unknown of %d\n",
			ev.GroupInfo.Up, ev.GroupInfo.Down, ev.GroupInfo.Unknown, ev.GroupInfo.Total)
	}
	return b.String()
}

func formatDowntime(d time.Duration) string {
	return d.Round(time.Second).String()
}
