package offline

import (
	"context"
	"strings"

	"github.com/always-cache/offline/pkg/clients"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	DefaultPushBody   = "You have a new update"
	NotificationIcon  = "/icons/icon-192x192.png"
	NotificationBadge = "/icons/icon-72x72.png"

	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Notification builds the notification shown for a push payload.
// Text payloads become the body; JSON payloads may also set the title and url.
func (wk *Worker) Notification(payload []byte) clients.Notification {
	n := clients.Notification{
		ID:    uuid.NewString(),
		Title: wk.appName,
		Body:  DefaultPushBody,
		Icon:  NotificationIcon,
		Badge: NotificationBadge,
		URL:   "/",
		Actions: []clients.Action{
			{Action: ActionOpen, Title: "Open app"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return n
	}
	var p pushPayload
	if strings.HasPrefix(text, "{") && json.Unmarshal(payload, &p) == nil {
		if p.Title != "" {
			n.Title = p.Title
		}
		if p.Body != "" {
			n.Body = p.Body
		}
		if p.URL != "" {
			n.URL = p.URL
		}
		return n
	}
	n.Body = text
	return n
}

func (wk *Worker) push(ctx context.Context, ev Event) error {
	n := wk.Notification(ev.Data)
	if wk.clients == nil {
		wk.log.Debug().Str("body", n.Body).Msg("No clients to notify")
		return nil
	}
	return wk.clients.ShowNotification(ctx, n)
}

func (wk *Worker) notificationClick(ctx context.Context, ev Event) error {
	if wk.clients == nil {
		return nil
	}
	if err := wk.clients.CloseNotification(ctx, ev.NotificationID); err != nil {
		return err
	}
	if ev.Action == ActionOpen {
		return wk.clients.FocusOrOpen(ctx, "/")
	}
	return nil
}
