package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"approvebot/internal/transport/telegram/router"
	"approvebot/pkg/logx"
)

const startText = "Hi — I am your Auto-Approve Bot.\n\n" +
	"Admin Commands:\n" +
	"/users - Show stored users count\n" +
	"/broadcast <message> - Send message to all stored users\n" +
	"/promotion <text> - Set promotion message sent after approval\n" +
	"/details - Show join counts per channel\n"

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "show help",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				_, err := req.Adapter.SendText(ctx, req.Chat, startText, nil)
				return err
			},
		},
		{
			Name:        "promotion",
			Description: "set the promotion message sent after approval",
			Usage:       "/promotion Your promotional message here",
			Access:      router.AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      a.handlePromotion,
		},
		{
			Name:        "users",
			Description: "show stored users count",
			Access:      router.AccessAdminOnly,
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				text := fmt.Sprintf("Total stored users: %d", a.store.TotalUsers())
				_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
				return err
			},
		},
		{
			Name:        "details",
			Description: "show join counts per channel",
			Access:      router.AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      a.handleDetails,
		},
		{
			Name:        "broadcast",
			Description: "send a message to all stored users",
			Usage:       "/broadcast Your message here",
			Access:      router.AccessAdminOnly,
			// No timeout: a large broadcast legitimately takes minutes; the
			// engine itself bounds concurrency and honors ctx cancellation.
			Handle: a.handleBroadcast,
		},
	}
}

func (a *App) handlePromotion(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(req.ArgText)
	if text == "" {
		_, err := req.Adapter.SendText(ctx, req.Chat, "Usage: /promotion Your promotional message here", nil)
		return err
	}

	a.store.SetPromotion(text)
	if err := a.store.Persist(ctx); err != nil {
		req.Logger.Error("persist failed after promotion update", logx.Err(err))
	}

	_, err := req.Adapter.SendText(ctx, req.Chat, "Promotion message saved.", nil)
	return err
}

func (a *App) handleDetails(ctx context.Context, req *router.Request) error {
	counts := a.store.ChannelCounts()
	if len(counts) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "No data yet.", nil)
		return err
	}

	lines := make([]string, 0, len(counts))
	for _, c := range counts {
		title := c.Title
		if title == "" {
			title = fmt.Sprintf("%d", c.ChatID)
		}
		lines = append(lines, fmt.Sprintf("%s (%d) - %d approved users", title, c.ChatID, c.Users))
	}

	// The adapter chunks messages over the Telegram length limit.
	_, err := req.Adapter.SendText(ctx, req.Chat, strings.Join(lines, "\n"), nil)
	return err
}

func (a *App) handleBroadcast(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(req.ArgText)
	if text == "" {
		_, err := req.Adapter.SendText(ctx, req.Chat, "Usage: /broadcast Your message here", nil)
		return err
	}

	recipients := a.store.RecipientIDs()
	rep := a.engine.Run(ctx, text, recipients)

	reply := fmt.Sprintf("Broadcast complete. Sent: %d, Failed: %d", rep.Sent, rep.Failed)
	_, err := req.Adapter.SendText(ctx, req.Chat, reply, nil)
	return err
}
