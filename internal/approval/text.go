package approval

import (
	"fmt"
	"strings"

	kit "approvebot/internal/transport"
)

func chatTitleOr(req *kit.JoinRequest, fallback string) string {
	if strings.TrimSpace(req.ChatTitle) != "" {
		return req.ChatTitle
	}
	return fallback
}

func welcomeText(req *kit.JoinRequest, promotion string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome, %s!\n", req.FirstName)
	fmt.Fprintf(&b, "You have been approved to join %s.", chatTitleOr(req, "the channel/group"))
	if promotion != "" {
		b.WriteString("\n\n")
		b.WriteString(promotion)
	}
	return b.String()
}

func dataLogText(req *kit.JoinRequest) string {
	username := "None"
	if req.Username != "" {
		username = "@" + req.Username
	}
	return fmt.Sprintf(
		"🔔 New Join Request Approved\n\n"+
			"👤 User: %s\n"+
			"🆔 User ID: %d\n"+
			"🎭 Username: %s\n"+
			"🏷️ Channel : %s\n"+
			"🗨️ Chat ID: %d",
		req.FullName, req.UserID, username, chatTitleOr(req, "Unknown"), req.ChatID,
	)
}

func adminLogText(req *kit.JoinRequest) string {
	return fmt.Sprintf("Auto-approved %s (%d) in %s", req.FullName, req.UserID, req.ChatTitle)
}
