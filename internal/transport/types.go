package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateJoinRequest UpdateKind = "join_request"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	JoinRequest *JoinRequest
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// JoinRequest is a pending request by a user to join a restricted chat.
// It is ephemeral: the platform may expire or withdraw it at any time.
type JoinRequest struct {
	ChatID    int64
	ChatTitle string

	UserID    int64
	FirstName string
	FullName  string
	Username  string // without leading @, empty if the user has none
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

	// ApproveJoinRequest grants the pending join request for user in chat.
	// The call is not idempotent on the platform side: approving an already
	// resolved request returns an error.
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
}
