package transport

import (
	"context"
	"time"
)

// Event is an inbound chat message as seen by the dispatch engine.
type Event struct {
	ID         int
	ChatID     int64
	ThreadID   int
	SenderID   int64
	SenderName string
	Text       string
	IsGroup    bool
	// At is when the message was sent (zero if unknown).
	At time.Time

	// Quoted is the message this one replies to (nil if none).
	Quoted *Quoted

	// Responder is bound to this message; replies and reactions land in the same chat.
	Responder Responder
}

// Quoted is the accessor for a replied-to message.
type Quoted struct {
	ID       int
	SenderID int64
	Text     string
}

// IsQuoted reports whether the event replies to another message.
func (e *Event) IsQuoted() bool { return e != nil && e.Quoted != nil }

// Responder is the outbound capability bound to an originating message.
type Responder interface {
	Reply(ctx context.Context, text string) error
	React(ctx context.Context, emoji string) error
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a messaging transport.
type Adapter interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	// SelfID is the bot's own user id (0 until known).
	SelfID() int64
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// Membership is a group roster entry.
type Membership struct {
	IsAdmin bool
}

// Roster resolves a user's membership in a group.
//
// A nil membership means "unknown" and callers must treat it as not admin.
type Roster interface {
	ResolveMembership(ctx context.Context, chatID, userID int64) (*Membership, error)
}
