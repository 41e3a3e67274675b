package telegram

import (
	"context"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

// responder replies to one originating message.
type responder struct {
	a        *Adapter
	chatID   int64
	threadID int
	msgID    int
}

var _ transport.Responder = (*responder)(nil)

// Reply sends text as Markdown, retrying as plain text when Telegram rejects
// the markup.
func (r *responder) Reply(ctx context.Context, text string) error {
	chunks := splitText(text, textLimit)
	for i, chunk := range chunks {
		replyTo := 0
		if i == 0 {
			replyTo = r.msgID
		}
		err := r.send(ctx, chunk, string(tele.ModeMarkdown), replyTo)
		if err != nil {
			r.a.log.Debug("markdown reply rejected; retrying plain", logx.Err(err))
			err = r.send(ctx, chunk, "", replyTo)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *responder) send(ctx context.Context, text, parseMode string, replyTo int) error {
	if err := r.a.wait(ctx); err != nil {
		return err
	}
	opt := &tele.SendOptions{ParseMode: tele.ParseMode(parseMode), ThreadID: r.threadID}
	if replyTo != 0 {
		opt.ReplyTo = &tele.Message{ID: replyTo}
		opt.AllowWithoutReply = true
	}
	_, err := r.a.bot.Send(tele.ChatID(r.chatID), text, opt)
	return err
}

// React replaces the bot's reaction on the originating message.
func (r *responder) React(ctx context.Context, emoji string) error {
	if err := r.a.wait(ctx); err != nil {
		return err
	}
	msg := tele.StoredMessage{MessageID: strconv.Itoa(r.msgID), ChatID: r.chatID}
	return r.a.bot.React(tele.ChatID(r.chatID), msg, tele.Reactions{
		Reactions: []tele.Reaction{{Type: tele.ReactionTypeEmoji, Emoji: emoji}},
	})
}

// ResolveMembership asks Telegram for the user's status in chatID.
func (a *Adapter) ResolveMembership(ctx context.Context, chatID, userID int64) (*transport.Membership, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	m, err := a.bot.ChatMemberOf(tele.ChatID(chatID), tele.ChatID(userID))
	if err != nil {
		return nil, err
	}
	return &transport.Membership{IsAdmin: isAdminRole(m.Role)}, nil
}

func isAdminRole(role tele.MemberStatus) bool {
	return role == tele.Administrator || role == tele.Creator
}
