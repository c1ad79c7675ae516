// Package telegram adapts the notification and group-update interfaces to
// the Telegram Bot API via telebot. The bot only sends; it never polls for
// updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "rotabot/pkg/logx"
)

type Config struct {
	Token string
	// AdminChatID receives summaries and the on-duty member list.
	AdminChatID int64
	// AdminThreadID targets a forum topic inside the admin chat (0 = none).
	AdminThreadID int
}

type Adapter struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger

	// Last posted member-list message; edited in place on later updates.
	mu        sync.Mutex
	memberMsg *tele.Message
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, bot: b, log: log}, nil
}

// SendDirect messages one user. Telegram direct chats share the user's id.
func (a *Adapter) SendDirect(ctx context.Context, userID int64, text string) error {
	if userID == 0 {
		return errors.New("telegram: empty recipient")
	}
	return a.send(ctx, &tele.Chat{ID: userID}, text, 0)
}

// SendAdmin posts to the configured admin chat/topic.
func (a *Adapter) SendAdmin(ctx context.Context, text string) error {
	if a.cfg.AdminChatID == 0 {
		return errors.New("telegram: admin chat not configured")
	}
	return a.send(ctx, &tele.Chat{ID: a.cfg.AdminChatID}, text, a.cfg.AdminThreadID)
}

// SetActiveMembers mirrors the deduplicated on-duty list into the admin
// chat: the previous list message is edited when possible so the topic
// keeps a single authoritative entry.
func (a *Adapter) SetActiveMembers(ctx context.Context, userIDs []int64) error {
	if a.cfg.AdminChatID == 0 {
		return errors.New("telegram: admin chat not configured")
	}
	text := memberListText(userIDs)
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
		ThreadID:              a.cfg.AdminThreadID,
	}

	a.mu.Lock()
	prev := a.memberMsg
	a.mu.Unlock()

	if prev != nil {
		if _, err := a.bot.Edit(prev, text, opt); err == nil {
			return nil
		}
		// Edit can fail when the message was deleted or is too old; fall
		// through and post a fresh one.
	}

	msg, err := a.bot.Send(&tele.Chat{ID: a.cfg.AdminChatID}, text, opt)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.memberMsg = msg
	a.mu.Unlock()
	return nil
}

func (a *Adapter) send(ctx context.Context, chat *tele.Chat, text string, threadID int) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	start := time.Now()
	_, err := a.bot.Send(chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	})
	if err != nil {
		return err
	}
	a.log.Trace("telegram send", logx.Int64("chat", chat.ID), logx.Duration("took", time.Since(start)))
	return nil
}

func memberListText(userIDs []int64) string {
	if len(userIDs) == 0 {
		return "On duty: nobody assigned"
	}
	parts := make([]string, len(userIDs))
	for i, id := range userIDs {
		parts[i] = fmt.Sprintf("[user](tg://user?id=%d)", id)
	}
	return "On duty: " + strings.Join(parts, ", ")
}
