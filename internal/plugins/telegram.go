package plugins

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// telegramSource drains bot updates. The update offset is the cursor, so the
// same message is never ingested twice even across restarts.
type telegramSource struct {
	name    string
	bot     *tgbotapi.BotAPI
	chats   map[string]bool // empty = all chats the bot sees
	cursors service.CursorStorer
}

func newTelegramSource(name string, params map[string]any, deps Deps) (*telegramSource, error) {
	token := paramStr(params, "botToken", "")
	if token == "" {
		return nil, service.ConfigErrorf("source %q: botToken is required", name)
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, service.RetryableErr(fmt.Errorf("telegram connect: %w", err))
	}

	chats := map[string]bool{}
	for _, id := range paramStrList(params, "chatIds") {
		chats[id] = true
	}

	return &telegramSource{name: name, bot: bot, chats: chats, cursors: deps.Cursors}, nil
}

func (s *telegramSource) Name() string { return s.name }

func (s *telegramSource) cursorKey() string { return "telegram-" + s.name }

func (s *telegramSource) FetchItems(ctx context.Context) ([]service.ContentItem, error) {
	token, err := s.cursors.GetCursor(ctx, s.cursorKey())
	if err != nil {
		return nil, err
	}
	offset := 0
	if token != "" {
		offset, _ = strconv.Atoi(token)
	}

	req := tgbotapi.NewUpdate(offset)
	req.Timeout = 0
	req.Limit = 100

	updates, err := s.bot.GetUpdates(req)
	if err != nil {
		return nil, service.RetryableErr(fmt.Errorf("telegram updates: %w", err))
	}

	var out []service.ContentItem
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		msg := u.Message
		if msg == nil || msg.Text == "" {
			continue
		}
		chatID := strconv.FormatInt(msg.Chat.ID, 10)
		if len(s.chats) > 0 && !s.chats[chatID] {
			continue
		}

		author := ""
		if msg.From != nil {
			author = msg.From.UserName
		}
		out = append(out, service.ContentItem{
			CID:    fmt.Sprintf("telegram-%s-%d", chatID, msg.MessageID),
			Type:   "telegramMessage",
			Source: s.name,
			Text:   msg.Text,
			Date:   int64(msg.Date),
			Metadata: map[string]any{
				"chatId":    chatID,
				"messageId": msg.MessageID,
				"author":    author,
			},
		})
	}

	if next != offset {
		if err := s.cursors.SetCursor(ctx, s.cursorKey(), strconv.Itoa(next)); err != nil {
			return out, err
		}
	}

	return out, nil
}
