package plugins

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// discordSource fetches raw channel messages over the Discord REST API. The
// gateway is never opened; polling with a per-channel cursor is enough for
// aggregation.
type discordSource struct {
	name     string
	session  *discordgo.Session
	channels []string
	limit    int
	cursors  service.CursorStorer
}

func newDiscordSource(name string, params map[string]any, deps Deps) (*discordSource, error) {
	token := paramStr(params, "botToken", "")
	if token == "" {
		return nil, service.ConfigErrorf("source %q: botToken is required", name)
	}
	channels := paramStrList(params, "channelIds")
	if len(channels) == 0 {
		return nil, service.ConfigErrorf("source %q: channelIds is required", name)
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, service.ConfigErrorf("source %q: %v", name, err)
	}

	limit := paramInt(params, "limit", 100)
	if limit > 100 {
		limit = 100 // Discord API cap per request
	}

	return &discordSource{
		name:     name,
		session:  session,
		channels: channels,
		limit:    limit,
		cursors:  deps.Cursors,
	}, nil
}

func (s *discordSource) Name() string { return s.name }

func (s *discordSource) FetchItems(ctx context.Context) ([]service.ContentItem, error) {
	var out []service.ContentItem

	for _, channel := range s.channels {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		cursorKey := "discordRaw-" + channel
		after, err := s.cursors.GetCursor(ctx, cursorKey)
		if err != nil {
			return out, err
		}

		msgs, err := s.session.ChannelMessages(channel, s.limit, "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			return out, service.RetryableErr(fmt.Errorf("discord channel %s: %w", channel, err))
		}

		// Discord returns newest first; the highest snowflake becomes the new
		// cursor.
		maxID := after
		for _, m := range msgs {
			if m.ID > maxID {
				maxID = m.ID
			}
			out = append(out, s.toItem(channel, m))
		}

		if maxID != after && maxID != "" {
			if err := s.cursors.SetCursor(ctx, cursorKey, maxID); err != nil {
				return out, err
			}
		}
	}

	return out, nil
}

func (s *discordSource) toItem(channel string, m *discordgo.Message) service.ContentItem {
	author := ""
	if m.Author != nil {
		author = m.Author.Username
	}
	return service.ContentItem{
		CID:    fmt.Sprintf("discord-%s-%s", channel, m.ID),
		Type:   "discordRawData",
		Source: s.name,
		Text:   m.Content,
		Link:   fmt.Sprintf("https://discord.com/channels/@me/%s/%s", channel, m.ID),
		Date:   m.Timestamp.Unix(),
		Metadata: map[string]any{
			"channelId": channel,
			"messageId": m.ID,
			"author":    author,
		},
	}
}
