package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText delivers text, split into several messages when it is too long.
// Errors are classified into kit.ErrForbidden and kit.ErrNotFound where possible.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// ResolveChat checks that a stored user id is still reachable (getChat).
func (a *Adapter) ResolveChat(ctx context.Context, id int64) (kit.ChatTarget, error) {
	if err := ctx.Err(); err != nil {
		return kit.ChatTarget{}, err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return kit.ChatTarget{}, classify(err)
	}
	return kit.ChatTarget{ChatID: chat.ID}, nil
}

// classify maps Bot API failures onto transport sentinels.
func classify(err error) error {
	var te *tele.Error
	if !errors.As(err, &te) {
		return err
	}
	desc := strings.ToLower(te.Description)
	switch {
	case te.Code == 403:
		return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
	case strings.Contains(desc, "not found"),
		strings.Contains(desc, "topic_deleted"),
		strings.Contains(desc, "chat_id is empty"):
		return fmt.Errorf("%w: %v", kit.ErrNotFound, err)
	case strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "topic_closed"),
		strings.Contains(desc, "have no rights"):
		return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
	default:
		return err
	}
}

// UpdateMenuCommands publishes the command menu (setMyCommands).
// It only calls the API when the list changes.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		list = append(list, tele.Command{Text: c.Command, Description: d})
		if len(list) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
