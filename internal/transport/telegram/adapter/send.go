package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "github.com/trishtzy/weatherbot/internal/transport"
)

// messageLimit stays under Telegram's 4096 character cap.
const messageLimit = 4000

// SendText sends text, split into chunks when it exceeds the message limit.
// Errors map onto the transport taxonomy. After the first chunk is delivered
// nothing is marked retryable, since a retry would repeat it.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{
		ParseMode:             tele.ParseMode(o.ParseMode),
		DisableWebPagePreview: o.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var ref kit.MessageRef
	for i, part := range chunk(text, messageLimit) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		m, err := a.bot.Send(chat, part, send)
		switch {
		case err != nil && i == 0:
			return kit.MessageRef{}, classify(err)
		case err != nil:
			return ref, fmt.Errorf("telegram: %d of the message parts delivered: %w", i, err)
		case i == 0:
			ref = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID}
		}
	}
	return ref, nil
}

// chunk splits s into pieces of at most limit runes. A cut prefers the last
// newline in the piece unless that would leave it under a third full.
func chunk(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var parts []string
	for len(rs) > 0 {
		n := min(limit, len(rs))
		if n < len(rs) {
			for i := n - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					n = i + 1
					break
				}
			}
		}
		parts = append(parts, strings.TrimRight(string(rs[:n]), "\n"))
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return parts
}

func classify(err error) error {
	if after, ok := floodWait(err); ok {
		return &kit.RetryAfterError{After: after, Err: err}
	}
	var te *tele.Error
	if !errors.As(err, &te) || te == nil {
		return err
	}
	desc := strings.ToLower(te.Description)
	switch {
	case te.Code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", kit.ErrRetryable, err)
	case te.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", kit.ErrPermanent, err)
	case te.Code == http.StatusBadRequest && strings.Contains(desc, "chat not found"):
		return fmt.Errorf("%w: %w", kit.ErrPermanent, err)
	}
	return err
}

// floodWait extracts retry_after from a flood-control error. telebot returns
// FloodError by value, but a pointer is accepted too.
func floodWait(err error) (time.Duration, bool) {
	var v tele.FloodError
	if errors.As(err, &v) {
		return time.Duration(v.RetryAfter) * time.Second, true
	}
	var p *tele.FloodError
	if errors.As(err, &p) && p != nil {
		return time.Duration(p.RetryAfter) * time.Second, true
	}
	return 0, false
}
