// Package telegram publishes content items as Telegram messages via Bot API.
//
// Failure classification:
//   - 429 (flood wait)        -> retryable, with the API's retry-after hint
//   - 5xx                     -> retryable
//   - 401/403 (token/blocked) -> permanent
//   - 400 (bad chat, payload) -> permanent
//   - transport errors        -> retryable
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"postengine/internal/platform"
	"postengine/internal/store"
	"postengine/pkg/logx"
)

const Name = "telegram"

type Adapter struct {
	log logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot // keyed by token
}

func New(log logx.Logger) *Adapter {
	return &Adapter{log: log.With(logx.String("adapter", Name)), bots: map[string]*tele.Bot{}}
}

func (a *Adapter) Name() string { return Name }

// Defaults track Bot API limits: ~20 messages/minute into one group and a
// small per-chat burst budget.
func (a *Adapter) Defaults() platform.Limits {
	return platform.Limits{
		MaxConcurrent: 4,
		Quota:         20,
		Window:        time.Minute,
		PerUserQuota:  5,
	}
}

func (a *Adapter) Publish(ctx context.Context, item *store.Item, conn platform.Connection) platform.Outcome {
	if strings.TrimSpace(conn.Token) == "" {
		return platform.Fail("missing_token")
	}
	to, err := recipientFor(item.Target)
	if err != nil {
		return platform.Fail("bad_target")
	}

	bot, err := a.bot(conn.Token)
	if err != nil {
		return classify(err)
	}

	text := composeText(item)
	var msg *tele.Message
	if item.MediaURL != "" {
		photo := &tele.Photo{File: tele.FromURL(item.MediaURL), Caption: text}
		msg, err = bot.Send(to, photo)
	} else {
		msg, err = bot.Send(to, text, &tele.SendOptions{DisableWebPagePreview: true})
	}
	if err != nil {
		// The Bot API call has no context plumbing; surface a timeout as
		// retryable so the reconciler treats the attempt as failed.
		if ctx.Err() != nil {
			return platform.Retry("timeout")
		}
		return classify(err)
	}
	return platform.Ok(strconv.Itoa(msg.ID))
}

// bot returns a cached client for the token, creating it on first use.
// Creation validates the token against the API, so a bad token surfaces
// as a permanent failure on the first publish. Send has no per-call
// context, so the HTTP client carries a hard timeout to bound a hung
// call well inside the reconciler's lock TTL.
func (a *Adapter) bot(token string) (*tele.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 60 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	a.bots[token] = b
	return b, nil
}

func composeText(item *store.Item) string {
	if strings.TrimSpace(item.Title) == "" {
		return item.Body
	}
	if strings.TrimSpace(item.Body) == "" {
		return item.Title
	}
	return item.Title + "\n\n" + item.Body
}

// recipient adapts "@channelname" targets to telebot's Recipient interface.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func recipientFor(target string) (tele.Recipient, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return nil, errors.New("empty target")
	}
	if strings.HasPrefix(t, "@") {
		return recipient(t), nil
	}
	id, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("target %q is neither a chat id nor @username", target)
	}
	return tele.ChatID(id), nil
}

func classify(err error) platform.Outcome {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return platform.RetryWithin("rate_limited", time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 429:
			return platform.Retry("rate_limited")
		case te.Code >= 500:
			return platform.Retry(fmt.Sprintf("telegram_%d", te.Code))
		case te.Code == 401 || te.Code == 403:
			return platform.Fail("invalid_credentials")
		default:
			return platform.Fail(fmt.Sprintf("telegram_%d", te.Code))
		}
	}
	return platform.Retry("network_error")
}
