// Package twilio publishes content items as SMS/WhatsApp messages through
// the Twilio REST API.
//
// Failure classification:
//   - HTTP 429 / 5xx                  -> retryable
//   - 20003 (auth), 21211/21614 (bad  -> permanent
//     number), other 4xx error codes
//   - transport errors                -> retryable
package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twapi "github.com/twilio/twilio-go/rest/api/v2010"

	"postengine/internal/platform"
	"postengine/internal/store"
	"postengine/pkg/logx"
)

const Name = "twilio"

type Adapter struct {
	log logx.Logger

	mu      sync.Mutex
	clients map[string]*twilio.RestClient // keyed by account SID
}

func New(log logx.Logger) *Adapter {
	return &Adapter{log: log.With(logx.String("adapter", Name)), clients: map[string]*twilio.RestClient{}}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Defaults() platform.Limits {
	return platform.Limits{
		MaxConcurrent: 8,
		Quota:         200,
		Window:        time.Hour,
	}
}

func (a *Adapter) Publish(ctx context.Context, item *store.Item, conn platform.Connection) platform.Outcome {
	if conn.AccountSID == "" || conn.Secret == "" {
		return platform.Fail("missing_credentials")
	}
	if strings.TrimSpace(conn.From) == "" {
		return platform.Fail("missing_from_number")
	}
	to := strings.TrimSpace(item.Target)
	if to == "" {
		return platform.Fail("bad_target")
	}

	params := &twapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(conn.From)
	params.SetBody(messageBody(item))
	if item.MediaURL != "" {
		params.SetMediaUrl([]string{item.MediaURL})
	}

	msg, err := a.client(conn).Api.CreateMessage(params)
	if err != nil {
		if ctx.Err() != nil {
			return platform.Retry("timeout")
		}
		return classify(err)
	}
	ref := ""
	if msg != nil && msg.Sid != nil {
		ref = *msg.Sid
	}
	return platform.Ok(ref)
}

func (a *Adapter) client(conn platform.Connection) *twilio.RestClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[conn.AccountSID]; ok {
		return c
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: conn.AccountSID,
		Password: conn.Secret,
	})
	a.clients[conn.AccountSID] = c
	return c
}

func messageBody(item *store.Item) string {
	if strings.TrimSpace(item.Title) == "" {
		return item.Body
	}
	return item.Title + "\n" + item.Body
}

func classify(err error) platform.Outcome {
	var rest *twclient.TwilioRestError
	if errors.As(err, &rest) {
		switch {
		case rest.Status == 429 || rest.Status >= 500:
			return platform.Retry(fmt.Sprintf("twilio_%d", rest.Status))
		case rest.Code == 20003:
			return platform.Fail("invalid_credentials")
		default:
			return platform.Fail(fmt.Sprintf("twilio_%d", rest.Code))
		}
	}
	return platform.Retry("network_error")
}
