// Package webhook publishes content items as signed JSON POSTs to a
// caller-supplied URL. It is the escape hatch for platforms without a
// first-class adapter.
//
// Failure classification:
//   - 2xx                      -> success
//   - 408, 429, 5xx            -> retryable (Retry-After honored)
//   - other 4xx                -> permanent
//   - transport errors/timeout -> retryable
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postengine/internal/platform"
	"postengine/internal/store"
	"postengine/pkg/logx"
)

const Name = "webhook"

type Adapter struct {
	log    logx.Logger
	client *http.Client
}

func New(log logx.Logger) *Adapter {
	return &Adapter{
		log: log.With(logx.String("adapter", Name)),
		// Per-attempt deadlines come from the engine's context; this is a
		// hard ceiling against a missing deadline.
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Defaults() platform.Limits {
	return platform.Limits{
		MaxConcurrent: 16,
		Quota:         600,
		Window:        time.Minute,
	}
}

// payload is the delivery body. scheduled_at is the resolved UTC instant.
type payload struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body"`
	MediaURL    string    `json:"media_url,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (a *Adapter) Publish(ctx context.Context, item *store.Item, conn platform.Connection) platform.Outcome {
	url := strings.TrimSpace(item.Target)
	if url == "" {
		url = strings.TrimSpace(conn.BaseURL)
	}
	if url == "" {
		return platform.Fail("bad_target")
	}

	body, err := json.Marshal(payload{
		ID:          item.ID,
		UserID:      item.UserID,
		Title:       item.Title,
		Body:        item.Body,
		MediaURL:    item.MediaURL,
		ScheduledAt: item.When(),
	})
	if err != nil {
		return platform.Fail("encode_failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return platform.Fail("bad_target")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", item.ID)
	if conn.Token != "" {
		req.Header.Set("Authorization", "Bearer "+conn.Token)
	}
	if conn.Secret != "" {
		mac := hmac.New(sha256.New, []byte(conn.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return platform.Retry("timeout")
		}
		return platform.Retry("network_error")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return platform.Ok(resp.Header.Get("X-Delivery-Ref"))
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		reason := fmt.Sprintf("http_%d", resp.StatusCode)
		if after := retryAfter(resp); after > 0 {
			return platform.RetryWithin(reason, after)
		}
		return platform.Retry(reason)
	default:
		return platform.Fail(fmt.Sprintf("http_%d", resp.StatusCode))
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
