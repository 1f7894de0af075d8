package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"postengine/internal/platform"
	"postengine/internal/store"
	"postengine/pkg/logx"
)

func testItem(target string) *store.Item {
	it := &store.Item{
		ID:        "item-1",
		UserID:    "u1",
		Platform:  Name,
		Target:    target,
		Title:     "t",
		Body:      "hello",
		PublishAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	_, _ = it.ResolveWhen()
	return it
}

func TestPublishSuccess(t *testing.T) {
	var gotBody []byte
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Delivery-Ref", "ref-42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(logx.Nop())
	out := a.Publish(context.Background(), testItem(srv.URL), platform.Connection{
		Token:  "tok",
		Secret: "s3cret",
	})

	if out.Kind != platform.KindSuccess || out.Ref != "ref-42" {
		t.Fatalf("outcome %+v", out)
	}
	if gotReq.Header.Get("Authorization") != "Bearer tok" {
		t.Fatalf("missing bearer header: %q", gotReq.Header.Get("Authorization"))
	}
	if gotReq.Header.Get("X-Delivery-ID") != "item-1" {
		t.Fatalf("missing delivery id header")
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotReq.Header.Get("X-Signature") != want {
		t.Fatalf("signature %q, want %q", gotReq.Header.Get("X-Signature"), want)
	}

	var p payload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if p.ID != "item-1" || p.Body != "hello" || p.ScheduledAt.IsZero() {
		t.Fatalf("payload %+v", p)
	}
}

func TestPublishRetryableWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New(logx.Nop())
	out := a.Publish(context.Background(), testItem(srv.URL), platform.Connection{})

	if out.Kind != platform.KindRetryable {
		t.Fatalf("outcome %+v, want retryable", out)
	}
	if out.RetryAfter != 2*time.Minute {
		t.Fatalf("retry-after %v, want 2m", out.RetryAfter)
	}
	if out.Reason != "http_429" {
		t.Fatalf("reason %q", out.Reason)
	}
}

func TestPublishServerErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(logx.Nop())
	out := a.Publish(context.Background(), testItem(srv.URL), platform.Connection{})
	if out.Kind != platform.KindRetryable || out.Reason != "http_502" {
		t.Fatalf("outcome %+v", out)
	}
}

func TestPublishClientErrorPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	a := New(logx.Nop())
	out := a.Publish(context.Background(), testItem(srv.URL), platform.Connection{})
	if out.Kind != platform.KindPermanent || out.Reason != "http_422" {
		t.Fatalf("outcome %+v", out)
	}
}

func TestPublishTimeoutRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	a := New(logx.Nop())
	out := a.Publish(ctx, testItem(srv.URL), platform.Connection{})
	if out.Kind != platform.KindRetryable || out.Reason != "timeout" {
		t.Fatalf("outcome %+v", out)
	}
}

func TestPublishNoTarget(t *testing.T) {
	a := New(logx.Nop())
	out := a.Publish(context.Background(), testItem(""), platform.Connection{})
	if out.Kind != platform.KindPermanent {
		t.Fatalf("outcome %+v, want permanent", out)
	}
}

func TestPublishFallsBackToConnBaseURL(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	a := New(logx.Nop())
	out := a.Publish(context.Background(), testItem(""), platform.Connection{BaseURL: srv.URL})
	if out.Kind != platform.KindSuccess || !hit {
		t.Fatalf("outcome %+v hit=%v", out, hit)
	}
}
