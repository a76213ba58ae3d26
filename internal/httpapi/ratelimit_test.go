package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tb := newTokenBucketAt(2, 1, clock) // 1 token/second

	for i := 0; i < 2; i++ {
		if ok, _, _, _ := tb.Allow(); !ok {
			t.Fatalf("request %d within burst was rejected", i+1)
		}
	}

	ok, remaining, next, _ := tb.Allow()
	if ok {
		t.Fatal("expected the bucket to be empty")
	}
	if remaining != 0 {
		t.Errorf("expected remaining=0, got %d", remaining)
	}
	if want := now.Add(time.Second); !next.Equal(want) {
		t.Errorf("expected next token at %v, got %v", want, next)
	}

	now = now.Add(1500 * time.Millisecond)
	if ok, _, _, _ := tb.Allow(); !ok {
		t.Error("expected a token after refill")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  RateLimitInfo{WindowSeconds: 60, MaxRequests: 60, Burst: 5},
		now:     func() time.Time { return now },
	}

	rl.Allow("idle")
	now = now.Add(2 * time.Hour)
	rl.Allow("active")

	if removed := rl.sweep(time.Hour); removed != 1 {
		t.Errorf("expected 1 idle bucket removed, got %d", removed)
	}
	if _, ok := rl.buckets["active"]; !ok {
		t.Error("active bucket was removed")
	}
}

func TestRateLimiting_429Response(t *testing.T) {
	router := newTestRouter(newFakeRecords(), RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   10,
		Burst:         2,
	})

	for i := 1; i <= 3; i++ {
		rec := makeRequest(t, router, "GET", "/v1/collections/orders", nil, "test-user")

		for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Burst"} {
			if rec.Header().Get(h) == "" {
				t.Errorf("Request %d: %s header missing", i, h)
			}
		}

		remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))

		if i <= 2 {
			if rec.Code == http.StatusTooManyRequests {
				t.Errorf("Request %d: expected success within burst, got 429", i)
			}
			if expected := 2 - i; remaining != expected {
				t.Errorf("Request %d: expected remaining=%d, got %d", i, expected, remaining)
			}
			continue
		}

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("Request %d: expected 429, got %d", i, rec.Code)
		}

		retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		if err != nil || retryAfter < 1 {
			t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
		}

		resp := decodeApply(t, rec)
		if resp.Error == nil || resp.Error.Code != "rate_limited" || !resp.Error.Retryable {
			t.Errorf("expected retryable rate_limited error, got %+v", resp.Error)
		}
	}
}

func TestRateLimiting_PerUser(t *testing.T) {
	router := newTestRouter(newFakeRecords(), RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   10,
		Burst:         2,
	})

	for i := 0; i < 3; i++ {
		makeRequest(t, router, "GET", "/v1/collections/orders", nil, "user-a")
	}

	if rec := makeRequest(t, router, "GET", "/v1/collections/orders", nil, "user-a"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected user-a to be rate limited (429), got %d", rec.Code)
	}

	recB := makeRequest(t, router, "GET", "/v1/collections/orders", nil, "user-b")
	if recB.Code == http.StatusTooManyRequests {
		t.Errorf("expected user-b NOT to be rate limited, got 429")
	}
	if recB.Header().Get("X-RateLimit-Remaining") == "0" {
		t.Error("user-b should have tokens remaining (independent rate limit)")
	}
}

func TestInfo_ReportsEffectiveRateLimit(t *testing.T) {
	router := newTestRouter(newFakeRecords(), RateLimitInfo{})

	rec := makeRequest(t, router, "GET", "/v1/sync/info", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"maxRequests":600`) {
		t.Errorf("expected default rate limit in info, got %s", body)
	}
}
