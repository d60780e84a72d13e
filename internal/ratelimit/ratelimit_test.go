package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(rps float64, burst int) (*Limiter, *time.Time) {
	l := New(Config{RequestsPerSecond: rps, BurstSize: burst})
	clock := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(2, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("key-0") {
			t.Fatalf("request %d should be within burst", i)
		}
	}
	if l.Allow("key-0") {
		t.Fatal("request after burst should be denied")
	}

	*clock = clock.Add(500 * time.Millisecond)
	if !l.Allow("key-0") {
		t.Fatal("one token should have refilled after 500ms at 2 rps")
	}
	if l.Allow("key-0") {
		t.Fatal("only one token should have refilled")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	defer l.Stop()

	if !l.Allow("key-0") {
		t.Fatal("first request for key-0 should pass")
	}
	if l.Allow("key-0") {
		t.Fatal("key-0 should be exhausted")
	}
	if !l.Allow("key-1") {
		t.Fatal("key-1 has its own bucket")
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Hour})
	l.Stop()
	l.Stop()
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(0.001, 1)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}
