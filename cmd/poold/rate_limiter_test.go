package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiterPerClient(t *testing.T) {
	l := NewClientRateLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestClientRateLimiterPrune(t *testing.T) {
	l := NewClientRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(5 * time.Minute)
	l.Allow("b")
	now = now.Add(6 * time.Minute)

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 1, l.Clients())
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewClientRateLimiter(0.001, 1)
	h := l.Middleware(NewDaemonMetrics(), "/v1/transact")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(path, remote string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, do("/v1/transact", "10.0.0.1:4000"))
	assert.Equal(t, http.StatusTooManyRequests, do("/v1/transact", "10.0.0.1:4001"))
	assert.Equal(t, http.StatusNoContent, do("/v1/transact", "10.0.0.2:4000"))
	// unlisted paths are not limited
	assert.Equal(t, http.StatusNoContent, do("/v1/roots", "10.0.0.1:4002"))
}
