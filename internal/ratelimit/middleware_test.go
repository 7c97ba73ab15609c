package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("boom") }
func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func byPath(r *http.Request) string { return r.URL.Path }

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.1, 1)
	t.Cleanup(func() { _ = limiter.Close() })

	h := ratelimit.Middleware(limiter, ratelimit.Options{
		Key:        byPath,
		RequestID:  func(*http.Request) string { return "req-1" },
		RetryAfter: limiter.RetryAfter(),
	})(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/evaluations/a/recalculate", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/evaluations/a/recalculate", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/evaluations/b/recalculate", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code, "other keys are unaffected")
}

func TestMiddlewarePassThrough(t *testing.T) {
	tests := []struct {
		name    string
		limiter ratelimit.Limiter
		key     ratelimit.KeyFunc
	}{
		{"nil limiter", nil, byPath},
		{"empty key", ratelimit.NewMemoryLimiter(0.001, 0), func(*http.Request) string { return "" }},
		{"limiter error fails open", brokenLimiter{}, byPath},
		{"noop", ratelimit.NoopLimiter{}, byPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.limiter != nil {
				t.Cleanup(func() { _ = tt.limiter.Close() })
			}
			h := ratelimit.Middleware(tt.limiter, ratelimit.Options{Key: tt.key, RetryAfter: time.Second})(okHandler())
			for i := 0; i < 3; i++ {
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
				assert.Equal(t, http.StatusAccepted, rec.Code)
			}
		})
	}
}
