package server

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "exact match", allowed: []string{"http://example.com"}, origin: "http://example.com", want: true},
		{name: "case insensitive", allowed: []string{"http://example.com"}, origin: "HTTP://Example.COM", want: true},
		{name: "port must match", allowed: []string{"http://example.com:3000"}, origin: "http://example.com:4000"},
		{name: "missing header", allowed: []string{"http://example.com"}, origin: ""},
		{name: "not a url", allowed: []string{"*"}, origin: "not-a-url"},
		{name: "unsupported scheme", allowed: []string{"*"}, origin: "ftp://example.com"},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anywhere.test", want: true},
		{name: "invalid config entries ignored", allowed: []string{"://bad", " ", "https://ok.test"}, origin: "https://ok.test", want: true},
		{name: "empty allow-list", allowed: nil, origin: "http://localhost:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.allowed, logger)
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, p.check(r))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "message %d", i)
	}
	assert.False(t, rl.allow())

	fast := newRateLimiter(1, 20*time.Millisecond)
	assert.True(t, fast.allow())
	assert.False(t, fast.allow())
	assert.Eventually(t, fast.allow, time.Second, 5*time.Millisecond)
}
