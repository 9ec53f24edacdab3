package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	name  string
	ok    bool
	err   error
	calls int
}

func (s *stubTransport) Send(context.Context, string, string, domain.Priority) (bool, error) {
	s.calls++
	return s.ok, s.err
}

func (s *stubTransport) Name() string { return s.name }

func TestNotifier_FanOutAndPriorityFloor(t *testing.T) {
	loud := &stubTransport{name: "pager", ok: true}
	quiet := &stubTransport{name: "chat", ok: true}
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Add(loud, domain.PriorityHigh).
		Add(quiet, domain.PriorityLowest)

	ok, err := n.Send(context.Background(), "t", "m", domain.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, loud.calls)
	assert.Equal(t, 1, quiet.calls)

	_, _ = n.Send(context.Background(), "t", "m", domain.PriorityCritical)
	assert.Equal(t, 1, loud.calls)
}

func TestNotifier_PartialFailureStillDelivered(t *testing.T) {
	bad := &stubTransport{name: "bad", err: errors.New("boom")}
	good := &stubTransport{name: "good", ok: true}
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Add(bad, domain.PriorityLowest).
		Add(good, domain.PriorityLowest)

	ok, err := n.Send(context.Background(), "t", "m", domain.PriorityHigh)
	assert.True(t, ok)
	assert.ErrorContains(t, err, "bad: boom")
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	ok, err := s.Send(context.Background(), "Halt", "drawdown", domain.PriorityCritical)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], "[CRITICAL]")
	assert.Equal(t, false, got["disable_notification"])
}

func TestPushoverSender_CapsEmergency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1", r.PostForm.Get("priority"))
		assert.Equal(t, "siren", r.PostForm.Get("sound"))
		_, _ = w.Write([]byte(`{"status":1,"request":"abc"}`))
	}))
	defer srv.Close()

	p := NewPushoverSender("app", "user")
	p.endpoint = srv.URL
	ok, err := p.Send(context.Background(), "Halt", "drawdown", domain.PriorityCritical)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPushoverSender_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":0,"errors":["user identifier is invalid"]}`))
	}))
	defer srv.Close()

	p := NewPushoverSender("app", "user")
	p.endpoint = srv.URL
	ok, err := p.Send(context.Background(), "t", "m", domain.PriorityNormal)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "user identifier is invalid")
}

func TestDiscordSender_Embed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ok, err := NewDiscordSender(srv.URL).Send(context.Background(), "halted", "daily loss 6%", domain.PriorityCritical)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "@here", got.Content)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "halted", got.Embeds[0].Title)
	assert.Equal(t, "daily loss 6%", got.Embeds[0].Description)
	assert.Equal(t, discordRed, got.Embeds[0].Color)
}

func TestDiscordSender_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ok, err := NewDiscordSender(srv.URL).Send(context.Background(), "fill", "ok", domain.PriorityNormal)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}
