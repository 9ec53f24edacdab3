package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Embed side-bar colours per priority.
const (
	discordGrey   = 0x95a5a6
	discordBlue   = 0x3498db
	discordOrange = 0xe67e22
	discordRed    = 0xe74c3c
)

// Discord caps embed titles at 256 and descriptions at 4096 characters.
const (
	discordTitleMax = 256
	discordDescMax  = 4096
)

// DiscordSender delivers notifications as webhook embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one embed. Critical alerts also mention @here so they notify
// members who muted the channel.
func (d *DiscordSender) Send(ctx context.Context, title, message string, priority domain.Priority) (bool, error) {
	payload := discordPayload{Embeds: []discordEmbed{{
		Title:       truncate(title, discordTitleMax),
		Description: truncate(message, discordDescMax),
		Color:       discordColor(priority),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}}
	if priority == domain.PriorityCritical {
		payload.Content = "@here"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("discord: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, fmt.Errorf("discord: %w (retry after %ss)", domain.ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return true, nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

func discordColor(p domain.Priority) int {
	switch {
	case p >= domain.PriorityCritical:
		return discordRed
	case p == domain.PriorityHigh:
		return discordOrange
	case p == domain.PriorityNormal:
		return discordBlue
	}
	return discordGrey
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
