package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// PushoverSender delivers notifications through the Pushover messages API.
// Priorities map one to one onto Pushover's -2..2 scale, except that
// emergency (2) is sent as high (1): resending critical alerts until they are
// acknowledged is handled by the escalator, not by Pushover receipts.
type PushoverSender struct {
	token    string
	user     string
	endpoint string
	client   *http.Client
}

// NewPushoverSender creates a PushoverSender for an application token and a
// user or group key.
func NewPushoverSender(token, user string) *PushoverSender {
	return &PushoverSender{
		token:    token,
		user:     user,
		endpoint: "https://api.pushover.net/1/messages.json",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type pushoverResponse struct {
	Status int      `json:"status"`
	Errors []string `json:"errors"`
}

func (p *PushoverSender) Send(ctx context.Context, title, message string, priority domain.Priority) (bool, error) {
	prio := min(int(priority), int(domain.PriorityHigh))
	form := url.Values{
		"token":    {p.token},
		"user":     {p.user},
		"title":    {title},
		"message":  {message},
		"priority": {strconv.Itoa(prio)},
	}
	if priority == domain.PriorityCritical {
		form.Set("sound", "siren")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("pushover: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("pushover: send request: %w", err)
	}
	defer resp.Body.Close()

	var pr pushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return false, fmt.Errorf("pushover: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || pr.Status != 1 {
		return false, fmt.Errorf("pushover: rejected (status %d): %s", resp.StatusCode, strings.Join(pr.Errors, "; "))
	}
	return true, nil
}

// Name returns the sender identifier.
func (p *PushoverSender) Name() string {
	return "pushover"
}

var (
	_ Transport = (*TelegramSender)(nil)
	_ Transport = (*DiscordSender)(nil)
	_ Transport = (*PushoverSender)(nil)
)
