package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// discordContentLimit is the maximum message length a webhook accepts.
const discordContentLimit = 2000

// DiscordSender posts fills and expiries to a Discord channel webhook,
// pinging only the order's owner.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	maxWait    time.Duration // longest rate-limit wait honoured before giving up
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxWait:    5 * time.Second,
	}
}

type discordPayload struct {
	Content         string                 `json:"content"`
	AllowedMentions discordAllowedMentions `json:"allowed_mentions"`
}

type discordAllowedMentions struct {
	Users []string `json:"users"`
}

// Send delivers one notification. A 429 is retried once after the
// advertised delay when that delay is short enough.
func (d *DiscordSender) Send(ctx context.Context, userID, title, message string) error {
	content := fmt.Sprintf("<@%s> **%s**\n%s", userID, title, message)
	if r := []rune(content); len(r) > discordContentLimit {
		content = string(r[:discordContentLimit-1]) + "…"
	}
	body, err := json.Marshal(discordPayload{
		Content:         content,
		AllowedMentions: discordAllowedMentions{Users: []string{userID}},
	})
	if err != nil {
		return fmt.Errorf("discord: encode: %w", err)
	}

	wait, err := d.post(ctx, body)
	if err == nil || wait <= 0 {
		return err
	}
	if wait > d.maxWait {
		return fmt.Errorf("%w (retry in %s)", err, wait)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	_, err = d.post(ctx, body)
	return err
}

// post sends body once. On a rate limit it returns the delay Discord asked
// for alongside the error.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discord: post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("discord: rate limited")
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("discord: status %d: %s", resp.StatusCode, snippet)
	}
	return 0, nil
}

// retryAfter parses a Retry-After header in (possibly fractional) seconds.
func retryAfter(h string) time.Duration {
	secs, err := strconv.ParseFloat(h, 64)
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}

func (d *DiscordSender) Name() string { return "discord" }
