// Package alerts defines the transport-agnostic Sink the health
// reporter dispatches persistent-mismatch notifications through, plus
// a Telegram implementation adapted from the teacher's package. The
// global mutable bot config is replaced with a plain struct per the
// Design Notes' "no process-global mutable state" guidance.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sink dispatches a single alert message to wherever operators watch.
type Sink interface {
	Send(ctx context.Context, message string) error
}

// NopSink discards every message; used when no transport is configured.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(context.Context, string) error { return nil }

// TelegramSink sends alerts via the Telegram Bot API.
type TelegramSink struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramSink constructs a TelegramSink. Returns a NopSink instead
// if either credential is empty, so callers can unconditionally wire
// the result without a separate "is it configured" branch.
func NewTelegramSink(botToken, chatID string) Sink {
	if botToken == "" || chatID == "" {
		return NopSink{}
	}
	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts message as a Telegram chat message.
func (t *TelegramSink) Send(ctx context.Context, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)

	payload := map[string]interface{}{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API error: %s", string(respBody))
	}
	return nil
}

var _ Sink = (*TelegramSink)(nil)
