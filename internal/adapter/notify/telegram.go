package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TelegramMessenger sends plain HTTP requests to the Telegram Bot API,
// grounded on the original notifier's aiogram-based send_message call
// (spec §6: MESSENGER_BOT_TOKEN / MESSENGER_CHAT_ID env vars). No Telegram
// SDK appears anywhere in the example pack, so this talks to the HTTP API
// directly rather than wiring an unrelated ecosystem client.
type TelegramMessenger struct {
	httpClient *http.Client
	botToken   string
	chatID     string
}

// NewTelegramMessenger constructs a TelegramMessenger. If token or chatID
// is empty, SendText becomes a no-op returning nil (spec: "unset
// credentials simply disable real delivery").
func NewTelegramMessenger(httpClient *http.Client, botToken, chatID string) *TelegramMessenger {
	return &TelegramMessenger{httpClient: httpClient, botToken: botToken, chatID: chatID}
}

func (t *TelegramMessenger) SendText(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {text},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("op=telegram.send_text.new_request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=telegram.send_text: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=telegram.send_text: status=%d", resp.StatusCode)
	}
	return nil
}
