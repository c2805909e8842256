package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/rs/zerolog"
)

const (
	telegramAPIURL   = "https://api.telegram.org"
	telegramChunkLen = 1024
)

// TelegramSink sends notifications with the Bot API sendMessage method
type TelegramSink struct {
	apiURL string
	token  string
	chatID int64
	retry  *Policy
	logger zerolog.Logger
	client *http.Client
}

// NewTelegramSink creates a sink for one chat. An empty apiURL selects the
// public Bot API. When retry is set each chunk is retried on its own, so a
// failure halfway through a long message does not resend earlier chunks.
func NewTelegramSink(apiURL, token string, chatID int64, retry *Policy, logger zerolog.Logger) *TelegramSink {
	if apiURL == "" {
		apiURL = telegramAPIURL
	}
	return &TelegramSink{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		chatID: chatID,
		retry:  retry,
		logger: logger.With().Str("component", "notifier").Str("sink", "telegram").Logger(),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers n, split into chunks of at most 1024 characters
func (t *TelegramSink) Send(ctx context.Context, n types.Notification) error {
	chunks := SplitMessage(Text(n), telegramChunkLen)
	for i, chunk := range chunks {
		send := func(ctx context.Context) error { return t.sendChunk(ctx, chunk) }
		var err error
		if t.retry != nil {
			err = t.retry.Do(ctx, send)
		} else {
			err = send(ctx)
		}
		if err != nil {
			return fmt.Errorf("telegram chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	t.logger.Info().
		Str("kind", string(n.Kind)).
		Str("key", string(n.Key)).
		Int("chunks", len(chunks)).
		Msg("Notification sent")
	return nil
}

func (t *TelegramSink) sendChunk(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL carries the token
		return fmt.Errorf("failed to send request: %w", redact(err, t.token))
	}
	defer resp.Body.Close()

	var tr telegramResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &tr)
	if resp.StatusCode == http.StatusOK && tr.OK {
		return nil
	}

	apiErr := fmt.Errorf("telegram API error %d: %s", resp.StatusCode, tr.Description)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || tr.Parameters.RetryAfter > 0:
		return &RetryAfterError{After: time.Duration(tr.Parameters.RetryAfter) * time.Second, Err: apiErr}
	case resp.StatusCode >= 500:
		return apiErr
	default:
		return fmt.Errorf("%w: %v", ErrRejected, apiErr)
	}
}

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), secret, "<token>"))
}

// SplitMessage splits text on spaces into chunks of at most limit
// characters. Words longer than limit are cut.
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, word := range strings.Split(text, " ") {
		wordLen := utf8.RuneCountInString(word)
		for wordLen > limit {
			flush()
			r := []rune(word)
			chunks = append(chunks, string(r[:limit]))
			word = string(r[limit:])
			wordLen -= limit
		}
		sep := 0
		if currentLen > 0 {
			sep = 1
		}
		if currentLen+sep+wordLen > limit {
			flush()
			sep = 0
		}
		if sep == 1 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
		currentLen += sep + wordLen
	}
	flush()
	return chunks
}
