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

	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/rs/zerolog"
)

// AppriseSink sends notifications through an Apprise API server
type AppriseSink struct {
	apiURL     string
	serviceURL string
	logger     zerolog.Logger
	client     *http.Client
}

// NewAppriseSink creates a sink posting to apiURL. serviceURL is the Apprise
// service URL (e.g. tgram://token/chat) or a comma separated list of them.
func NewAppriseSink(apiURL, serviceURL string, logger zerolog.Logger) *AppriseSink {
	return &AppriseSink{
		apiURL:     strings.TrimRight(apiURL, "/"),
		serviceURL: serviceURL,
		logger:     logger.With().Str("component", "notifier").Str("sink", "apprise").Logger(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type apprisePayload struct {
	URLs   string `json:"urls"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Type   string `json:"type"`
	Format string `json:"format"`
}

// appriseType maps a notification kind to an Apprise message type
func appriseType(n types.Notification) string {
	switch n.Kind {
	case types.KindOutage:
		return "failure"
	case types.KindResolved:
		return "success"
	case types.KindAlert:
		return "warning"
	default:
		return "info"
	}
}

// Send posts n to the stateless /notify/ endpoint
func (a *AppriseSink) Send(ctx context.Context, n types.Notification) error {
	payload := apprisePayload{
		URLs:   a.serviceURL,
		Title:  n.Title,
		Body:   n.Body,
		Type:   appriseType(n),
		Format: "text",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/notify/", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("bot"))

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// 4xx other than 424 (some services failed) and 429 will not improve on retry
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusFailedDependency {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return err
	}

	a.logger.Info().
		Str("kind", string(n.Kind)).
		Str("key", string(n.Key)).
		Msg("Notification sent")
	return nil
}
