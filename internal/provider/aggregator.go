package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relayhub/unibox/internal/config"
	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/pkg/httpretry"
	"github.com/relayhub/unibox/internal/pkg/logger"
)

// AggregatorSender sends WhatsApp and Instagram messages through the
// third-party messaging aggregator. No attachment staging or cooldown
// machinery applies to these channels.
type AggregatorSender struct {
	baseURL string
	apiKey  string
	client  httpretry.HTTPDoer
}

// NewAggregatorSender creates a sender for the aggregator API.
func NewAggregatorSender(cfg config.AggregatorConfig) *AggregatorSender {
	return &AggregatorSender{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpretry.NewRetryClient(nil, 3),
	}
}

// Send delivers one message per recipient through the aggregator.
func (a *AggregatorSender) Send(ctx context.Context, req *domain.SendRequest) error {
	if a.apiKey == "" {
		return fmt.Errorf("aggregator API key not configured")
	}

	for _, recipient := range req.Recipients {
		payload, err := json.Marshal(map[string]interface{}{
			"channel":    string(req.Provider),
			"account_id": req.AccountID,
			"to":         recipient,
			"text":       req.Body,
		})
		if err != nil {
			return err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("aggregator send: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("aggregator error %d: %s", resp.StatusCode, string(body))
		}
	}

	logger.Debug("aggregator messages sent", "user_id", req.UserID,
		"channel", string(req.Provider), "recipients", len(req.Recipients))
	return nil
}
