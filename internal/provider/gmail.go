package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relayhub/unibox/internal/config"
	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/pkg/httpretry"
	"github.com/relayhub/unibox/internal/pkg/logger"
	"github.com/relayhub/unibox/internal/storage"
)

// GmailSender sends email through the Gmail API (users.messages.send).
type GmailSender struct {
	baseURL string
	tokens  TokenSource
	store   storage.AttachmentStore
	client  httpretry.HTTPDoer
}

// NewGmailSender creates a sender targeting the Gmail REST API.
func NewGmailSender(cfg config.ProviderAPIConfig, tokens TokenSource, store storage.AttachmentStore) *GmailSender {
	return &GmailSender{
		baseURL: cfg.BaseURL,
		tokens:  tokens,
		store:   store,
		client:  httpretry.NewRetryClient(nil, 3),
	}
}

// Send delivers one email as the connected account.
func (g *GmailSender) Send(ctx context.Context, req *domain.SendRequest) error {
	token, err := g.tokens.BearerToken(ctx, req.UserID, req.AccountID)
	if err != nil {
		return fmt.Errorf("gmail auth: %w", err)
	}

	files, err := fetchAttachments(ctx, g.store, req)
	if err != nil {
		return err
	}
	raw, err := buildMIME(req, files)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	})
	if err != nil {
		return err
	}

	url := g.baseURL + "/gmail/v1/users/me/messages/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gmail error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &result)

	logger.Debug("gmail message sent", "user_id", req.UserID,
		"message_id", result.ID, "recipients", len(req.Recipients))
	return nil
}
