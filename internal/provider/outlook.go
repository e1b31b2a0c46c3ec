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

// OutlookSender sends email through Microsoft Graph (me/sendMail).
type OutlookSender struct {
	baseURL string
	tokens  TokenSource
	store   storage.AttachmentStore
	client  httpretry.HTTPDoer
}

// NewOutlookSender creates a sender targeting the Graph v1.0 API.
func NewOutlookSender(cfg config.ProviderAPIConfig, tokens TokenSource, store storage.AttachmentStore) *OutlookSender {
	return &OutlookSender{
		baseURL: cfg.BaseURL,
		tokens:  tokens,
		store:   store,
		client:  httpretry.NewRetryClient(nil, 3),
	}
}

// Send delivers one email as the connected account.
func (o *OutlookSender) Send(ctx context.Context, req *domain.SendRequest) error {
	token, err := o.tokens.BearerToken(ctx, req.UserID, req.AccountID)
	if err != nil {
		return fmt.Errorf("outlook auth: %w", err)
	}

	files, err := fetchAttachments(ctx, o.store, req)
	if err != nil {
		return err
	}

	recipients := make([]map[string]interface{}, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, map[string]interface{}{
			"emailAddress": map[string]string{"address": r},
		})
	}

	message := map[string]interface{}{
		"subject":      req.Subject,
		"body":         map[string]string{"contentType": "HTML", "content": req.Body},
		"toRecipients": recipients,
	}
	if len(files) > 0 {
		atts := make([]map[string]interface{}, 0, len(files))
		for _, f := range files {
			atts = append(atts, map[string]interface{}{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         f.name,
				"contentType":  f.mimeType,
				"contentBytes": base64.StdEncoding.EncodeToString(f.data),
			})
		}
		message["attachments"] = atts
	}

	payload, err := json.Marshal(map[string]interface{}{
		"message":         message,
		"saveToSentItems": true,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/me/sendMail", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("outlook send: %w", err)
	}
	defer resp.Body.Close()

	// Graph returns 202 Accepted with an empty body on success.
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("outlook error %d: %s", resp.StatusCode, string(body))
	}

	logger.Debug("outlook message sent", "user_id", req.UserID, "recipients", len(req.Recipients))
	return nil
}
