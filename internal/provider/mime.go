package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/storage"
)

// attachmentData is one attachment pulled out of staging storage.
type attachmentData struct {
	name     string
	mimeType string
	data     []byte
}

// fetchAttachments loads the staged content for every attachment on the
// request. Attachments without a storage key were never staged, which is a
// hard error at send time.
func fetchAttachments(ctx context.Context, store storage.AttachmentStore, req *domain.SendRequest) ([]attachmentData, error) {
	if len(req.Attachments) == 0 {
		return nil, nil
	}
	out := make([]attachmentData, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		if att.StorageKey == "" {
			return nil, fmt.Errorf("attachment %q has no staged content", att.Name)
		}
		rc, err := store.Get(ctx, att.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %q: %w", att.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read attachment %q: %w", att.Name, err)
		}
		out = append(out, attachmentData{name: att.Name, mimeType: att.MimeType, data: data})
	}
	return out, nil
}

// buildMIME renders the request as an RFC 822 message, multipart/mixed when
// attachments are present.
func buildMIME(req *domain.SendRequest, files []attachmentData) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(req.Recipients, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", req.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(files) == 0 {
		buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
		buf.WriteString(req.Body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	bodyHdr := textproto.MIMEHeader{}
	bodyHdr.Set("Content-Type", "text/html; charset=\"UTF-8\"")
	part, err := mw.CreatePart(bodyHdr)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if _, err := part.Write([]byte(req.Body)); err != nil {
		return nil, err
	}

	for _, f := range files {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", f.mimeType)
		hdr.Set("Content-Transfer-Encoding", "base64")
		hdr.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", mime.QEncoding.Encode("utf-8", f.name)))
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		enc := base64.StdEncoding.EncodeToString(f.data)
		if _, err := part.Write([]byte(enc)); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
