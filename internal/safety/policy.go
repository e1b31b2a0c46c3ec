package safety

import (
	"fmt"
	"strings"

	"github.com/relayhub/unibox/internal/config"
	"github.com/relayhub/unibox/internal/domain"
)

// AttachmentPolicy enforces the attachment rules: a hard count cap, per-file
// size against the plan's limit, a blocklist of executable/installer types,
// and a default-deny allowlist. The lists and the cap come from config so
// every enforcement site shares one source of truth.
type AttachmentPolicy struct {
	maxCount int
	allowed  []string
	blocked  []string
}

// NewAttachmentPolicy builds the policy from the safety config section.
func NewAttachmentPolicy(cfg config.SafetyConfig) *AttachmentPolicy {
	return &AttachmentPolicy{
		maxCount: cfg.MaxAttachments,
		allowed:  cfg.AllowedAttachmentTypes,
		blocked:  cfg.BlockedAttachmentTypes,
	}
}

// Check validates the attachments against the policy and the plan's size
// limit. The first failing attachment in iteration order determines the
// reported reason. Returns ok=true with an empty reason when everything
// passes.
func (p *AttachmentPolicy) Check(attachments []domain.Attachment, maxSizeMB float64) (ok bool, reason string) {
	if len(attachments) == 0 {
		return true, ""
	}

	if len(attachments) > p.maxCount {
		return false, fmt.Sprintf("Too many attachments. Maximum allowed: %d", p.maxCount)
	}

	for _, att := range attachments {
		sizeMB := float64(att.SizeBytes) / (1024 * 1024)
		if sizeMB > maxSizeMB {
			return false, fmt.Sprintf("Attachment %q is too large. Maximum size: %gMB", att.Name, maxSizeMB)
		}

		// Blocklist wins over allowlist.
		if matchesAny(att.MimeType, p.blocked) {
			return false, fmt.Sprintf("Attachment type %q is not allowed", att.MimeType)
		}

		// A type in neither list is rejected (default-deny).
		if !matchesAny(att.MimeType, p.allowed) {
			return false, fmt.Sprintf("Attachment type %q is not allowed", att.MimeType)
		}
	}

	return true, ""
}

// matchesAny reports whether the MIME type matches any pattern in the list.
// Patterns are exact ("application/pdf") or a wildcard prefix ("image/*").
func matchesAny(mimeType string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/*") {
			if strings.HasPrefix(mimeType, pattern[:len(pattern)-1]) {
				return true
			}
			continue
		}
		if mimeType == pattern {
			return true
		}
	}
	return false
}
