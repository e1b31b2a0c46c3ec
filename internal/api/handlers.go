package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/pkg/httputil"
	"github.com/relayhub/unibox/internal/pkg/logger"
	"github.com/relayhub/unibox/internal/queue"
	"github.com/relayhub/unibox/internal/safety"
	"github.com/relayhub/unibox/internal/storage"
)

// UsageReader serves the usage dashboard snapshot. Implemented by
// usage.Recorder.
type UsageReader interface {
	Usage(ctx context.Context, userID string) (domain.UsageSnapshot, error)
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	safety       *safety.Service
	queue        *queue.Service
	sender       queue.Sender
	recorder     queue.UsageRecorder
	usage        UsageReader
	entitlements safety.EntitlementStore
	attachments  storage.AttachmentStore
}

// NewHandlers creates the handler set.
func NewHandlers(s *safety.Service, q *queue.Service, sender queue.Sender, recorder queue.UsageRecorder, usage UsageReader, ents safety.EntitlementStore, atts storage.AttachmentStore) *Handlers {
	return &Handlers{
		safety:       s,
		queue:        q,
		sender:       sender,
		recorder:     recorder,
		usage:        usage,
		entitlements: ents,
		attachments:  atts,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// decodeSendRequest reads the request body and stamps the authenticated
// user onto it. The user ID in the payload is never trusted.
func (h *Handlers) decodeSendRequest(w http.ResponseWriter, r *http.Request) (*domain.SendRequest, bool) {
	var req domain.SendRequest
	if !httputil.Decode(w, r, &req) {
		return nil, false
	}
	req.UserID = userID(r)

	if req.Provider == "" {
		httputil.BadRequest(w, "provider is required")
		return nil, false
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "at least one recipient is required")
		return nil, false
	}
	return &req, true
}

// CheckSend runs the safety evaluation without sending. The decision comes
// back 200 either way; Allowed=false is a normal answer, not an error.
func (h *Handlers) CheckSend(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSendRequest(w, r)
	if !ok {
		return
	}
	httputil.OK(w, h.safety.Check(r.Context(), req))
}

// SendEmail is the synchronous path: safety check, immediate delivery,
// usage recording. Denials come back 429 with the reason and limits.
func (h *Handlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSendRequest(w, r)
	if !ok {
		return
	}

	decision := h.safety.Check(r.Context(), req)
	if !decision.Allowed {
		httputil.TooManyRequests(w, decision)
		return
	}

	jobID := uuid.New().String()
	if err := h.sender.Send(r.Context(), req); err != nil {
		logger.Error("synchronous send failed", "user_id", req.UserID, "error", err)
		httputil.Error(w, http.StatusBadGateway, "delivery failed")
		return
	}

	// The message is out; accounting must survive a client disconnect, so it
	// runs on its own context rather than the request's.
	recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.recorder.Record(recordCtx, jobID, req); err != nil {
		// The message went out; accounting failure must not flip the response.
		logger.Error("usage record failed after sync send", "job_id", jobID, "error", err)
	}

	httputil.OK(w, map[string]interface{}{
		"status": "sent",
		"job_id": jobID,
		"limits": decision.Limits,
	})
}

type queueRequest struct {
	domain.SendRequest
	DelaySeconds int `json:"delay_seconds,omitempty"`
}

// QueueEmail is the asynchronous path: safety check, then enqueue for the
// worker pool. Returns 202 with the job for status polling.
func (h *Handlers) QueueEmail(w http.ResponseWriter, r *http.Request) {
	var body queueRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	req := body.SendRequest
	req.UserID = userID(r)

	if req.Provider == "" {
		httputil.BadRequest(w, "provider is required")
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "at least one recipient is required")
		return
	}

	decision := h.safety.Check(r.Context(), &req)
	if !decision.Allowed {
		httputil.TooManyRequests(w, decision)
		return
	}

	job, err := h.queue.Enqueue(r.Context(), &req, time.Duration(body.DelaySeconds)*time.Second)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, job)
}

// GetJob returns one queued job by ID.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Job(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, job)
}

// ListJobs returns the caller's jobs filtered by status. Defaults to
// queued; operators pass status=dead_letter to inspect exhausted jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.JobQueued
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := h.queue.List(r.Context(), userID(r), status, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.QueuedJob{}
	}
	httputil.OK(w, map[string]interface{}{"jobs": jobs, "status": status})
}

// GetUsage returns the caller's usage snapshot alongside their limits so
// the dashboard renders quota bars in one call.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)

	snap, err := h.usage.Usage(r.Context(), uid)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	ents, err := h.entitlements.Entitlements(r.Context(), uid)
	if err != nil {
		logger.Error("entitlement lookup failed for usage view", "user_id", uid, "error", err)
		ents = domain.DefaultEntitlements
	}

	httputil.OK(w, map[string]interface{}{
		"usage":  snap,
		"limits": domain.LimitsOf(ents),
		"plan":   ents.PlanType,
	})
}

// GetEntitlements returns the caller's plan limits.
func (h *Handlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	ents, err := h.entitlements.Entitlements(r.Context(), userID(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, ents)
}

// UploadAttachment stages one attachment to object storage ahead of a
// send. The returned storage key goes into SendRequest.Attachments.
func (h *Handlers) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.BadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "file field is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	key, err := h.attachments.Put(r.Context(), userID(r), header.Filename, contentType, file)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.Created(w, domain.Attachment{
		Name:       header.Filename,
		MimeType:   contentType,
		SizeBytes:  header.Size,
		StorageKey: key,
	})
}
