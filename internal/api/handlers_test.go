package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relayhub/unibox/internal/config"
	"github.com/relayhub/unibox/internal/counter"
	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/queue"
	"github.com/relayhub/unibox/internal/safety"
	"github.com/relayhub/unibox/internal/storage"
)

// fakeEntitlements returns a fixed profile for every user.
type fakeEntitlements struct{ profile domain.EntitlementProfile }

func (f *fakeEntitlements) Entitlements(context.Context, string) (domain.EntitlementProfile, error) {
	return f.profile, nil
}

// fakeCounters serves configurable window counts and no cooldowns.
type fakeCounters struct {
	hourly int64
	daily  int64
}

func (f *fakeCounters) HourlyCount(context.Context, string, time.Time) (int64, error) {
	return f.hourly, nil
}
func (f *fakeCounters) DailyCount(context.Context, string, time.Time) (int64, error) {
	return f.daily, nil
}
func (f *fakeCounters) Cooldown(context.Context, counter.CooldownScope, string, string, time.Time) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

// fakeQueueRepo is a minimal in-memory queue.Repository for handler tests.
type fakeQueueRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.QueuedJob
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{jobs: make(map[string]*domain.QueuedJob)}
}

func (f *fakeQueueRepo) Insert(_ context.Context, job *domain.QueuedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}
func (f *fakeQueueRepo) Claim(context.Context, string, int) ([]*domain.QueuedJob, error) {
	return nil, nil
}
func (f *fakeQueueRepo) MarkSent(context.Context, string, time.Time) error      { return nil }
func (f *fakeQueueRepo) MarkRetry(context.Context, string, int, string, time.Time) error {
	return nil
}
func (f *fakeQueueRepo) MarkDeadLetter(context.Context, string, int, string) error { return nil }
func (f *fakeQueueRepo) Job(_ context.Context, id string) (*domain.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}
func (f *fakeQueueRepo) ListByStatus(_ context.Context, userID string, status domain.JobStatus, limit int) ([]*domain.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.QueuedJob
	for _, j := range f.jobs {
		if j.Request.UserID == userID && j.Status == status && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeQueueRepo) RequeueStale(context.Context, time.Duration, int) (int64, int64, error) {
	return 0, 0, nil
}
func (f *fakeQueueRepo) Prune(context.Context, int, int) (int64, error) { return 0, nil }

type fakeSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSender) Send(context.Context, *domain.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecorder) Record(context.Context, string, *domain.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeUsage struct{ snap domain.UsageSnapshot }

func (f *fakeUsage) Usage(context.Context, string) (domain.UsageSnapshot, error) {
	return f.snap, nil
}

type testEnv struct {
	server   *httptest.Server
	counters *fakeCounters
	sender   *fakeSender
	recorder *fakeRecorder
	repo     *fakeQueueRepo
}

func setupAPI(t *testing.T) *testEnv {
	t.Helper()

	safetyCfg := config.SafetyConfig{
		MaxAttachments:         5,
		AllowedAttachmentTypes: []string{"application/pdf", "image/*", "text/plain"},
		BlockedAttachmentTypes: []string{"application/x-msdownload"},
		StoreTimeoutSeconds:    3,
	}

	counters := &fakeCounters{}
	svc := safety.NewService(
		&fakeEntitlements{profile: domain.DefaultEntitlements},
		counters,
		safety.NewAttachmentPolicy(safetyCfg),
		safetyCfg.StoreTimeout(),
	)

	repo := newFakeQueueRepo()
	sender := &fakeSender{}
	recorder := &fakeRecorder{}

	h := NewHandlers(svc, queue.NewService(repo), sender, recorder,
		&fakeUsage{snap: domain.UsageSnapshot{Hourly: 3, Daily: 12, Monthly: 140}},
		&fakeEntitlements{profile: domain.DefaultEntitlements},
		storage.NewMemoryStore())

	srv := httptest.NewServer(SetupRoutes(h, nil))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, counters: counters, sender: sender, recorder: recorder, repo: repo}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	req.Header.Set(userIDHeader, "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func sendBody(recipients ...string) map[string]interface{} {
	return map[string]interface{}{
		"provider":   "gmail",
		"account_id": 7,
		"recipients": recipients,
		"subject":    "hello",
		"body":       "<p>hi</p>",
	}
}

func TestMissingIdentityHeaderIs401(t *testing.T) {
	env := setupAPI(t)
	resp, err := http.Post(env.server.URL+"/api/email/check", "application/json",
		strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCheckSend_AllowedAndDeniedBothReturn200(t *testing.T) {
	env := setupAPI(t)

	resp := env.post(t, "/api/email/check", sendBody("a@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var allowed domain.RateLimitResult
	json.NewDecoder(resp.Body).Decode(&allowed)
	if !allowed.Allowed {
		t.Errorf("expected allowed, got denial: %s", allowed.Reason)
	}

	env.counters.hourly = 50 // at the free-tier hourly limit
	resp = env.post(t, "/api/email/check", sendBody("a@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check is informational, expected 200, got %d", resp.StatusCode)
	}
	var denied domain.RateLimitResult
	json.NewDecoder(resp.Body).Decode(&denied)
	if denied.Allowed {
		t.Error("expected denial at the hourly limit")
	}
	if denied.RetryAfter != 3600 {
		t.Errorf("expected retry_after 3600, got %d", denied.RetryAfter)
	}
}

func TestSendEmail_DeliversAndRecords(t *testing.T) {
	env := setupAPI(t)

	resp := env.post(t, "/api/email/send", sendBody("a@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.sender.calls != 1 {
		t.Errorf("expected one delivery, got %d", env.sender.calls)
	}
	if env.recorder.calls != 1 {
		t.Errorf("expected one usage record, got %d", env.recorder.calls)
	}
}

func TestSendEmail_DeniedIs429WithRetryAfterHeader(t *testing.T) {
	env := setupAPI(t)
	env.counters.hourly = 50

	resp := env.post(t, "/api/email/send", sendBody("a@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "3600" {
		t.Errorf("expected Retry-After 3600, got %q", got)
	}
	if env.sender.calls != 0 {
		t.Error("denied request must never reach the provider")
	}

	var body struct {
		Error  string        `json:"error"`
		Reason string        `json:"reason"`
		Limits domain.Limits `json:"limits"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "rate_limited" {
		t.Errorf("expected rate_limited envelope, got %q", body.Error)
	}
	if body.Limits.Hourly != 50 {
		t.Errorf("expected limits echoed back, got %+v", body.Limits)
	}
}

func TestSendEmail_TooManyRecipients(t *testing.T) {
	env := setupAPI(t)

	var recipients []string
	for i := 0; i < 11; i++ {
		recipients = append(recipients, fmt.Sprintf("r%d@example.com", i))
	}
	resp := env.post(t, "/api/email/send", sendBody(recipients...))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Reason != "Too many recipients. Maximum allowed: 10" {
		t.Errorf("unexpected reason: %q", body.Reason)
	}
}

func TestQueueEmail_Returns202WithJob(t *testing.T) {
	env := setupAPI(t)

	resp := env.post(t, "/api/email/queue", sendBody("a@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var job domain.QueuedJob
	json.NewDecoder(resp.Body).Decode(&job)
	if job.ID == "" || job.Status != domain.JobQueued {
		t.Errorf("unexpected job: %+v", job)
	}

	// The job is pollable right away.
	poll := env.get(t, "/api/email/jobs/"+job.ID)
	defer poll.Body.Close()
	if poll.StatusCode != http.StatusOK {
		t.Errorf("expected 200 polling the job, got %d", poll.StatusCode)
	}
}

func TestGetJob_UnknownIs404(t *testing.T) {
	env := setupAPI(t)
	resp := env.get(t, "/api/email/jobs/nope")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetUsage_CombinesSnapshotAndLimits(t *testing.T) {
	env := setupAPI(t)

	resp := env.get(t, "/api/usage")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Usage  domain.UsageSnapshot `json:"usage"`
		Limits domain.Limits        `json:"limits"`
		Plan   string               `json:"plan"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Usage.Hourly != 3 || body.Usage.Monthly != 140 {
		t.Errorf("unexpected usage: %+v", body.Usage)
	}
	if body.Limits.Hourly != 50 || body.Plan != "free" {
		t.Errorf("unexpected limits/plan: %+v %s", body.Limits, body.Plan)
	}
}

func TestValidation_MissingRecipients(t *testing.T) {
	env := setupAPI(t)
	resp := env.post(t, "/api/email/send", map[string]interface{}{"provider": "gmail"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// disconnectingSender simulates the client going away while the message is
// in flight: delivery succeeds but the request context is canceled by the
// time accounting runs.
type disconnectingSender struct{ cancel context.CancelFunc }

func (d *disconnectingSender) Send(context.Context, *domain.SendRequest) error {
	d.cancel()
	return nil
}

type ctxCheckRecorder struct {
	calls  int
	ctxErr error
}

func (c *ctxCheckRecorder) Record(ctx context.Context, _ string, _ *domain.SendRequest) error {
	c.calls++
	c.ctxErr = ctx.Err()
	return ctx.Err()
}

func TestSendEmail_RecordsAfterClientDisconnect(t *testing.T) {
	safetyCfg := config.SafetyConfig{StoreTimeoutSeconds: 3}
	svc := safety.NewService(
		&fakeEntitlements{profile: domain.DefaultEntitlements},
		&fakeCounters{},
		safety.NewAttachmentPolicy(safetyCfg),
		safetyCfg.StoreTimeout(),
	)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &disconnectingSender{cancel: cancel}
	recorder := &ctxCheckRecorder{}

	h := NewHandlers(svc, queue.NewService(newFakeQueueRepo()), sender, recorder,
		&fakeUsage{}, &fakeEntitlements{profile: domain.DefaultEntitlements},
		storage.NewMemoryStore())

	data, _ := json.Marshal(sendBody("a@example.com"))
	req := httptest.NewRequest(http.MethodPost, "/api/email/send", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(contextWithUserID(reqCtx, "user-1"))

	w := httptest.NewRecorder()
	h.SendEmail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if recorder.calls != 1 {
		t.Fatalf("expected exactly one record, got %d", recorder.calls)
	}
	if recorder.ctxErr != nil {
		t.Errorf("recording ran on the dead request context: %v", recorder.ctxErr)
	}
}
