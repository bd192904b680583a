// Package handlers contains the HTTP handler implementations for the
// pushdesk API: subscription registration, the worker trigger, and the
// pipeline status endpoint.
package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pushdesk/internal/core"
	"pushdesk/internal/db"
	"pushdesk/internal/push"
	"pushdesk/internal/types"
)

// --- Service Interfaces ---

// SubscriptionWriter defines the persistence contract for subscription
// registration. Mirrors the concrete db.SubscriptionRepository methods
// relevant to this handler.
type SubscriptionWriter interface {
	Upsert(ctx context.Context, p db.UpsertParams) (int64, error)
	CountEnabledByType(ctx context.Context) (map[types.UserType]int, error)
}

// UserDirectory resolves the identity fields of a subscribe request to an
// internal user id.
type UserDirectory interface {
	ResolveClient(ctx context.Context, phone, registerNo string) (int64, error)
	ResolveWorker(ctx context.Context, phone, registerNo string) (int64, error)
}

// WorkerRunner triggers one worker pass over the due jobs.
type WorkerRunner interface {
	RunDueJobs(ctx context.Context, opts push.RunOptions) ([]types.JobResult, error)
}

// Enqueuer accepts notification events from business producers.
type Enqueuer interface {
	Enqueue(ctx context.Context, p push.EnqueueParams) (push.EnqueueResult, error)
}

// JobCounter exposes the job status aggregates for the status endpoint.
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[types.JobStatus]int, error)
}

// --- Request/Response Models ---

// SubscribeRequest is the request body for POST /v1/push/subscribe.
// Phone and register_no identify the user in the directory; which of the two
// are required depends on the user type.
type SubscribeRequest struct {
	UserType          string `json:"user_type" validate:"required,oneof=CLIENT WORKER"`
	Phone             string `json:"phone"`
	RegisterNo        string `json:"register_no"`
	Token             string `json:"token" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required"`
	UserAgent         string `json:"user_agent"`
	Platform          string `json:"platform"`
	Browser           string `json:"browser"`
	DeviceID          string `json:"device_id"`
	Locale            string `json:"locale"`
}

// SubscribeResponse confirms a stored subscription.
type SubscribeResponse struct {
	SubscriptionID int64  `json:"subscription_id"`
	UserType       string `json:"user_type"`
	UserID         int64  `json:"user_id"`
}

// EnqueuePayload is the notification content of an enqueue request.
type EnqueuePayload struct {
	TemplateID string         `json:"template_id"`
	Title      string         `json:"title" validate:"required,max=255"`
	Body       string         `json:"body" validate:"required"`
	IconURL    string         `json:"icon_url" validate:"omitempty,url"`
	ClickURL   string         `json:"click_url" validate:"omitempty,url"`
	Data       map[string]any `json:"data"`
	TTLSeconds int            `json:"ttl_seconds" validate:"omitempty,min=0,max=2419200"`
	Urgency    string         `json:"urgency" validate:"omitempty,oneof=very-low low normal high"`
}

// EnqueueRequest is the request body for POST /v1/push/enqueue. The server
// builds the dedup key from rule_code, the calendar day, the target user,
// and any extra parts, so repeated triggers for the same logical event
// collapse into one job.
type EnqueueRequest struct {
	RuleCode   string         `json:"rule_code" validate:"required,oneof=CLEAN_SCHEDULE WORK_ASSIGNED WORK_UNASSIGNED WORK_FINISHING SUPPLEMENTS_PENDING WORK_APPLY_OPEN"`
	UserType   string         `json:"user_type" validate:"required,oneof=CLIENT WORKER"`
	UserID     int64          `json:"user_id" validate:"min=0"`
	DedupDate  string         `json:"dedup_date" validate:"omitempty,datetime=2006-01-02"`
	DedupParts []string       `json:"dedup_parts" validate:"max=8"`
	Payload    EnqueuePayload `json:"payload" validate:"required"`

	// ScheduledAt defers delivery; empty means due immediately.
	ScheduledAt *time.Time `json:"scheduled_at"`
	CreatedBy   string     `json:"created_by" validate:"omitempty,max=100"`
}

// WorkerRunRequest is the request body for POST /v1/push/worker/run. Both
// fields are optional; the worker falls back to its configured defaults.
type WorkerRunRequest struct {
	Limit    int    `json:"limit" validate:"omitempty,min=1,max=500"`
	LockedBy string `json:"lockedBy" validate:"omitempty,max=100"`
}

// WorkerRunSummary aggregates one worker pass.
type WorkerRunSummary struct {
	Jobs   int `json:"jobs"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// WorkerRunResponse is the response body for POST /v1/push/worker/run.
type WorkerRunResponse struct {
	Summary WorkerRunSummary  `json:"summary"`
	Results []types.JobResult `json:"results"`
}

// StatusResponse is the response body for GET /v1/push/status.
type StatusResponse struct {
	Jobs          map[string]int `json:"jobs"`
	Subscriptions map[string]int `json:"subscriptions"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// --- Handler ---

// PushHandler serves the push pipeline endpoints.
type PushHandler struct {
	subs        SubscriptionWriter
	directory   UserDirectory
	worker      WorkerRunner
	jobs        JobCounter
	queue       Enqueuer
	keys        *push.KeyBuilder
	workerToken types.SecretString
	validator   *core.Validator
	logger      *slog.Logger
}

// NewPushHandler creates a PushHandler with the provided dependencies.
// An empty workerToken disables the worker trigger and enqueue endpoints
// entirely.
func NewPushHandler(
	subs SubscriptionWriter,
	directory UserDirectory,
	worker WorkerRunner,
	jobs JobCounter,
	queue Enqueuer,
	keys *push.KeyBuilder,
	workerToken types.SecretString,
	v *core.Validator,
	l *slog.Logger,
) *PushHandler {
	return &PushHandler{
		subs:        subs,
		directory:   directory,
		worker:      worker,
		jobs:        jobs,
		queue:       queue,
		keys:        keys,
		workerToken: workerToken,
		validator:   v,
		logger:      l,
	}
}

// RegisterRoutes mounts the push endpoints on the given router.
func (h *PushHandler) RegisterRoutes(r chi.Router) {
	r.Route("/push", func(r chi.Router) {
		r.Post("/subscribe", h.HandleSubscribe)
		r.Post("/enqueue", h.HandleEnqueue)
		r.Post("/worker/run", h.HandleWorkerRun)
		r.Get("/status", h.HandleStatus)
	})
}

// HandleSubscribe implements POST /v1/push/subscribe.
//
// The caller proves who they are with directory fields rather than an
// account session: clients must present both phone and register number,
// workers either one. An unknown identity is a 404; the token itself is
// validated and normalized by the subscription repository.
func (h *PushHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userType := types.UserType(req.UserType)

	userID, err := h.resolveUser(ctx, userType, req.Phone, req.RegisterNo)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	subscriptionID, err := h.subs.Upsert(ctx, db.UpsertParams{
		UserType:          userType,
		UserID:            userID,
		Token:             req.Token,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         req.UserAgent,
		Platform:          req.Platform,
		Browser:           req.Browser,
		DeviceID:          req.DeviceID,
		Locale:            req.Locale,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "push subscription registered",
		"subscription_id", subscriptionID,
		"user_type", req.UserType,
		"user_id", userID,
		"token", types.MaskToken(req.Token),
		"device_fingerprint", types.MaskFingerprint(req.DeviceFingerprint),
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: SubscribeResponse{
		SubscriptionID: subscriptionID,
		UserType:       req.UserType,
		UserID:         userID,
	}})
}

// resolveUser applies the per-type identity rules and looks the user up in
// the directory.
func (h *PushHandler) resolveUser(ctx context.Context, userType types.UserType, phone, registerNo string) (int64, error) {
	switch userType {
	case types.UserTypeClient:
		if phone == "" || registerNo == "" {
			return 0, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"client subscriptions require both phone and register_no",
				nil,
			)
		}
		return h.directory.ResolveClient(ctx, phone, registerNo)
	case types.UserTypeWorker:
		if phone == "" && registerNo == "" {
			return 0, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"worker subscriptions require phone or register_no",
				nil,
			)
		}
		return h.directory.ResolveWorker(ctx, phone, registerNo)
	default:
		return 0, types.NewAppError(
			types.ErrCodeValidationInvalidUserType,
			"user_type must be CLIENT or WORKER",
			nil,
		)
	}
}

// HandleEnqueue implements POST /v1/push/enqueue.
//
// Like the worker trigger, this is a machine endpoint: the scheduling
// platform calls it when a business rule fires, authenticated by the
// X-Worker-Token shared secret. The dedup key is derived server-side, so a
// rule re-firing for the same calendar day and target is answered with
// created=false and the original job id.
func (h *PushHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authorizeWorker(r) {
		h.logger.WarnContext(ctx, "enqueue rejected", "remote_addr", r.RemoteAddr)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthWorkerToken,
			"invalid worker token",
			nil,
		))
		return
	}

	var req EnqueueRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	dedupKey, err := h.buildDedupKey(req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var scheduledAt time.Time
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	result, err := h.queue.Enqueue(ctx, push.EnqueueParams{
		RuleCode: req.RuleCode,
		UserType: types.UserType(req.UserType),
		UserID:   req.UserID,
		DedupKey: dedupKey,
		Payload: types.NotifyPayload{
			TemplateID: req.Payload.TemplateID,
			Title:      req.Payload.Title,
			Body:       req.Payload.Body,
			IconURL:    req.Payload.IconURL,
			ClickURL:   req.Payload.ClickURL,
			Data:       req.Payload.Data,
			TTLSeconds: req.Payload.TTLSeconds,
			Urgency:    types.Urgency(req.Payload.Urgency),
		},
		ScheduledAt: scheduledAt,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	core.JSON(w, r, status, core.APIResponse{Data: result})
}

// buildDedupKey derives the canonical dedup key for an enqueue request:
// rule code, calendar day (request-supplied or today in the service zone),
// the target user when one is named, then any extra parts in order.
func (h *PushHandler) buildDedupKey(req EnqueueRequest) (string, error) {
	day := time.Now()
	if req.DedupDate != "" {
		parsed, err := time.ParseInLocation("2006-01-02", req.DedupDate, h.keys.Location())
		if err != nil {
			return "", types.NewAppError(
				types.ErrCodeValidationDedupKeyPart,
				"dedup_date must be formatted as YYYY-MM-DD",
				err,
			)
		}
		day = parsed
	}

	parts := []push.KeyPart{push.DatePart(day)}
	if req.UserID > 0 {
		parts = append(parts, push.IntPart(float64(req.UserID)))
	}
	for _, p := range req.DedupParts {
		parts = append(parts, push.StringPart(p))
	}

	return h.keys.Build(push.DedupPrefix(req.RuleCode), parts...)
}

// HandleWorkerRun implements POST /v1/push/worker/run.
//
// The endpoint is meant for a cron scheduler, not end users: it requires the
// X-Worker-Token shared secret and runs one worker pass synchronously. When
// no token is configured the endpoint refuses every request.
func (h *PushHandler) HandleWorkerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authorizeWorker(r) {
		h.logger.WarnContext(ctx, "worker trigger rejected", "remote_addr", r.RemoteAddr)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthWorkerToken,
			"invalid worker token",
			nil,
		))
		return
	}

	var req WorkerRunRequest
	if r.ContentLength > 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	results, err := h.worker.RunDueJobs(ctx, push.RunOptions{
		Limit:    req.Limit,
		LockedBy: req.LockedBy,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	summary := WorkerRunSummary{Jobs: len(results)}
	for _, res := range results {
		summary.Sent += res.Sent
		summary.Failed += res.Failed
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: WorkerRunResponse{
		Summary: summary,
		Results: results,
	}})
}

// authorizeWorker compares the X-Worker-Token header against the configured
// shared secret in constant time. When no secret is configured the check is
// disabled and every caller is accepted.
func (h *PushHandler) authorizeWorker(r *http.Request) bool {
	secret := h.workerToken.Unmask()
	if secret == "" {
		return true
	}
	presented := r.Header.Get("X-Worker-Token")
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// HandleStatus implements GET /v1/push/status: job counts by status and
// enabled subscription counts by user type.
func (h *PushHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobCounts, err := h.jobs.CountByStatus(ctx)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	subCounts, err := h.subs.CountEnabledByType(ctx)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := StatusResponse{
		Jobs:          make(map[string]int, len(jobCounts)),
		Subscriptions: make(map[string]int, len(subCounts)),
		GeneratedAt:   time.Now().UTC(),
	}
	for status, count := range jobCounts {
		resp.Jobs[string(status)] = count
	}
	for userType, count := range subCounts {
		resp.Subscriptions[string(userType)] = count
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
