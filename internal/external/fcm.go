package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"pushdesk/internal/types"
)

const (
	// messagingScope is the OAuth2 scope required by the FCM v1 send API.
	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	defaultEndpointBase = "https://fcm.googleapis.com"

	defaultTTLSeconds = 3600
	defaultUrgency    = types.UrgencyNormal
)

// FCMConfig holds the construction parameters for an FCMClient.
type FCMConfig struct {
	// CredentialsJSON is the service account key as raw JSON. When empty,
	// CredentialsFile is read instead.
	CredentialsJSON types.SecretString
	CredentialsFile string

	// EndpointBase overrides the FCM origin. Tests point it at a local server.
	EndpointBase string

	SendTimeout time.Duration
	Logger      *slog.Logger
}

// FCMClient sends web push messages through the FCM HTTP v1 API.
//
// Credential loading is lazy: the service account JSON is parsed and the
// token source built on the first Send, deduplicated across concurrent
// callers. A client whose credentials fail to parse reports every send as
// FAILED rather than crashing the worker.
type FCMClient struct {
	base    *BaseClient
	cfg     FCMConfig
	logger  *slog.Logger
	initSF  singleflight.Group
	ts      oauth2.TokenSource
	project string
	initErr error
	inited  bool
}

// NewFCMClient creates an FCMClient. Credentials are not validated here;
// the first Send surfaces any problem with them.
func NewFCMClient(cfg FCMConfig, opts ...BaseClientOption) *FCMClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FCMClient{
		base: NewBaseClient(
			&http.Client{Timeout: timeout},
			"fcm",
			DefaultRetryPolicy(),
			"pushdesk/1.0",
			opts...,
		),
		cfg:    cfg,
		logger: logger,
	}
}

// init loads the service account credentials exactly once. Concurrent first
// sends collapse into a single parse via singleflight; the result (including
// failure) is cached for the lifetime of the client.
func (c *FCMClient) init(ctx context.Context) error {
	if c.inited {
		return c.initErr
	}
	_, err, _ := c.initSF.Do("init", func() (any, error) {
		if c.inited {
			return nil, c.initErr
		}
		raw := []byte(c.cfg.CredentialsJSON.Unmask())
		if len(raw) == 0 && c.cfg.CredentialsFile != "" {
			var readErr error
			raw, readErr = os.ReadFile(c.cfg.CredentialsFile)
			if readErr != nil {
				c.initErr = types.NewAppError(
					types.ErrCodeUpstreamAuth,
					"failed to read push credentials file",
					readErr,
				)
				c.inited = true
				return nil, c.initErr
			}
		}
		if len(raw) == 0 {
			c.initErr = types.NewAppError(
				types.ErrCodeUpstreamAuth,
				"push credentials are not configured",
				nil,
			)
			c.inited = true
			return nil, c.initErr
		}

		creds, credErr := google.CredentialsFromJSON(ctx, raw, messagingScope)
		if credErr != nil {
			c.initErr = types.NewAppError(
				types.ErrCodeUpstreamAuth,
				"failed to parse push credentials",
				credErr,
			)
			c.inited = true
			return nil, c.initErr
		}
		if creds.ProjectID == "" {
			c.initErr = types.NewAppError(
				types.ErrCodeUpstreamAuth,
				"push credentials carry no project id",
				nil,
			)
			c.inited = true
			return nil, c.initErr
		}

		c.ts = creds.TokenSource
		c.project = creds.ProjectID
		c.initErr = nil
		c.inited = true
		c.logger.InfoContext(ctx, "push credentials loaded", "project_id", c.project)
		return nil, nil
	})
	return err
}

// fcmMessage is the FCM v1 request envelope.
type fcmMessage struct {
	Message struct {
		Token   string            `json:"token"`
		Data    map[string]string `json:"data,omitempty"`
		Webpush *fcmWebpush       `json:"webpush,omitempty"`
	} `json:"message"`
}

type fcmWebpush struct {
	Headers      map[string]string `json:"headers,omitempty"`
	Notification map[string]string `json:"notification,omitempty"`
	FCMOptions   *fcmOptions       `json:"fcm_options,omitempty"`
}

type fcmOptions struct {
	Link string `json:"link,omitempty"`
}

// fcmErrorBody is the subset of the FCM v1 error response used for
// classification.
type fcmErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Send delivers one message to one subscription. Transport failures of any
// kind are contained in the returned DeliveryResult; the error return is
// used only when the request could not be built at all.
func (c *FCMClient) Send(ctx context.Context, sub *types.PushSubscription, payload types.NotifyPayload, job *types.NotifyJob) (types.DeliveryResult, error) {
	if err := c.init(ctx); err != nil {
		return failedResult(err), nil
	}

	token, err := c.ts.Token()
	if err != nil {
		c.logger.ErrorContext(ctx, "push access token refresh failed", "error", err)
		return failedResult(err), nil
	}
	if token.AccessToken == "" {
		return failedResult(fmt.Errorf("push token source returned an empty access token")), nil
	}

	body, err := json.Marshal(buildMessage(sub.Token, payload, job.DedupKey))
	if err != nil {
		return types.DeliveryResult{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to encode push message",
			err,
		)
	}

	base := c.cfg.EndpointBase
	if base == "" {
		base = defaultEndpointBase
	}
	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", base, c.project)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.DeliveryResult{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to build push request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.base.Do(req)
	if err != nil {
		return failedResult(err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return types.DeliveryResult{
			Outcome:    types.DeliverySent,
			HTTPStatus: resp.StatusCode,
			SentAt:     time.Now().UTC(),
		}, nil
	}

	var errBody fcmErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(raw, &errBody)

	result := Classify(resp.StatusCode, errBody.Error.Status, errBody.Error.Message)

	if result.ErrorCode == "UNAUTHENTICATED" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.logger.ErrorContext(ctx, "push credentials rejected by transport",
			"http_status", resp.StatusCode,
			"error_code", result.ErrorCode,
			"token", types.MaskToken(sub.Token),
		)
	}

	return result, nil
}

// buildMessage renders the FCM v1 envelope for a web push delivery. Every
// payload field is duplicated into the data block so the client-side service
// worker can render the message without depending on the notification block.
func buildMessage(token string, payload types.NotifyPayload, dedupKey string) fcmMessage {
	data := map[string]string{
		"templateId": payload.TemplateID,
		"title":      payload.Title,
		"body":       payload.Body,
		"dedupKey":   dedupKey,
	}
	if payload.ClickURL != "" {
		data["clickUrl"] = payload.ClickURL
	}
	if payload.IconURL != "" {
		data["iconUrl"] = payload.IconURL
	}
	for k, v := range payload.Data {
		if _, reserved := data[k]; reserved {
			continue
		}
		data[k] = stringifyDataValue(v)
	}

	ttl := payload.TTLSeconds
	if ttl <= 0 {
		ttl = defaultTTLSeconds
	}
	urgency := payload.Urgency
	if urgency == "" {
		urgency = defaultUrgency
	}

	wp := &fcmWebpush{
		Headers: map[string]string{
			"TTL":     strconv.Itoa(ttl),
			"Urgency": string(urgency),
		},
		Notification: map[string]string{
			"title": payload.Title,
			"body":  payload.Body,
		},
	}
	if payload.IconURL != "" {
		wp.Notification["icon"] = payload.IconURL
	}
	if payload.ClickURL != "" {
		wp.FCMOptions = &fcmOptions{Link: payload.ClickURL}
	}

	var msg fcmMessage
	msg.Message.Token = token
	msg.Message.Data = data
	msg.Message.Webpush = wp
	return msg
}

// stringifyDataValue flattens a payload data value into the string form FCM
// requires. Non-scalar values are JSON-encoded.
func stringifyDataValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.Trim(string(encoded), `"`)
}

// Classify maps an FCM v1 error response to a delivery outcome.
//
// 404/410 and the NOT_FOUND status mean the registration token no longer
// exists; INVALID_ARGUMENT, or any message mentioning a registration token,
// means it never was valid. Both are permanent: the subscription is disabled
// so the token is not retried forever. 401/403/UNAUTHENTICATED indicates a
// credentials problem on our side, not the subscriber's, so the subscription
// survives.
func Classify(httpStatus int, errStatus, errMessage string) types.DeliveryResult {
	result := types.DeliveryResult{
		HTTPStatus:   httpStatus,
		ErrorCode:    errStatus,
		ErrorMessage: truncateMessage(errMessage),
	}

	switch {
	case httpStatus == http.StatusNotFound || httpStatus == http.StatusGone || errStatus == "NOT_FOUND":
		result.Outcome = types.DeliveryExpired
		result.DisableSubscription = true
		result.DisableReason = "token expired"
	case errStatus == "INVALID_ARGUMENT" || mentionsRegistrationToken(errMessage):
		result.Outcome = types.DeliveryInvalidToken
		result.DisableSubscription = true
		result.DisableReason = "token rejected as invalid"
	default:
		result.Outcome = types.DeliveryFailed
	}

	return result
}

func mentionsRegistrationToken(message string) bool {
	return strings.Contains(strings.ToLower(message), "registration token")
}

func truncateMessage(message string) string {
	if len(message) > 255 {
		return message[:255]
	}
	return message
}

// failedResult wraps an error that happened before or during transport into
// a FAILED delivery result.
func failedResult(err error) types.DeliveryResult {
	message := ""
	if err != nil {
		message = err.Error()
	}
	result := types.DeliveryResult{
		Outcome:      types.DeliveryFailed,
		ErrorMessage: truncateMessage(message),
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		result.ErrorCode = string(appErr.Code)
	}
	return result
}
