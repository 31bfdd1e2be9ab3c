package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kronk/taskengine/internal/config"
	"github.com/kronk/taskengine/internal/task"
)

// Template aliases known to the mail API.
const (
	TemplateVerification  = "kronk-verification-key-alias"
	TemplatePasswordReset = "kronk-password-reset-key-alias"
	TemplateThanks        = "kronk-thanks-for-signing-up-key-alias"
)

const (
	defaultEmailCode    = "0000"
	defaultEmailTimeout = 15 * time.Second
	maxErrorBody        = 4 << 10
)

// SendEmailPayload is the send_email argument.
type SendEmailPayload struct {
	ToEmail            string `json:"to_email" validate:"required,email"`
	Username           string `json:"username" validate:"required"`
	Code               string `json:"code,omitempty"`
	ForResetPassword   bool   `json:"for_reset_password,omitempty"`
	ForThanksSigningUp bool   `json:"for_thanks_signing_up,omitempty"`
}

// SendEmailResult is the send_email output.
type SendEmailResult struct {
	Status   int    `json:"status"`
	Message  string `json:"message,omitempty"`
	Template string `json:"template"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type emailRecipient struct {
	EmailAddress emailAddress `json:"email_address"`
}

type templateRequest struct {
	TemplateAlias string            `json:"template_alias"`
	From          emailAddress      `json:"from"`
	To            []emailRecipient  `json:"to"`
	MergeInfo     map[string]string `json:"merge_info"`
}

type apiResponse struct {
	Message string `json:"message"`
}

// EmailSender sends template e-mail through the ZeptoMail HTTP API.
type EmailSender struct {
	client     *http.Client
	apiURL     string
	token      string
	fromDomain string
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewEmailSender creates an EmailSender from cfg.
func NewEmailSender(cfg config.EmailConfig, client *http.Client, logger *slog.Logger) (*EmailSender, error) {
	if cfg.APIURL == "" || cfg.APIToken == "" || cfg.FromDomain == "" {
		return nil, errors.New("email api url, token and sender domain are required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultEmailTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailSender{
		client:     client,
		apiURL:     cfg.APIURL,
		token:      cfg.APIToken,
		fromDomain: cfg.FromDomain,
		validate:   validator.New(),
		logger:     logger.With("component", "send_email"),
	}, nil
}

// Handler returns the task handler.
func (s *EmailSender) Handler() task.Handler {
	return task.Typed(func(ctx context.Context, exec *task.Execution, payload SendEmailPayload) (any, error) {
		return s.Send(ctx, payload)
	})
}

// Send posts one template e-mail. Client errors other than 429 are permanent;
// server errors and transport failures are retried.
func (s *EmailSender) Send(ctx context.Context, payload SendEmailPayload) (*SendEmailResult, error) {
	if err := s.validate.Struct(payload); err != nil {
		return nil, task.Permanent(fmt.Errorf("invalid email payload: %w", err))
	}

	req := s.buildRequest(payload)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("encode email request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("build email request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Zoho-enczapikey "+s.token)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &decoded)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		taskLogger(ctx, s.logger).Info("email sent",
			"template", req.TemplateAlias,
			"status", resp.StatusCode)
		return &SendEmailResult{Status: resp.StatusCode, Message: decoded.Message, Template: req.TemplateAlias}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("email api returned %d: %s", resp.StatusCode, decoded.Message)
	default:
		return nil, task.Permanent(fmt.Errorf("email api rejected request with %d: %s", resp.StatusCode, decoded.Message))
	}
}

// buildRequest picks the template and sender mailbox. Thanks wins over
// password reset when both flags are set.
func (s *EmailSender) buildRequest(payload SendEmailPayload) templateRequest {
	alias, mailbox := TemplateVerification, "verify"
	if payload.ForResetPassword {
		alias, mailbox = TemplatePasswordReset, "reset"
	}
	if payload.ForThanksSigningUp {
		alias, mailbox = TemplateThanks, "thanks"
	}

	code := payload.Code
	if code == "" {
		code = defaultEmailCode
	}

	return templateRequest{
		TemplateAlias: alias,
		From:          emailAddress{Address: mailbox + "@" + s.fromDomain, Name: mailbox},
		To: []emailRecipient{
			{EmailAddress: emailAddress{Address: payload.ToEmail, Name: payload.Username}},
		},
		MergeInfo: map[string]string{"code": code, "username": payload.Username},
	}
}
