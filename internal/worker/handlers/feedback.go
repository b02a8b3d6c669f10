package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

var ErrEmailNotConfigured = errors.New("email delivery is not configured")

type FeedbackPayload struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email" validate:"omitempty,email"`
	Rating  int    `json:"rating" validate:"omitempty,min=1,max=5"`
	Message string `json:"message" validate:"required"`
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	// FeedbackTo receives every feedback message.
	FeedbackTo string
}

type emailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type FeedbackMailer struct {
	client emailSender
	cfg    EmailConfig
	logger *slog.Logger
}

func NewFeedbackMailer(cfg EmailConfig, logger *slog.Logger) (*FeedbackMailer, error) {
	if cfg.APIKey == "" || cfg.FromAddress == "" || cfg.FeedbackTo == "" {
		return nil, ErrEmailNotConfigured
	}

	return newFeedbackMailer(sendgrid.NewSendClient(cfg.APIKey), cfg, logger), nil
}

func newFeedbackMailer(client emailSender, cfg EmailConfig, logger *slog.Logger) *FeedbackMailer {
	if logger == nil {
		logger = slog.Default()
	}

	return &FeedbackMailer{client: client, cfg: cfg, logger: logger}
}

func (m *FeedbackMailer) Handle(ctx context.Context, t *task.Task) error {
	payload, err := decodePayload[FeedbackPayload](t.Payload)
	if err != nil {
		return err
	}

	from := mail.NewEmail(m.cfg.FromName, m.cfg.FromAddress)
	to := mail.NewEmail("", m.cfg.FeedbackTo)
	subject := feedbackSubject(payload)
	body := feedbackBody(t.ID, payload)

	email := mail.NewSingleEmail(from, subject, to, body, "")
	if payload.Email != "" {
		email.SetReplyTo(mail.NewEmail("", payload.Email))
	}

	response, err := m.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return &retry.ProviderError{
			Provider:   "sendgrid",
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(response.Body),
		}
	}

	m.logger.InfoContext(ctx, "feedback email sent", "task_id", t.ID, "status", response.StatusCode)
	return nil
}

func feedbackSubject(p FeedbackPayload) string {
	if p.Rating > 0 {
		return fmt.Sprintf("New feedback (%d/5)", p.Rating)
	}
	return "New feedback"
}

func feedbackBody(taskID string, p FeedbackPayload) string {
	var b strings.Builder
	b.WriteString(p.Message)
	b.WriteString("\n\n--\n")
	if p.UserID != "" {
		fmt.Fprintf(&b, "User: %s\n", p.UserID)
	}
	if p.Email != "" {
		fmt.Fprintf(&b, "Reply to: %s\n", p.Email)
	}
	fmt.Fprintf(&b, "Reference: %s\n", taskID)
	return b.String()
}
