package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/servicehero/flowd/internal/logging"
	"github.com/servicehero/flowd/pkg/schema"
)

// Credential keys reserved for the email integration.
const (
	credSendGridAPIKey    = "sendgrid_api_key"
	credSendGridFromEmail = "sendgrid_from_email"
)

const emailSendInputSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "description": "Recipient email address"},
    "subject": {"type": "string", "description": "Email subject line"},
    "body": {"type": "string", "description": "Email body"}
  },
  "required": ["to", "subject", "body"]
}`

// EmailIntegration delivers email notifications. Delivery currently runs in
// mock mode only; the SendGrid credential keys are reserved in the vault for
// when a live sender lands.
type EmailIntegration struct {
	creds  CredentialSource
	logger *slog.Logger
}

// NewEmailIntegration creates the email integration.
func NewEmailIntegration(creds CredentialSource, logger *slog.Logger) *EmailIntegration {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailIntegration{creds: creds, logger: logger}
}

func (e *EmailIntegration) Name() string { return "email" }

func (e *EmailIntegration) Actions() []ActionInfo {
	return []ActionInfo{
		{
			Name:        "send",
			Description: "Send an email to an address.",
			InputSchema: json.RawMessage(emailSendInputSchema),
		},
	}
}

func (e *EmailIntegration) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if action != "send" {
		return nil, schema.NewIntegrationError(false, "unknown_action",
			fmt.Sprintf("email: unknown action %q", action))
	}

	to := stringParam(params, "to", "")
	if to == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "email: missing required param 'to'")
	}
	subject := stringParam(params, "subject", "")
	body := stringParam(params, "body", stringParam(params, "message", ""))

	from, _ := credential(ctx, e.creds, credSendGridFromEmail)

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "mock email sent",
		slog.String("to", to),
		slog.String("from", from),
		slog.String("subject", subject),
		slog.Int("body_len", len(body)))

	return map[string]any{
		"message_id": "mock_email_" + uuid.NewString()[:8],
		"to":         to,
		"status":     "sent",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"provider":   "sendgrid_mock",
	}, nil
}

var _ Integration = (*EmailIntegration)(nil)
