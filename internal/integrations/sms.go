package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/servicehero/flowd/internal/logging"
	"github.com/servicehero/flowd/pkg/schema"
)

// Credential keys the sms integration resolves from the vault.
const (
	credTwilioAccountSID = "twilio_account_sid"
	credTwilioAuthToken  = "twilio_auth_token"
	credTwilioFromPhone  = "twilio_from_phone"
)

const smsSendInputSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "description": "Recipient phone number"},
    "message": {"type": "string", "description": "Message body"}
  },
  "required": ["to", "message"]
}`

// SMSIntegration sends text messages through Twilio. Without credentials it
// runs in mock mode: the message is logged and a synthetic result returned, so
// workflows remain fully testable with nothing configured.
type SMSIntegration struct {
	creds   CredentialSource
	client  *http.Client
	apiBase string
	logger  *slog.Logger
}

// NewSMSIntegration creates the sms integration. A nil creds source means
// permanent mock mode.
func NewSMSIntegration(creds CredentialSource, logger *slog.Logger) *SMSIntegration {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMSIntegration{
		creds:   creds,
		client:  &http.Client{Timeout: 15 * time.Second},
		apiBase: "https://api.twilio.com",
		logger:  logger,
	}
}

func (s *SMSIntegration) Name() string { return "sms" }

func (s *SMSIntegration) Actions() []ActionInfo {
	return []ActionInfo{
		{
			Name:        "send",
			Description: "Send an SMS message to a phone number.",
			InputSchema: json.RawMessage(smsSendInputSchema),
		},
	}
}

func (s *SMSIntegration) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if action != "send" {
		return nil, schema.NewIntegrationError(false, "unknown_action",
			fmt.Sprintf("sms: unknown action %q", action))
	}

	to := stringParam(params, "to", "")
	if to == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "sms: missing required param 'to'")
	}
	message := stringParam(params, "message", stringParam(params, "body", ""))
	if message == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "sms: missing required param 'message'")
	}

	to = normalizePhone(to)

	sid, sidOK := credential(ctx, s.creds, credTwilioAccountSID)
	token, tokenOK := credential(ctx, s.creds, credTwilioAuthToken)
	from, fromOK := credential(ctx, s.creds, credTwilioFromPhone)
	if !sidOK || !tokenOK || !fromOK {
		return s.mockSend(ctx, to, message), nil
	}
	return s.twilioSend(ctx, sid, token, from, to, message)
}

func (s *SMSIntegration) mockSend(ctx context.Context, to, message string) map[string]any {
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "mock sms sent",
		slog.String("to", to),
		slog.Int("message_len", len(message)))
	return map[string]any{
		"message_id": "mock_sms_" + uuid.NewString()[:8],
		"to":         to,
		"status":     "sent",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"provider":   "twilio_mock",
	}
}

func (s *SMSIntegration) twilioSend(ctx context.Context, sid, token, from, to, message string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.apiBase, sid)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, schema.NewIntegrationError(false, "bad_request",
			"sms: failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(sid, token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, schema.NewIntegrationError(true, "request_failed",
			fmt.Sprintf("sms: twilio request failed: %v", err)).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, schema.NewIntegrationError(true, "read_failed",
			"sms: failed to read twilio response").WithCause(err)
	}

	var payload struct {
		SID     string `json:"sid"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil && resp.StatusCode < 400 {
		return nil, schema.NewIntegrationError(true, "bad_response",
			"sms: twilio returned unparseable response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		transient := resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		msg := payload.Message
		if msg == "" {
			msg = fmt.Sprintf("twilio returned %d", resp.StatusCode)
		}
		return nil, schema.NewIntegrationError(transient, fmt.Sprintf("twilio_%d", resp.StatusCode),
			"sms: "+msg).WithDetails(map[string]any{
			"status_code": resp.StatusCode,
			"error_code":  payload.Code,
		})
	}

	logging.LogWith(ctx, s.logger).InfoContext(ctx, "sms sent",
		slog.String("to", to),
		slog.String("message_id", payload.SID))

	return map[string]any{
		"message_id": payload.SID,
		"to":         to,
		"status":     payload.Status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"provider":   "twilio",
	}, nil
}

// normalizePhone strips common formatting characters and defaults to the +1
// country code when none is given.
func normalizePhone(phone string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', '(', ')', ' ':
			return -1
		}
		return r
	}, phone)
	if cleaned == "" || strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	return "+1" + cleaned
}

var _ Integration = (*SMSIntegration)(nil)
