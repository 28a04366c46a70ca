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

// Credential key reserved for the calendar integration.
const credCalendlyAPIKey = "calendly_api_key"

const calendarCreateInputSchema = `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "description": "Appointment title"},
    "start_time": {"type": "string", "description": "Appointment start, RFC 3339"},
    "duration_minutes": {"type": "integer", "description": "Length in minutes", "default": 60},
    "customer_name": {"type": "string"},
    "customer_phone": {"type": "string"},
    "notes": {"type": "string"}
  },
  "required": ["start_time"]
}`

// CalendarIntegration books appointments. Booking currently runs in mock mode
// only; the Calendly credential key is reserved in the vault for when a live
// scheduler lands.
type CalendarIntegration struct {
	creds  CredentialSource
	logger *slog.Logger
}

// NewCalendarIntegration creates the calendar integration.
func NewCalendarIntegration(creds CredentialSource, logger *slog.Logger) *CalendarIntegration {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarIntegration{creds: creds, logger: logger}
}

func (c *CalendarIntegration) Name() string { return "calendar" }

func (c *CalendarIntegration) Actions() []ActionInfo {
	return []ActionInfo{
		{
			Name:        "create_appointment",
			Description: "Book an appointment on the calendar.",
			InputSchema: json.RawMessage(calendarCreateInputSchema),
		},
	}
}

func (c *CalendarIntegration) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	if action != "create_appointment" {
		return nil, schema.NewIntegrationError(false, "unknown_action",
			fmt.Sprintf("calendar: unknown action %q", action))
	}

	startTime := stringParam(params, "start_time", "")
	if startTime == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "calendar: missing required param 'start_time'")
	}
	title := stringParam(params, "title", "Appointment")
	duration := intParam(params, "duration_minutes", 60)

	logging.LogWith(ctx, c.logger).InfoContext(ctx, "mock appointment created",
		slog.String("title", title),
		slog.String("start_time", startTime),
		slog.Int("duration_minutes", duration))

	return map[string]any{
		"appointment_id":   "mock_appt_" + uuid.NewString()[:8],
		"title":            title,
		"start_time":       startTime,
		"duration_minutes": duration,
		"customer_name":    stringParam(params, "customer_name", ""),
		"customer_phone":   stringParam(params, "customer_phone", ""),
		"status":           "scheduled",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"provider":         "calendly_mock",
	}, nil
}

var _ Integration = (*CalendarIntegration)(nil)
