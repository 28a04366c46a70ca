package integrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehero/flowd/pkg/schema"
)

// --- Calendar Integration Tests ---

func TestCalendarIntegration_CreateAppointment(t *testing.T) {
	integ := NewCalendarIntegration(nil, nil)

	result, err := integ.Execute(context.Background(), "create_appointment", map[string]any{
		"title":          "Emergency plumbing visit",
		"start_time":     "2026-08-26T09:00:00Z",
		"customer_name":  "Dana",
		"customer_phone": "+15551234567",
	})
	require.NoError(t, err)

	assert.Equal(t, "calendly_mock", result["provider"])
	assert.Equal(t, "scheduled", result["status"])
	assert.Equal(t, "Emergency plumbing visit", result["title"])
	assert.Equal(t, "2026-08-26T09:00:00Z", result["start_time"])
	assert.Equal(t, 60, result["duration_minutes"])
	assert.Equal(t, "Dana", result["customer_name"])
	assert.Equal(t, "+15551234567", result["customer_phone"])

	apptID, _ := result["appointment_id"].(string)
	assert.Regexp(t, `^mock_appt_[0-9a-f]{8}$`, apptID)
}

func TestCalendarIntegration_DefaultsApplied(t *testing.T) {
	integ := NewCalendarIntegration(nil, nil)

	result, err := integ.Execute(context.Background(), "create_appointment", map[string]any{
		"start_time": "2026-08-26T09:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "Appointment", result["title"])
	assert.Equal(t, 60, result["duration_minutes"])
}

func TestCalendarIntegration_CustomDuration(t *testing.T) {
	integ := NewCalendarIntegration(nil, nil)

	result, err := integ.Execute(context.Background(), "create_appointment", map[string]any{
		"start_time":       "2026-08-26T09:00:00Z",
		"duration_minutes": float64(90), // JSON numbers arrive as float64
	})
	require.NoError(t, err)
	assert.Equal(t, 90, result["duration_minutes"])
}

func TestCalendarIntegration_MissingStartTime(t *testing.T) {
	integ := NewCalendarIntegration(nil, nil)

	_, err := integ.Execute(context.Background(), "create_appointment", map[string]any{
		"title": "no time given",
	})
	ferr := asFlowError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestCalendarIntegration_UnknownAction(t *testing.T) {
	integ := NewCalendarIntegration(nil, nil)

	_, err := integ.Execute(context.Background(), "cancel_appointment", nil)
	ferr := asFlowError(t, err)
	assert.Equal(t, schema.ErrCodeIntegration, ferr.Code)
	assert.False(t, ferr.IsRetryable())
	assert.Equal(t, "unknown_action", ferr.Details["provider_code"])
}
