package integrations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehero/flowd/pkg/schema"
)

func twilioCreds() staticCreds {
	return staticCreds{
		credTwilioAccountSID: "AC123",
		credTwilioAuthToken:  "tok-secret",
		credTwilioFromPhone:  "+15550000000",
	}
}

// --- SMS Integration Tests ---

func TestSMSIntegration_MockSend(t *testing.T) {
	integ := NewSMSIntegration(nil, nil)

	result, err := integ.Execute(context.Background(), "send", map[string]any{
		"to":      "555-123-4567",
		"message": "Plumber dispatched to 123 Main St",
	})
	require.NoError(t, err)

	assert.Equal(t, "twilio_mock", result["provider"])
	assert.Equal(t, "sent", result["status"])
	assert.Equal(t, "+15551234567", result["to"])

	messageID, _ := result["message_id"].(string)
	assert.Regexp(t, `^mock_sms_[0-9a-f]{8}$`, messageID)

	ts, _ := result["timestamp"].(string)
	_, err = time.Parse(time.RFC3339, ts)
	assert.NoError(t, err, "timestamp should be RFC 3339")
}

func TestSMSIntegration_MockWhenCredsIncomplete(t *testing.T) {
	// Token without SID or from-number is not enough for a live send.
	integ := NewSMSIntegration(staticCreds{credTwilioAuthToken: "tok"}, nil)

	result, err := integ.Execute(context.Background(), "send", map[string]any{
		"to":      "+15551234567",
		"message": "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "twilio_mock", result["provider"])
}

func TestSMSIntegration_MissingTo(t *testing.T) {
	integ := NewSMSIntegration(nil, nil)

	_, err := integ.Execute(context.Background(), "send", map[string]any{
		"message": "hi",
	})
	ferr := asFlowError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestSMSIntegration_MissingMessage(t *testing.T) {
	integ := NewSMSIntegration(nil, nil)

	_, err := integ.Execute(context.Background(), "send", map[string]any{
		"to": "+15551234567",
	})
	ferr := asFlowError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestSMSIntegration_BodyParamAlias(t *testing.T) {
	integ := NewSMSIntegration(nil, nil)

	result, err := integ.Execute(context.Background(), "send", map[string]any{
		"to":   "+15551234567",
		"body": "aliased",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", result["status"])
}

func TestSMSIntegration_UnknownAction(t *testing.T) {
	integ := NewSMSIntegration(nil, nil)

	_, err := integ.Execute(context.Background(), "broadcast", nil)
	ferr := asFlowError(t, err)
	assert.Equal(t, schema.ErrCodeIntegration, ferr.Code)
	assert.False(t, ferr.IsRetryable())
	assert.Equal(t, "unknown_action", ferr.Details["provider_code"])
}

func TestSMSIntegration_NormalizePhone(t *testing.T) {
	cases := map[string]string{
		"555-123-4567":    "+15551234567",
		"(555) 123-4567":  "+15551234567",
		"5551234567":      "+15551234567",
		"+15551234567":    "+15551234567",
		"+44 7911 123456": "+447911123456",
		"":                "",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizePhone(input), "input %q", input)
	}
}

func TestSMSIntegration_TwilioSend(t *testing.T) {
	var gotPath, gotTo, gotFrom, gotBody, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotTo = r.PostFormValue("To")
		gotFrom = r.PostFormValue("From")
		gotBody = r.PostFormValue("Body")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM900","status":"queued"}`))
	}))
	defer srv.Close()

	integ := NewSMSIntegration(twilioCreds(), nil)
	integ.apiBase = srv.URL

	result, err := integ.Execute(context.Background(), "send", map[string]any{
		"to":      "555-987-6543",
		"message": "on the way",
	})
	require.NoError(t, err)

	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", gotPath)
	assert.Equal(t, "AC123", gotUser)
	assert.Equal(t, "tok-secret", gotPass)
	assert.Equal(t, "+15559876543", gotTo)
	assert.Equal(t, "+15550000000", gotFrom)
	assert.Equal(t, "on the way", gotBody)

	assert.Equal(t, "twilio", result["provider"])
	assert.Equal(t, "SM900", result["message_id"])
	assert.Equal(t, "queued", result["status"])
}

func TestSMSIntegration_TwilioErrorPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid 'To' number","code":21211}`))
	}))
	defer srv.Close()

	integ := NewSMSIntegration(twilioCreds(), nil)
	integ.apiBase = srv.URL

	_, err := integ.Execute(context.Background(), "send", map[string]any{
		"to":      "not-a-number",
		"message": "hi",
	})
	ferr := asFlowError(t, err)
	assert.Equal(t, schema.ErrCodeIntegration, ferr.Code)
	assert.False(t, ferr.IsRetryable())
	assert.Equal(t, "twilio_400", ferr.Details["provider_code"])
	assert.Contains(t, ferr.Message, "invalid 'To' number")
	assert.Equal(t, 21211, ferr.Details["error_code"])
}

func TestSMSIntegration_TwilioErrorTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	integ := NewSMSIntegration(twilioCreds(), nil)
	integ.apiBase = srv.URL

	_, err := integ.Execute(context.Background(), "send", map[string]any{
		"to":      "+15551234567",
		"message": "hi",
	})
	ferr := asFlowError(t, err)
	assert.True(t, ferr.IsRetryable())
	assert.Equal(t, "twilio_503", ferr.Details["provider_code"])
}

func TestSMSIntegration_TwilioUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	integ := NewSMSIntegration(twilioCreds(), nil)
	integ.apiBase = srv.URL

	_, err := integ.Execute(context.Background(), "send", map[string]any{
		"to":      "+15551234567",
		"message": "hi",
	})
	ferr := asFlowError(t, err)
	assert.True(t, ferr.IsRetryable())
	assert.Equal(t, "request_failed", ferr.Details["provider_code"])
}
