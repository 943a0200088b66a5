package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testNotification() Notification {
	return Notification{
		Subject: "[high] Alert: error-rate-high",
		Body:    "Metric \"error-rate\" is 12.5",
		AlertID: "a1", RuleID: "error-rate-high", Metric: "error-rate",
		Value: 12.5, Severity: "high", SentAt: time.Now().UTC(),
	}
}

func TestLogChannelNeverFails(t *testing.T) {
	c := NewLogChannel(nil)
	require.Equal(t, "log", c.Name())
	require.NoError(t, c.Send(context.Background(), testNotification()))
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWebhookChannel(srv.URL)
	require.Equal(t, "webhook", c.Name())
	require.NoError(t, c.Send(context.Background(), testNotification()))
	require.Equal(t, "application/json", gotContentType)
}

func TestWebhookChannelSurfacesNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookChannel(srv.URL).Send(context.Background(), testNotification())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestUnconfiguredChannelsReturnErrors(t *testing.T) {
	ctx := context.Background()
	n := testNotification()

	require.Error(t, NewWebhookChannel("").Send(ctx, n))
	require.Error(t, NewSlackChannel("").Send(ctx, n))
	require.Error(t, NewEmailChannel(EmailConfig{}).Send(ctx, n))
}

func TestRenderFormatsSubjectAndBody(t *testing.T) {
	subject, body := Render("error-rate-high", "error-rate", "high", 12.5, "a1", false)
	require.Contains(t, subject, "[high]")
	require.Contains(t, subject, "error-rate-high")
	require.NotContains(t, subject, "Escalated")
	require.Contains(t, body, `"error-rate"`)
	require.Contains(t, body, "12.5")

	escalated, _ := Render("error-rate-high", "error-rate", "critical", 12.5, "a1", true)
	require.Contains(t, escalated, "Escalated alert")
}
