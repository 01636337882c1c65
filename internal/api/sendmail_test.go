package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

func TestSendEmail(t *testing.T) {
	env := newAPIEnv(t)

	body, err := json.Marshal(map[string]interface{}{
		"from":    "Orders <orders@example.com>",
		"to":      []string{"buyer@other.com"},
		"subject": "Receipt",
		"text":    "thanks for your order",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/emails", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Idempotency-Key", "order-552")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sent domain.SentEmail
	decodeJSON(t, rec, &sent)
	assert.Equal(t, "sent-1", sent.ID)
	assert.Equal(t, domain.SendSent, sent.Status)

	got := env.sender.sendReq
	require.NotNil(t, got)
	assert.Equal(t, "Orders <orders@example.com>", got.From)
	assert.Equal(t, []string{"buyer@other.com"}, got.To)
	assert.Equal(t, "Receipt", got.Subject)
	require.NotNil(t, got.IdempotencyKey)
	assert.Equal(t, "order-552", *got.IdempotencyKey)
}

func TestSendEmailScheduled(t *testing.T) {
	env := newAPIEnv(t)
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	env.sender.scheduled = &domain.ScheduledEmail{
		ID:          "sch-1",
		UserID:      testUserID,
		Status:      domain.ScheduleScheduled,
		ScheduledAt: at,
	}

	rec := env.do(t, http.MethodPost, "/api/emails", testAPIKey, map[string]interface{}{
		"from":         "orders@example.com",
		"to":           []string{"buyer@other.com"},
		"subject":      "Reminder",
		"text":         "see you monday",
		"scheduled_at": at.Format(time.RFC3339),
		"timezone":     "America/Chicago",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m domain.ScheduledEmail
	decodeJSON(t, rec, &m)
	assert.Equal(t, "sch-1", m.ID)
	assert.Equal(t, domain.ScheduleScheduled, m.Status)

	assert.Nil(t, env.sender.sendReq, "scheduled sends must not dispatch immediately")
	require.NotNil(t, env.sender.schedReq)
	assert.Equal(t, "Reminder", env.sender.schedReq.Subject)
	assert.True(t, env.sender.schedAt.Equal(at))
	assert.Equal(t, "America/Chicago", env.sender.schedTZ)
}

func TestSendEmailRejectsBadScheduledAt(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/emails", testAPIKey, map[string]interface{}{
		"from":         "orders@example.com",
		"to":           []string{"buyer@other.com"},
		"subject":      "Reminder",
		"scheduled_at": "tomorrow at 9",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, env.sender.sendReq)
	assert.Nil(t, env.sender.schedReq)
}

func TestSendEmailErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"quota", fmt.Errorf("monthly send limit reached: %w", domain.ErrQuotaExceeded), http.StatusTooManyRequests},
		{"unowned domain", fmt.Errorf("domain other.com is not yours: %w", domain.ErrForbidden), http.StatusForbidden},
		{"bad recipients", fmt.Errorf("to[0] is not an address: %w", domain.ErrInvalid), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newAPIEnv(t)
			env.sender.err = tc.err

			rec := env.do(t, http.MethodPost, "/api/emails", testAPIKey, map[string]interface{}{
				"from": "orders@example.com", "to": []string{"x@other.com"}, "subject": "s", "text": "b",
			})
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestReplyEmail(t *testing.T) {
	env := newAPIEnv(t)

	body, err := json.Marshal(map[string]interface{}{
		"from": "support@example.com",
		"text": "on it",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/emails/em-9/reply", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Idempotency-Key", "reply-once")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, "em-9", env.sender.replyEmailID)
	require.NotNil(t, env.sender.replyReq)
	assert.Equal(t, "support@example.com", env.sender.replyReq.From)
	require.NotNil(t, env.sender.replyReq.IdempotencyKey)
	assert.Equal(t, "reply-once", *env.sender.replyReq.IdempotencyKey)
}

func TestListAndGetSent(t *testing.T) {
	env := newAPIEnv(t)
	env.sent.rows = []*domain.SentEmail{
		{ID: "sent-1", UserID: testUserID, Subject: "a", Status: domain.SendSent},
		{ID: "sent-2", UserID: "someone-else", Subject: "b", Status: domain.SendSent},
	}

	rec := env.do(t, http.MethodGet, "/api/emails/sent", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Success bool               `json:"success"`
		Data    []domain.SentEmail `json:"data"`
		Total   int                `json:"total"`
	}
	decodeJSON(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "sent-1", list.Data[0].ID)

	rec = env.do(t, http.MethodGet, "/api/emails/sent/sent-1", testAPIKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Other users' rows answer as missing, not forbidden.
	rec = env.do(t, http.MethodGet, "/api/emails/sent/sent-2", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListScheduledFiltersByStatus(t *testing.T) {
	env := newAPIEnv(t)
	env.scheduled.rows = []*domain.ScheduledEmail{
		{ID: "sch-1", UserID: testUserID, Status: domain.ScheduleScheduled},
		{ID: "sch-2", UserID: testUserID, Status: domain.ScheduleSent},
	}

	rec := env.do(t, http.MethodGet, "/api/emails/scheduled?status=scheduled", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data  []domain.ScheduledEmail `json:"data"`
		Total int                     `json:"total"`
	}
	decodeJSON(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "sch-1", list.Data[0].ID)
	assert.Equal(t, "scheduled", env.scheduled.lastStatus)
}

func TestGetScheduled(t *testing.T) {
	env := newAPIEnv(t)
	env.scheduled.rows = []*domain.ScheduledEmail{
		{ID: "sch-1", UserID: testUserID, Subject: "Quarterly reminder", Status: domain.ScheduleScheduled},
		{ID: "sch-2", UserID: "user-2", Status: domain.ScheduleScheduled},
	}

	rec := env.do(t, http.MethodGet, "/api/emails/schedule/sch-1", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got domain.ScheduledEmail
	decodeJSON(t, rec, &got)
	assert.Equal(t, "Quarterly reminder", got.Subject)

	rec = env.do(t, http.MethodGet, "/api/emails/schedule/sch-2", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelScheduled(t *testing.T) {
	env := newAPIEnv(t)
	env.scheduled.rows = []*domain.ScheduledEmail{
		{ID: "sch-1", UserID: testUserID, Status: domain.ScheduleScheduled},
	}

	rec := env.do(t, http.MethodDelete, "/api/emails/schedule/sch-1", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
		Status  string `json:"status"`
	}
	decodeJSON(t, rec, &body)
	assert.True(t, body.Success)
	assert.Equal(t, "sch-1", body.ID)
	assert.Equal(t, "cancelled", body.Status)
	assert.Equal(t, domain.ScheduleCancelled, env.scheduled.rows[0].Status)

	// A second cancel finds the row already cancelled.
	rec = env.do(t, http.MethodDelete, "/api/emails/schedule/sch-1", testAPIKey, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/emails/schedule/nope", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
