package api_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/route"
)

func seedWebhook(env *apiEnv) *domain.Webhook {
	return env.webhooks.add(&domain.Webhook{
		UserID:        testUserID,
		Name:          "legacy hook",
		URL:           "https://example.com/legacy",
		IsActive:      true,
		Timeout:       30,
		RetryAttempts: 3,
	})
}

func TestCreateWebhookDefaults(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/webhooks", testAPIKey, map[string]interface{}{
		"name":   "orders",
		"url":    "https://example.com/hook",
		"secret": "whsec-shh",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var wh domain.Webhook
	decodeJSON(t, rec, &wh)
	assert.NotEmpty(t, wh.ID)
	assert.Equal(t, 30, wh.Timeout)
	assert.Equal(t, 3, wh.RetryAttempts)
	assert.True(t, wh.IsActive)

	// The secret is stored but never serialized back out.
	assert.NotContains(t, rec.Body.String(), "whsec-shh")
	stored := env.webhooks.rows[0]
	require.NotNil(t, stored.Secret)
	assert.Equal(t, "whsec-shh", *stored.Secret)
}

func TestCreateWebhookValidation(t *testing.T) {
	env := newAPIEnv(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing name", map[string]interface{}{"url": "https://example.com/hook"}},
		{"bad url", map[string]interface{}{"name": "x", "url": "not a url"}},
		{"timeout too low", map[string]interface{}{"name": "x", "url": "https://example.com", "timeout": 0}},
		{"timeout too high", map[string]interface{}{"name": "x", "url": "https://example.com", "timeout": 301}},
		{"too many retries", map[string]interface{}{"name": "x", "url": "https://example.com", "retry_attempts": 11}},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/api/webhooks", testAPIKey, tc.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s: %s", tc.name, rec.Body.String())
	}
	assert.Empty(t, env.webhooks.rows)
}

func TestUpdateWebhook(t *testing.T) {
	env := newAPIEnv(t)
	wh := seedWebhook(env)

	rec := env.do(t, http.MethodPut, "/api/webhooks/"+wh.ID, testAPIKey, map[string]interface{}{
		"name":      "renamed",
		"url":       "https://example.com/v2",
		"timeout":   60,
		"is_active": false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated domain.Webhook
	decodeJSON(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "https://example.com/v2", updated.URL)
	assert.Equal(t, 60, updated.Timeout)
	assert.False(t, updated.IsActive)

	// Out-of-range values never reach the store.
	rec = env.do(t, http.MethodPut, "/api/webhooks/"+wh.ID, testAPIKey, map[string]interface{}{
		"timeout": 9999,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.webhooks.updates, 1)
}

func TestDeleteWebhook(t *testing.T) {
	env := newAPIEnv(t)
	wh := seedWebhook(env)

	rec := env.do(t, http.MethodDelete, "/api/webhooks/"+wh.ID, testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool `json:"success"`
	}
	decodeJSON(t, rec, &body)
	assert.True(t, body.Success)
	assert.Empty(t, env.webhooks.rows)
}

func TestDeleteWebhookStillRouted(t *testing.T) {
	env := newAPIEnv(t)
	wh := seedWebhook(env)
	env.webhooks.deleteErr = fmt.Errorf("webhook %s: %w", wh.ID, domain.ErrDependencyBusy)

	rec := env.do(t, http.MethodDelete, "/api/webhooks/"+wh.ID, testAPIKey, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTestWebhook(t *testing.T) {
	env := newAPIEnv(t)
	wh := seedWebhook(env)
	env.tester.result = &route.TestResult{Success: false, StatusCode: 500, Error: "upstream blew up"}

	rec := env.do(t, http.MethodPost, "/api/webhooks/"+wh.ID+"/test", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, "a failed probe is still a 200 with the outcome")

	var res route.TestResult
	decodeJSON(t, rec, &res)
	assert.False(t, res.Success)
	assert.Equal(t, 500, res.StatusCode)
	require.NotNil(t, env.tester.gotWebhook)
	assert.Equal(t, wh.ID, env.tester.gotWebhook.ID)
}

func TestListWebhooksScopedToUser(t *testing.T) {
	env := newAPIEnv(t)
	seedWebhook(env)
	env.webhooks.add(&domain.Webhook{UserID: "someone-else", Name: "other", URL: "https://example.com/x"})

	rec := env.do(t, http.MethodGet, "/api/webhooks", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data  []domain.Webhook `json:"data"`
		Total int              `json:"total"`
	}
	decodeJSON(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "legacy hook", list.Data[0].Name)
}
