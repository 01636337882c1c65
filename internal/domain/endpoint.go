package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EndpointType tags the destination variant of an endpoint.
type EndpointType string

const (
	EndpointWebhook    EndpointType = "webhook"
	EndpointEmail      EndpointType = "email"
	EndpointEmailGroup EndpointType = "email_group"
)

// Valid reports whether t is one of the known endpoint types.
func (t EndpointType) Valid() bool {
	switch t {
	case EndpointWebhook, EndpointEmail, EndpointEmailGroup:
		return true
	}
	return false
}

// Webhook endpoint limits. Timeout and retry counts outside these ranges
// are rejected at validation time.
const (
	WebhookTimeoutDefault = 30
	WebhookTimeoutMin     = 1
	WebhookTimeoutMax     = 300
	WebhookRetryMax       = 10
	EmailGroupMaxSize     = 50
)

// Endpoint is a user-defined destination for routed mail. Config is a JSON
// document whose shape depends on Type; decode it with the typed accessors.
type Endpoint struct {
	ID          string       `json:"id" db:"id"`
	UserID      string       `json:"user_id" db:"user_id"`
	Name        string       `json:"name" db:"name"`
	Type        EndpointType `json:"type" db:"type"`
	Description *string      `json:"description" db:"description"`
	Config      string       `json:"config" db:"config"`
	IsActive    bool         `json:"is_active" db:"is_active"`

	// Delivery aggregates, maintained atomically by the executors.
	// TotalDeliveries == SuccessfulDeliveries + FailedDeliveries holds
	// after every write.
	TotalDeliveries      int        `json:"total_deliveries" db:"total_deliveries"`
	SuccessfulDeliveries int        `json:"successful_deliveries" db:"successful_deliveries"`
	FailedDeliveries     int        `json:"failed_deliveries" db:"failed_deliveries"`
	LastUsedAt           *time.Time `json:"last_used_at" db:"last_used_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WebhookEndpointConfig is the typed config for webhook endpoints.
// Timeout is in seconds; zero means WebhookTimeoutDefault.
type WebhookEndpointConfig struct {
	URL           string            `json:"url" validate:"required,url"`
	Secret        string            `json:"secret,omitempty"`
	Timeout       int               `json:"timeout,omitempty" validate:"omitempty,min=1,max=300"`
	RetryAttempts int               `json:"retryAttempts,omitempty" validate:"min=0,max=10"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// TimeoutOrDefault returns the configured timeout clamped to the allowed
// range, defaulting to WebhookTimeoutDefault when unset.
func (c *WebhookEndpointConfig) TimeoutOrDefault() time.Duration {
	t := c.Timeout
	if t < WebhookTimeoutMin || t > WebhookTimeoutMax {
		t = WebhookTimeoutDefault
	}
	return time.Duration(t) * time.Second
}

// EmailEndpointConfig is the typed config for single-address forwarding.
type EmailEndpointConfig struct {
	Email string `json:"email" validate:"required,email"`
}

// EmailGroupEndpointConfig is the typed config for multi-address forwarding.
// Groups hold 1..50 unique addresses.
type EmailGroupEndpointConfig struct {
	Emails []string `json:"emails" validate:"required,min=1,max=50,unique,dive,required,email"`
}

// WebhookConfig decodes the endpoint config as a webhook config.
func (e *Endpoint) WebhookConfig() (*WebhookEndpointConfig, error) {
	if e.Type != EndpointWebhook {
		return nil, fmt.Errorf("endpoint %s is %s, not webhook", e.ID, e.Type)
	}
	var c WebhookEndpointConfig
	if err := json.Unmarshal([]byte(e.Config), &c); err != nil {
		return nil, fmt.Errorf("decode webhook config for endpoint %s: %w", e.ID, err)
	}
	return &c, nil
}

// EmailConfig decodes the endpoint config as a single-forward config.
func (e *Endpoint) EmailConfig() (*EmailEndpointConfig, error) {
	if e.Type != EndpointEmail {
		return nil, fmt.Errorf("endpoint %s is %s, not email", e.ID, e.Type)
	}
	var c EmailEndpointConfig
	if err := json.Unmarshal([]byte(e.Config), &c); err != nil {
		return nil, fmt.Errorf("decode email config for endpoint %s: %w", e.ID, err)
	}
	return &c, nil
}

// EmailGroupConfig decodes the endpoint config as a group-forward config.
func (e *Endpoint) EmailGroupConfig() (*EmailGroupEndpointConfig, error) {
	if e.Type != EndpointEmailGroup {
		return nil, fmt.Errorf("endpoint %s is %s, not email_group", e.ID, e.Type)
	}
	var c EmailGroupEndpointConfig
	if err := json.Unmarshal([]byte(e.Config), &c); err != nil {
		return nil, fmt.Errorf("decode email_group config for endpoint %s: %w", e.ID, err)
	}
	return &c, nil
}

// ForwardTargets returns the recipient list an email/email_group endpoint
// forwards to. Webhook endpoints return an error.
func (e *Endpoint) ForwardTargets() ([]string, error) {
	switch e.Type {
	case EndpointEmail:
		c, err := e.EmailConfig()
		if err != nil {
			return nil, err
		}
		return []string{c.Email}, nil
	case EndpointEmailGroup:
		c, err := e.EmailGroupConfig()
		if err != nil {
			return nil, err
		}
		return c.Emails, nil
	}
	return nil, fmt.Errorf("endpoint %s has no forward targets (type %s)", e.ID, e.Type)
}
