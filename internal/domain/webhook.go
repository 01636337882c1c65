package domain

import "time"

// Webhook is the legacy standalone webhook destination, predating typed
// endpoints. EmailAddress rows may still reference one via WebhookID; new
// destinations should be webhook-type endpoints instead.
type Webhook struct {
	ID          string  `json:"id" db:"id"`
	UserID      string  `json:"user_id" db:"user_id"`
	Name        string  `json:"name" db:"name"`
	URL         string  `json:"url" db:"url"`
	Secret      *string `json:"-" db:"secret"`
	Description *string `json:"description" db:"description"`
	IsActive    bool    `json:"is_active" db:"is_active"`
	// Timeout in seconds, RetryAttempts carried for future scheduled retries.
	Timeout       int `json:"timeout" db:"timeout"`
	RetryAttempts int `json:"retry_attempts" db:"retry_attempts"`

	TotalDeliveries      int        `json:"total_deliveries" db:"total_deliveries"`
	SuccessfulDeliveries int        `json:"successful_deliveries" db:"successful_deliveries"`
	FailedDeliveries     int        `json:"failed_deliveries" db:"failed_deliveries"`
	LastUsedAt           *time.Time `json:"last_used_at" db:"last_used_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AsEndpointConfig converts the legacy webhook into the typed webhook
// endpoint config so both shapes flow through one executor.
func (w *Webhook) AsEndpointConfig() *WebhookEndpointConfig {
	c := &WebhookEndpointConfig{
		URL:           w.URL,
		Timeout:       w.Timeout,
		RetryAttempts: w.RetryAttempts,
	}
	if w.Secret != nil {
		c.Secret = *w.Secret
	}
	return c
}
