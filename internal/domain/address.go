package domain

import (
	"strings"
	"time"
)

// EmailAddress is a single receiving address under a registered domain,
// routed to an endpoint (or a legacy webhook). Addresses are globally
// unique; at most one of EndpointID/WebhookID is set.
type EmailAddress struct {
	ID                      string     `json:"id" db:"id"`
	Address                 string     `json:"address" db:"address"`
	DomainID                string     `json:"domain_id" db:"domain_id"`
	EndpointID              *string    `json:"endpoint_id" db:"endpoint_id"`
	WebhookID               *string    `json:"webhook_id" db:"webhook_id"`
	IsActive                bool       `json:"is_active" db:"is_active"`
	IsReceiptRuleConfigured bool       `json:"is_receipt_rule_configured" db:"is_receipt_rule_configured"`
	ReceiptRuleName         *string    `json:"receipt_rule_name" db:"receipt_rule_name"`
	UserID                  string     `json:"user_id" db:"user_id"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// DomainOf returns the lowercased domain part of an email address, or ""
// when the address has no usable local@domain shape. The split is on the
// first '@' so malformed multi-@ strings never alias another domain.
func DomainOf(address string) string {
	parts := strings.SplitN(strings.TrimSpace(address), "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}

// NormalizeAddress lowercases and trims an email address for comparisons
// and storage keys.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
