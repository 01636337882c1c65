package domain

import "time"

// DomainStatus enumerates the verification lifecycle of a receiving domain.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainVerified DomainStatus = "verified"
	DomainFailed   DomainStatus = "failed"
)

// EmailDomain is a domain registered by a user for receiving and sending.
// Domain names are unique across all users.
type EmailDomain struct {
	ID                 string       `json:"id" db:"id"`
	UserID             string       `json:"user_id" db:"user_id"`
	Domain             string       `json:"domain" db:"domain"`
	Status             DomainStatus `json:"status" db:"status"`
	VerificationToken  string       `json:"verification_token" db:"verification_token"`
	DKIMTokens         []string     `json:"dkim_tokens" db:"dkim_tokens"`
	CanReceiveEmails   bool         `json:"can_receive_emails" db:"can_receive_emails"`
	HasMXRecords       bool         `json:"has_mx_records" db:"has_mx_records"`
	DomainProvider     *string      `json:"domain_provider" db:"domain_provider"`
	LastDNSCheck       *time.Time   `json:"last_dns_check" db:"last_dns_check"`
	LastSESCheck       *time.Time   `json:"last_ses_check" db:"last_ses_check"`
	IsCatchAllEnabled  bool         `json:"is_catch_all_enabled" db:"is_catch_all_enabled"`
	CatchAllEndpointID *string      `json:"catch_all_endpoint_id" db:"catch_all_endpoint_id"`
	CatchAllRuleName   *string      `json:"catch_all_rule_name" db:"catch_all_rule_name"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`
}

// IsVerified reports whether the domain passed identity verification.
func (d *EmailDomain) IsVerified() bool { return d.Status == DomainVerified }

// DNSRecord describes one record the user must provision (or that we
// verified) for a domain. Type is one of TXT, MX, CNAME.
type DNSRecord struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Value      string `json:"value"`
	Priority   int    `json:"priority,omitempty"`
	IsVerified bool   `json:"isVerified,omitempty"`
	Status     string `json:"status,omitempty"`
}
