// Package dnscheck builds the DNS records a domain owner must publish and
// verifies their presence with direct resolver queries. Provisioning the
// records is the owner's job; this package only reports what exists.
package dnscheck

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

const (
	queryTimeout = 5 * time.Second

	// verificationPrefix is the TXT record name the mailer checks for
	// domain ownership.
	verificationPrefix = "_amazonses."
	// dkimSuffix is where easy-DKIM CNAME targets point.
	dkimSuffix = ".dkim.amazonses.com"

	RecordVerified = "verified"
	RecordPending  = "pending"
)

// CheckResult is one verification pass over a domain's expected records.
type CheckResult struct {
	Records []domain.DNSRecord `json:"records"`
	// TokenFound means the ownership TXT record resolves with the
	// expected token.
	TokenFound bool `json:"token_found"`
	// DKIMReady means every DKIM CNAME resolves to its mailer target.
	DKIMReady bool `json:"dkim_ready"`
	// HasMX means the domain's MX set includes the mailer's inbound host.
	HasMX bool `json:"has_mx"`
}

// Checker runs queries against a single resolver.
type Checker struct {
	client *dns.Client
	server string
	region string
}

// NewChecker builds a checker for the mailer region. An empty server uses
// the host's resolver configuration.
func NewChecker(server, region string) *Checker {
	if server == "" {
		server = systemResolver()
	}
	return &Checker{
		client: &dns.Client{Timeout: queryTimeout},
		server: server,
		region: region,
	}
}

func systemResolver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "1.1.1.1:53"
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

// InboundMXTarget is the mailer host that must appear in the domain's MX
// set for receiving to work.
func (c *Checker) InboundMXTarget() string {
	return fmt.Sprintf("inbound-smtp.%s.amazonaws.com", c.region)
}

// ExpectedRecords lists the records the owner must create: the ownership
// TXT, one CNAME per DKIM token, and the receiving MX.
func (c *Checker) ExpectedRecords(d *domain.EmailDomain) []domain.DNSRecord {
	var out []domain.DNSRecord
	if d.VerificationToken != "" {
		out = append(out, domain.DNSRecord{
			Type:  "TXT",
			Name:  verificationPrefix + d.Domain,
			Value: d.VerificationToken,
		})
	}
	for _, token := range d.DKIMTokens {
		out = append(out, domain.DNSRecord{
			Type:  "CNAME",
			Name:  token + "._domainkey." + d.Domain,
			Value: token + dkimSuffix,
		})
	}
	out = append(out, domain.DNSRecord{
		Type:     "MX",
		Name:     d.Domain,
		Value:    c.InboundMXTarget(),
		Priority: 10,
	})
	return out
}

// Check resolves every expected record and reports which ones exist.
// Resolver failures on one record mark it pending rather than failing the
// whole pass.
func (c *Checker) Check(ctx context.Context, d *domain.EmailDomain) (*CheckResult, error) {
	res := &CheckResult{DKIMReady: len(d.DKIMTokens) > 0}
	for _, rec := range c.ExpectedRecords(d) {
		verified := false
		switch rec.Type {
		case "TXT":
			verified = c.txtHasValue(ctx, rec.Name, rec.Value)
			res.TokenFound = verified
		case "CNAME":
			verified = c.cnamePointsTo(ctx, rec.Name, rec.Value)
			if !verified {
				res.DKIMReady = false
			}
		case "MX":
			verified = c.mxIncludes(ctx, rec.Name, rec.Value)
			res.HasMX = verified
		}
		rec.IsVerified = verified
		rec.Status = RecordPending
		if verified {
			rec.Status = RecordVerified
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// HasInboundMX reports whether the domain's MX set includes the mailer's
// receiving host.
func (c *Checker) HasInboundMX(ctx context.Context, domainName string) (bool, error) {
	hosts, err := c.lookupMX(ctx, domainName)
	if err != nil {
		return false, err
	}
	target := strings.ToLower(c.InboundMXTarget())
	for _, h := range hosts {
		if strings.ToLower(strings.TrimSuffix(h, ".")) == target {
			return true, nil
		}
	}
	return false, nil
}

func (c *Checker) txtHasValue(ctx context.Context, name, want string) bool {
	values, err := c.lookupTXT(ctx, name)
	if err != nil {
		return false
	}
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func (c *Checker) cnamePointsTo(ctx context.Context, name, want string) bool {
	target, err := c.lookupCNAME(ctx, name)
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSuffix(target, "."), want)
}

func (c *Checker) mxIncludes(ctx context.Context, name, want string) bool {
	hosts, err := c.lookupMX(ctx, name)
	if err != nil {
		return false
	}
	for _, h := range hosts {
		if strings.EqualFold(strings.TrimSuffix(h, "."), want) {
			return true
		}
	}
	return false
}

func (c *Checker) lookupMX(ctx context.Context, name string) ([]string, error) {
	r, err := c.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, ans := range r.Answer {
		if mx, ok := ans.(*dns.MX); ok {
			hosts = append(hosts, mx.Mx)
		}
	}
	return hosts, nil
}

func (c *Checker) lookupTXT(ctx context.Context, name string) ([]string, error) {
	r, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var values []string
	for _, ans := range r.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			// Long values arrive split into strings; the record value
			// is their concatenation.
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

func (c *Checker) lookupCNAME(ctx context.Context, name string) (string, error) {
	r, err := c.query(ctx, name, dns.TypeCNAME)
	if err != nil {
		return "", err
	}
	for _, ans := range r.Answer {
		if cname, ok := ans.(*dns.CNAME); ok {
			return cname.Target, nil
		}
	}
	return "", nil
}

// query sends one question. NXDOMAIN is an empty answer, not an error;
// the caller treats missing records as unverified.
func (c *Checker) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	r, _, err := c.client.ExchangeContext(ctx, m, c.server)
	if err != nil {
		return nil, fmt.Errorf("dns query %s %s: %w", dns.TypeToString[qtype], name, err)
	}
	if r.Rcode == dns.RcodeNameError {
		return r, nil
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query %s %s: rcode %s", dns.TypeToString[qtype], name, dns.RcodeToString[r.Rcode])
	}
	return r, nil
}
