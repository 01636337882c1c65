// Package receipt keeps the cloud mailer's per-domain acceptance rules in
// sync with the database. The rules are a derived cache: every mutation
// writes the database first, then upserts the mailer, and a mailer failure
// surfaces as a warning rather than a rollback so re-running the operation
// converges the two sides.
package receipt

import (
	"context"
	"fmt"
	"strings"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/distlock"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
	"github.com/inboundemail/inbound-sub004/internal/sesmail"
)

const (
	StatusCreated = "created"
	StatusUpdated = "updated"
	StatusRemoved = "removed"
)

// RuleClient is the mailer-side rule CRUD.
type RuleClient interface {
	PutReceiptRule(ctx context.Context, rule sesmail.ReceiptRule) (updated bool, err error)
	DeleteReceiptRule(ctx context.Context, name string) error
}

// AddressStore lists a domain's addresses and records which mailer rule
// covers each one.
type AddressStore interface {
	ListByDomain(ctx context.Context, domainID string) ([]domain.EmailAddress, error)
	SetReceiptRule(ctx context.Context, id string, configured bool, ruleName *string) error
}

// DomainStore records a domain's catch-all state.
type DomainStore interface {
	SetCatchAll(ctx context.Context, userID, id, endpointID string, ruleName *string) error
	ClearCatchAll(ctx context.Context, userID, id string) error
}

// Locker mints the per-domain lock that serializes rule mutations. The
// production wiring hands out distlock instances keyed by domain name.
type Locker func(key string) distlock.DistLock

// Result is the outcome of one rule operation. Warning carries mailer-side
// failures that did not abort the operation; the caller surfaces it and the
// user re-runs the operation to converge.
type Result struct {
	RuleName string `json:"rule_name"`
	Status   string `json:"status"`
	Warning  string `json:"warning,omitempty"`
}

// Manager serializes and applies receipt-rule changes for one domain at a
// time.
type Manager struct {
	mailer    RuleClient
	addresses AddressStore
	domains   DomainStore
	locks     Locker
	prefix    string
}

// NewManager wires the rule manager. prefix namespaces the rules this
// deployment owns inside the shared rule set.
func NewManager(mailer RuleClient, addresses AddressStore, domains DomainStore, locks Locker, prefix string) *Manager {
	return &Manager{
		mailer:    mailer,
		addresses: addresses,
		domains:   domains,
		locks:     locks,
		prefix:    prefix,
	}
}

// EnableIndividual converges the domain onto a single individual-mode rule
// accepting exactly its active addresses. With no active addresses the rule
// is removed instead, since an empty recipient list would accept all mail.
func (m *Manager) EnableIndividual(ctx context.Context, d *domain.EmailDomain) (*Result, error) {
	release, err := m.lock(ctx, d.Domain)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.enableIndividualLocked(ctx, d)
}

func (m *Manager) enableIndividualLocked(ctx context.Context, d *domain.EmailDomain) (*Result, error) {
	addrs, err := m.addresses.ListByDomain(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("list addresses for %s: %w", d.Domain, err)
	}

	name := m.individualRuleName(d.Domain)
	var recipients []string
	for _, a := range addrs {
		if a.IsActive {
			recipients = append(recipients, a.Address)
		}
	}

	if len(recipients) == 0 {
		for _, a := range addrs {
			if err := m.addresses.SetReceiptRule(ctx, a.ID, false, nil); err != nil {
				return nil, fmt.Errorf("clear rule on address %s: %w", a.ID, err)
			}
		}
		res := &Result{RuleName: name, Status: StatusRemoved}
		if err := m.mailer.DeleteReceiptRule(ctx, name); err != nil {
			res.Warning = fmt.Sprintf("removing rule %s: %v", name, err)
			logger.Warn("receipt rule delete failed", "domain", d.Domain, "rule", name, "error", err.Error())
		}
		return res, nil
	}

	for _, a := range addrs {
		configured := a.IsActive
		ruleName := &name
		if !configured {
			ruleName = nil
		}
		if err := m.addresses.SetReceiptRule(ctx, a.ID, configured, ruleName); err != nil {
			return nil, fmt.Errorf("record rule on address %s: %w", a.ID, err)
		}
	}

	res := &Result{RuleName: name}
	updated, err := m.mailer.PutReceiptRule(ctx, sesmail.ReceiptRule{Name: name, Recipients: recipients})
	switch {
	case err != nil:
		res.Warning = fmt.Sprintf("upserting rule %s: %v", name, err)
		logger.Warn("receipt rule upsert failed", "domain", d.Domain, "rule", name, "error", err.Error())
	case updated:
		res.Status = StatusUpdated
	default:
		res.Status = StatusCreated
	}
	return res, nil
}

// EnableCatchAll replaces the domain's individual rule with a catch-all
// rule accepting the bare domain. The address rows drop their individual
// rule linkage; inbound routing still reaches them through the domain's
// catch-all endpoint.
func (m *Manager) EnableCatchAll(ctx context.Context, d *domain.EmailDomain, endpointID string) (*Result, error) {
	release, err := m.lock(ctx, d.Domain)
	if err != nil {
		return nil, err
	}
	defer release()

	name := m.catchAllRuleName(d.Domain)
	if err := m.domains.SetCatchAll(ctx, d.UserID, d.ID, endpointID, &name); err != nil {
		return nil, fmt.Errorf("record catch-all on domain %s: %w", d.Domain, err)
	}

	addrs, err := m.addresses.ListByDomain(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("list addresses for %s: %w", d.Domain, err)
	}
	for _, a := range addrs {
		if err := m.addresses.SetReceiptRule(ctx, a.ID, false, nil); err != nil {
			return nil, fmt.Errorf("clear rule on address %s: %w", a.ID, err)
		}
	}

	res := &Result{RuleName: name}
	var warnings []string
	updated, err := m.mailer.PutReceiptRule(ctx, sesmail.ReceiptRule{Name: name, Recipients: []string{d.Domain}})
	switch {
	case err != nil:
		warnings = append(warnings, fmt.Sprintf("upserting rule %s: %v", name, err))
		logger.Warn("receipt rule upsert failed", "domain", d.Domain, "rule", name, "error", err.Error())
	case updated:
		res.Status = StatusUpdated
	default:
		res.Status = StatusCreated
	}
	if err := m.mailer.DeleteReceiptRule(ctx, m.individualRuleName(d.Domain)); err != nil {
		warnings = append(warnings, fmt.Sprintf("removing individual rule: %v", err))
		logger.Warn("receipt rule delete failed", "domain", d.Domain, "error", err.Error())
	}
	res.Warning = strings.Join(warnings, "; ")
	return res, nil
}

// DisableCatchAll removes the catch-all rule and, when the domain still has
// addresses, immediately restores individual acceptance for them.
func (m *Manager) DisableCatchAll(ctx context.Context, d *domain.EmailDomain) (*Result, error) {
	release, err := m.lock(ctx, d.Domain)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.domains.ClearCatchAll(ctx, d.UserID, d.ID); err != nil {
		return nil, fmt.Errorf("clear catch-all on domain %s: %w", d.Domain, err)
	}

	catchName := m.catchAllRuleName(d.Domain)
	var warnings []string
	if err := m.mailer.DeleteReceiptRule(ctx, catchName); err != nil {
		warnings = append(warnings, fmt.Sprintf("removing rule %s: %v", catchName, err))
		logger.Warn("receipt rule delete failed", "domain", d.Domain, "rule", catchName, "error", err.Error())
	}

	restored, err := m.enableIndividualLocked(ctx, d)
	if err != nil {
		return nil, err
	}
	if restored.Warning != "" {
		warnings = append(warnings, restored.Warning)
	}
	restored.Warning = strings.Join(warnings, "; ")
	return restored, nil
}

// RemoveAll deletes any rule this deployment holds for the domain, used
// when the domain itself is deleted.
func (m *Manager) RemoveAll(ctx context.Context, d *domain.EmailDomain) (*Result, error) {
	release, err := m.lock(ctx, d.Domain)
	if err != nil {
		return nil, err
	}
	defer release()

	addrs, err := m.addresses.ListByDomain(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("list addresses for %s: %w", d.Domain, err)
	}
	for _, a := range addrs {
		if err := m.addresses.SetReceiptRule(ctx, a.ID, false, nil); err != nil {
			return nil, fmt.Errorf("clear rule on address %s: %w", a.ID, err)
		}
	}
	if d.IsCatchAllEnabled {
		if err := m.domains.ClearCatchAll(ctx, d.UserID, d.ID); err != nil {
			return nil, fmt.Errorf("clear catch-all on domain %s: %w", d.Domain, err)
		}
	}

	res := &Result{Status: StatusRemoved}
	var warnings []string
	for _, name := range []string{m.individualRuleName(d.Domain), m.catchAllRuleName(d.Domain)} {
		if err := m.mailer.DeleteReceiptRule(ctx, name); err != nil {
			warnings = append(warnings, fmt.Sprintf("removing rule %s: %v", name, err))
			logger.Warn("receipt rule delete failed", "domain", d.Domain, "rule", name, "error", err.Error())
		}
	}
	res.Warning = strings.Join(warnings, "; ")
	return res, nil
}

// lock serializes rule mutations per domain. A held lock means another
// request is mid-flight; callers map the busy error to a retryable status.
func (m *Manager) lock(ctx context.Context, domainName string) (func(), error) {
	l := m.locks("receipt:" + strings.ToLower(domainName))
	acquired, err := l.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire rule lock for %s: %w", domainName, err)
	}
	if !acquired {
		return nil, fmt.Errorf("receipt rules for %s are being updated: %w", domainName, domain.ErrDependencyBusy)
	}
	return func() {
		if err := l.Release(ctx); err != nil {
			logger.Warn("release rule lock failed", "domain", domainName, "error", err.Error())
		}
	}, nil
}

func (m *Manager) individualRuleName(domainName string) string {
	return fmt.Sprintf("%s-individual-%s", m.prefix, strings.ToLower(domainName))
}

func (m *Manager) catchAllRuleName(domainName string) string {
	return fmt.Sprintf("%s-catchall-%s", m.prefix, strings.ToLower(domainName))
}
