package ingest

import (
	"context"
	"database/sql"
	"errors"
	"net/mail"
	"strings"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// DomainFinder looks up a receiving domain by exact name.
type DomainFinder interface {
	GetByName(ctx context.Context, name string) (*domain.EmailDomain, error)
}

// OwnerResolver maps a recipient address to the owning user. Unknown or
// invalid recipients resolve to the system sentinel, which is persisted
// for audit but skips quota and routing.
type OwnerResolver struct {
	domains DomainFinder
}

// NewOwnerResolver creates a resolver over the domain store.
func NewOwnerResolver(domains DomainFinder) *OwnerResolver {
	return &OwnerResolver{domains: domains}
}

// Resolve returns the user id owning the recipient's domain. Ownership is
// returned regardless of the domain's verification status or can_receive
// flag so mail is never dropped for a row mid-verification; a disabled
// receive flag only logs a warning.
func (r *OwnerResolver) Resolve(ctx context.Context, recipient string) string {
	name := domain.DomainOf(recipient)
	if name == "" {
		return domain.SystemUserID
	}

	d, err := r.domains.GetByName(ctx, name)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Error("domain lookup failed", "domain", name, "error", err.Error())
		}
		return domain.SystemUserID
	}

	if !d.CanReceiveEmails {
		logger.Warn("domain not enabled for receiving, accepting anyway",
			"domain", name, "user_id", d.UserID, "status", string(d.Status))
	}
	return d.UserID
}

// BlockFinder checks the sender blocklist.
type BlockFinder interface {
	IsBlocked(ctx context.Context, address string) (bool, error)
}

// BlocklistChecker answers whether mail from a sender should be persisted
// as blocked. Lookup failures fail open: a broken blocklist must not stop
// the inbound pipeline.
type BlocklistChecker struct {
	blocked BlockFinder
}

// NewBlocklistChecker creates a checker over the blocklist store.
func NewBlocklistChecker(blocked BlockFinder) *BlocklistChecker {
	return &BlocklistChecker{blocked: blocked}
}

// IsBlocked reports whether the sender address is on the blocklist. The
// source may be a bare address or a full "Name <addr>" mailbox.
func (b *BlocklistChecker) IsBlocked(ctx context.Context, source string) bool {
	addr := bareAddress(source)
	if addr == "" {
		return false
	}

	blocked, err := b.blocked.IsBlocked(ctx, addr)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logger.Warn("blocklist lookup failed, allowing sender", "error", err.Error())
		return false
	}
	return blocked
}

// bareAddress reduces a mailbox to its lowercased addr-spec.
func bareAddress(source string) string {
	s := strings.TrimSpace(source)
	if s == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(strings.Trim(s, "<>"))
}
