// Package entitlement wraps the billing service's feature meters behind a
// check-and-track gate. Every inbound trigger and outbound send passes
// through it; the gate fails closed when the billing service misbehaves.
package entitlement

import (
	"context"
	"sync"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// Features metered by the entitlement service.
const (
	FeatureInboundTriggers = "inbound_triggers"
	FeatureEmailsSent      = "emails_sent"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed   bool
	Unlimited bool
	// Reason is set when denied: either the billing verdict or the error
	// that prevented a verdict.
	Reason string
}

// Gate is the quota interface the pipeline consumes.
type Gate interface {
	// CheckAndTrack verifies the user may consume one unit of feature and,
	// when the feature is metered (not unlimited), records the usage.
	// A failed usage increment denies: usage must never outrun the meter.
	CheckAndTrack(ctx context.Context, userID, feature string) Decision
}

// QuotaGate enforces feature quotas via an entitlement Client. The system
// sentinel user bypasses both the check and the meter.
type QuotaGate struct {
	client *Client
}

// NewQuotaGate creates a gate over the given entitlement client.
func NewQuotaGate(client *Client) *QuotaGate {
	return &QuotaGate{client: client}
}

// CheckAndTrack implements Gate.
func (g *QuotaGate) CheckAndTrack(ctx context.Context, userID, feature string) Decision {
	d := g.Check(ctx, userID, feature)
	if !d.Allowed || d.Unlimited {
		return d
	}
	if err := g.Track(ctx, userID, feature); err != nil {
		return Decision{Allowed: false, Reason: "entitlement track failed: " + err.Error()}
	}
	return Decision{Allowed: true}
}

// Check verifies the user may consume one unit of feature without
// recording usage. Callers that meter after the fact (outbound sends,
// where the unit is only consumed if the provider accepts the message)
// pair this with Track.
func (g *QuotaGate) Check(ctx context.Context, userID, feature string) Decision {
	if userID == domain.SystemUserID {
		return Decision{Allowed: true, Unlimited: true}
	}

	check, err := g.client.Check(ctx, userID, feature)
	if err != nil {
		logger.Error("entitlement check failed", "user_id", userID, "feature", feature, "error", err.Error())
		return Decision{Allowed: false, Reason: "entitlement check failed: " + err.Error()}
	}
	if !check.Allowed {
		return Decision{Allowed: false, Reason: "quota exceeded for " + feature}
	}
	return Decision{Allowed: true, Unlimited: check.Unlimited}
}

// Track records one unit of usage. The system user is never metered.
func (g *QuotaGate) Track(ctx context.Context, userID, feature string) error {
	if userID == domain.SystemUserID {
		return nil
	}
	if err := g.client.Track(ctx, userID, feature, 1); err != nil {
		logger.Error("entitlement track failed", "user_id", userID, "feature", feature, "error", err.Error())
		return err
	}
	return nil
}

// NoopGate allows everything. Used when no entitlement service is
// configured (development, self-hosted).
type NoopGate struct {
	once sync.Once
}

// NewNoopGate creates an allow-all gate.
func NewNoopGate() *NoopGate { return &NoopGate{} }

// CheckAndTrack implements Gate. It warns once per process so an
// unconfigured production deployment is visible in the logs.
func (g *NoopGate) CheckAndTrack(ctx context.Context, userID, feature string) Decision {
	g.once.Do(func() {
		logger.Warn("entitlement service not configured, all quota checks pass")
	})
	return Decision{Allowed: true, Unlimited: true}
}

// Check implements the split check path. Always allows.
func (g *NoopGate) Check(ctx context.Context, userID, feature string) Decision {
	return g.CheckAndTrack(ctx, userID, feature)
}

// Track is a no-op.
func (g *NoopGate) Track(ctx context.Context, userID, feature string) error {
	return nil
}
