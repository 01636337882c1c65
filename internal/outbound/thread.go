package outbound

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/mailparse"
)

const (
	// threadMaxDepth bounds the BFS over message-id links; real threads
	// rarely chain past a handful of hops.
	threadMaxDepth    = 10
	threadMaxMessages = 100

	ThreadInbound  = "inbound"
	ThreadOutbound = "outbound"
)

// InboundThreadStore finds parsed inbound mail by threading relations.
type InboundThreadStore interface {
	GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error)
	FindByMessageIDs(ctx context.Context, userID string, tokens []string) ([]domain.StructuredEmail, error)
	FindLinkedTo(ctx context.Context, userID string, tokens []string) ([]domain.StructuredEmail, error)
	FindBySubject(ctx context.Context, userID, normalized string) ([]domain.StructuredEmail, error)
}

// OutboundThreadStore finds the user's sends by threading relations.
type OutboundThreadStore interface {
	FindByMessageIDs(ctx context.Context, userID string, tokens []string) ([]domain.SentEmail, error)
	FindLinkedTo(ctx context.Context, userID string, tokens []string) ([]domain.SentEmail, error)
	FindBySubject(ctx context.Context, userID, normalized string) ([]domain.SentEmail, error)
}

// ThreadMessage is one message of a conversation, flattened from either
// direction of the mail flow.
type ThreadMessage struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	MessageID      *string   `json:"messageId"`
	Subject        *string   `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Cc             []string  `json:"cc"`
	TextBody       *string   `json:"textBody"`
	HTMLBody       *string   `json:"htmlBody"`
	InReplyTo      *string   `json:"inReplyTo"`
	References     []string  `json:"references"`
	HasAttachments bool      `json:"hasAttachments"`
	Status         *string   `json:"status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ThreadService assembles the conversation an email belongs to by walking
// Message-ID, In-Reply-To, and References links across inbound and
// outbound records.
type ThreadService struct {
	emails   EmailStore
	inbound  InboundThreadStore
	outbound OutboundThreadStore
}

// NewThreadService wires the thread search.
func NewThreadService(emails EmailStore, inbound InboundThreadStore, outbound OutboundThreadStore) *ThreadService {
	return &ThreadService{emails: emails, inbound: inbound, outbound: outbound}
}

// Assemble returns the thread seeded by the given inbound email, sorted
// ascending by best available timestamp. When the id graph connects at
// most the seed itself, a normalized-subject search fills in messages
// whose threading headers were lost.
func (t *ThreadService) Assemble(ctx context.Context, userID, emailID string) ([]ThreadMessage, error) {
	email, err := t.emails.Get(ctx, userID, emailID)
	if err != nil {
		return nil, fmt.Errorf("load thread seed: %w", err)
	}
	parsed, err := t.inbound.GetByEmailID(ctx, email.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load parsed seed: %w", err)
	}

	seen := newThreadSet()
	var frontier []string
	if parsed != nil {
		seen.addInbound(*parsed)
		frontier = inboundTokens(parsed)
	}

	visited := make(map[string]bool)
	for depth := 0; depth < threadMaxDepth && len(frontier) > 0 && seen.size() < threadMaxMessages; depth++ {
		var batch []string
		for _, tok := range frontier {
			if tok == "" || visited[tok] {
				continue
			}
			visited[tok] = true
			batch = append(batch, tok)
		}
		if len(batch) == 0 {
			break
		}
		frontier = nil

		inByID, err := t.inbound.FindByMessageIDs(ctx, userID, batch)
		if err != nil {
			return nil, fmt.Errorf("find inbound by message id: %w", err)
		}
		inLinked, err := t.inbound.FindLinkedTo(ctx, userID, batch)
		if err != nil {
			return nil, fmt.Errorf("find inbound links: %w", err)
		}
		for _, m := range append(inByID, inLinked...) {
			if seen.addInbound(m) {
				frontier = append(frontier, inboundTokens(&m)...)
			}
		}

		outByID, err := t.outbound.FindByMessageIDs(ctx, userID, batch)
		if err != nil {
			return nil, fmt.Errorf("find outbound by message id: %w", err)
		}
		outLinked, err := t.outbound.FindLinkedTo(ctx, userID, batch)
		if err != nil {
			return nil, fmt.Errorf("find outbound links: %w", err)
		}
		for _, m := range append(outByID, outLinked...) {
			if seen.addOutbound(m) {
				frontier = append(frontier, outboundTokens(&m)...)
			}
		}
	}

	if seen.size() <= 1 {
		if err := t.subjectFallback(ctx, userID, email, parsed, seen); err != nil {
			return nil, err
		}
	}

	msgs := seen.messages()
	if parsed == nil {
		// No parsed record survives for the seed; show the envelope row.
		msgs = append(msgs, threadMessageFromRecord(email))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

func (t *ThreadService) subjectFallback(ctx context.Context, userID string, email *domain.ReceivedEmail, parsed *domain.StructuredEmail, seen *threadSet) error {
	subject := email.Subject
	if parsed != nil && parsed.Subject != nil {
		subject = *parsed.Subject
	}
	normalized := NormalizeSubject(subject)
	if normalized == "" {
		return nil
	}

	in, err := t.inbound.FindBySubject(ctx, userID, normalized)
	if err != nil {
		return fmt.Errorf("find inbound by subject: %w", err)
	}
	for _, m := range in {
		seen.addInbound(m)
	}
	out, err := t.outbound.FindBySubject(ctx, userID, normalized)
	if err != nil {
		return fmt.Errorf("find outbound by subject: %w", err)
	}
	for _, m := range out {
		seen.addOutbound(m)
	}
	return nil
}

var replyPrefixRe = regexp.MustCompile(`(?i)^\s*((re|fwd|fw|r|aw|wg)\s*:\s*)+`)

// NormalizeSubject strips stacked reply and forward prefixes and case-folds
// the remainder. Must agree with the store's SQL normalization.
func NormalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(replyPrefixRe.ReplaceAllString(s, "")))
}

// threadSet accumulates found messages, deduplicating by record id while
// preserving discovery order for stable sorting.
type threadSet struct {
	inIDs  map[string]bool
	outIDs map[string]bool
	in     []domain.StructuredEmail
	out    []domain.SentEmail
}

func newThreadSet() *threadSet {
	return &threadSet{inIDs: make(map[string]bool), outIDs: make(map[string]bool)}
}

func (s *threadSet) addInbound(m domain.StructuredEmail) bool {
	if s.inIDs[m.ID] {
		return false
	}
	s.inIDs[m.ID] = true
	s.in = append(s.in, m)
	return true
}

func (s *threadSet) addOutbound(m domain.SentEmail) bool {
	if s.outIDs[m.ID] {
		return false
	}
	s.outIDs[m.ID] = true
	s.out = append(s.out, m)
	return true
}

func (s *threadSet) size() int { return len(s.in) + len(s.out) }

func (s *threadSet) messages() []ThreadMessage {
	msgs := make([]ThreadMessage, 0, s.size())
	for i := range s.in {
		msgs = append(msgs, threadMessageFromInbound(&s.in[i]))
	}
	for i := range s.out {
		msgs = append(msgs, threadMessageFromOutbound(&s.out[i]))
	}
	return msgs
}

func inboundTokens(m *domain.StructuredEmail) []string {
	var tokens []string
	if m.MessageID != nil {
		if t := mailparse.NormalizeMessageID(*m.MessageID); t != "" {
			tokens = append(tokens, t)
		}
	}
	if m.InReplyTo != nil {
		if t := mailparse.NormalizeMessageID(*m.InReplyTo); t != "" {
			tokens = append(tokens, t)
		}
	}
	for _, r := range m.References {
		if t := mailparse.NormalizeMessageID(r); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func outboundTokens(m *domain.SentEmail) []string {
	var tokens []string
	if t := mailparse.NormalizeMessageID(m.MessageID); t != "" {
		tokens = append(tokens, t)
	}
	if m.InReplyTo != nil {
		if t := mailparse.NormalizeMessageID(*m.InReplyTo); t != "" {
			tokens = append(tokens, t)
		}
	}
	for _, r := range m.References {
		if t := mailparse.NormalizeMessageID(r); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func threadMessageFromInbound(m *domain.StructuredEmail) ThreadMessage {
	msg := ThreadMessage{
		ID:             m.EmailID,
		Type:           ThreadInbound,
		MessageID:      m.MessageID,
		Subject:        m.Subject,
		To:             addressList(m.To),
		Cc:             addressList(m.Cc),
		TextBody:       m.TextBody,
		HTMLBody:       m.HTMLBody,
		InReplyTo:      m.InReplyTo,
		References:     m.References,
		HasAttachments: m.HasAttachments,
		Timestamp:      m.CreatedAt,
	}
	if m.From != nil {
		msg.From = m.From.Text
	}
	if m.Date != nil {
		msg.Timestamp = *m.Date
	}
	return msg
}

func threadMessageFromOutbound(m *domain.SentEmail) ThreadMessage {
	status := string(m.Status)
	msg := ThreadMessage{
		ID:             m.ID,
		Type:           ThreadOutbound,
		Subject:        &m.Subject,
		From:           m.FromText,
		To:             m.To,
		Cc:             m.Cc,
		TextBody:       m.TextBody,
		HTMLBody:       m.HTMLBody,
		InReplyTo:      m.InReplyTo,
		References:     m.References,
		HasAttachments: len(m.Attachments) > 0,
		Status:         &status,
		Timestamp:      m.CreatedAt,
	}
	if m.MessageID != "" {
		msg.MessageID = &m.MessageID
	}
	if m.SentAt != nil {
		msg.Timestamp = *m.SentAt
	}
	return msg
}

func threadMessageFromRecord(email *domain.ReceivedEmail) ThreadMessage {
	subject := email.Subject
	return ThreadMessage{
		ID:             email.ID,
		Type:           ThreadInbound,
		Subject:        &subject,
		From:           email.FromText,
		HasAttachments: email.HasAttachments,
		Timestamp:      email.ReceivedAt,
	}
}

func addressList(g *domain.AddressGroup) []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.Addresses))
	for _, a := range g.Addresses {
		out = append(out, a.Address)
	}
	return out
}
