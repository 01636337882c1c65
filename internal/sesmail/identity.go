package sesmail

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sesv2types "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// Identity is the verification view of a sending domain as the mailer
// reports it. The TXT verification token only exists in the classic API;
// DKIM tokens and sending status come from v2.
type Identity struct {
	Domain             string
	VerificationToken  string
	DKIMTokens         []string
	DKIMStatus         string
	VerificationStatus string
	VerifiedForSending bool
}

// CreateDomainIdentity registers a domain with the mailer and returns the
// TXT verification token and DKIM tokens the owner must publish.
// Registering an identity that already exists falls through to a lookup,
// so a lost create race leaves nothing to clean up.
func (c *Client) CreateDomainIdentity(ctx context.Context, domainName string) (*Identity, error) {
	if c.v1 == nil || c.v2 == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}

	// VerifyDomainIdentity is idempotent: repeat calls hand back the same
	// token until the domain verifies.
	verify, err := c.v1.VerifyDomainIdentity(ctx, &ses.VerifyDomainIdentityInput{
		Domain: aws.String(domainName),
	})
	if err != nil {
		return nil, fmt.Errorf("requesting verification token for %s: %w", domainName, err)
	}

	out, err := c.v2.CreateEmailIdentity(ctx, &sesv2.CreateEmailIdentityInput{
		EmailIdentity: aws.String(domainName),
	})
	if err != nil {
		if IsIdentityExists(err) {
			return c.GetDomainIdentity(ctx, domainName)
		}
		return nil, fmt.Errorf("creating email identity %s: %w", domainName, err)
	}

	identity := &Identity{
		Domain:             domainName,
		VerificationToken:  aws.ToString(verify.VerificationToken),
		VerifiedForSending: out.VerifiedForSendingStatus,
	}
	if out.DkimAttributes != nil {
		identity.DKIMTokens = out.DkimAttributes.Tokens
		identity.DKIMStatus = string(out.DkimAttributes.Status)
	}

	log.Printf("[SES] Created identity %s (%d DKIM tokens)", domainName, len(identity.DKIMTokens))
	return identity, nil
}

// GetDomainIdentity fetches the current verification state of a domain
// identity, including the classic-API TXT token.
func (c *Client) GetDomainIdentity(ctx context.Context, domainName string) (*Identity, error) {
	if c.v1 == nil || c.v2 == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}

	out, err := c.v2.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{
		EmailIdentity: aws.String(domainName),
	})
	if err != nil {
		return nil, fmt.Errorf("getting email identity %s: %w", domainName, err)
	}

	identity := &Identity{
		Domain:             domainName,
		VerificationStatus: string(out.VerificationStatus),
		VerifiedForSending: out.VerifiedForSendingStatus,
	}
	if out.DkimAttributes != nil {
		identity.DKIMTokens = out.DkimAttributes.Tokens
		identity.DKIMStatus = string(out.DkimAttributes.Status)
	}

	attrs, err := c.v1.GetIdentityVerificationAttributes(ctx, &ses.GetIdentityVerificationAttributesInput{
		Identities: []string{domainName},
	})
	if err != nil {
		return nil, fmt.Errorf("getting verification attributes for %s: %w", domainName, err)
	}
	if attr, ok := attrs.VerificationAttributes[domainName]; ok {
		identity.VerificationToken = aws.ToString(attr.VerificationToken)
	}

	return identity, nil
}

// DeleteDomainIdentity removes a domain identity. Deleting an identity
// that does not exist is not an error.
func (c *Client) DeleteDomainIdentity(ctx context.Context, domainName string) error {
	if c.v2 == nil {
		return fmt.Errorf("SES client not initialized - check credentials")
	}

	_, err := c.v2.DeleteEmailIdentity(ctx, &sesv2.DeleteEmailIdentityInput{
		EmailIdentity: aws.String(domainName),
	})
	if err != nil && !IsIdentityNotFound(err) {
		return fmt.Errorf("deleting email identity %s: %w", domainName, err)
	}
	return nil
}

// IsIdentityExists reports whether err is the mailer's identity-already-
// registered condition.
func IsIdentityExists(err error) bool {
	var exists *sesv2types.AlreadyExistsException
	return errors.As(err, &exists)
}

// IsIdentityNotFound reports whether err is the mailer's unknown-identity
// condition.
func IsIdentityNotFound(err error) bool {
	var notFound *sesv2types.NotFoundException
	return errors.As(err, &notFound)
}
