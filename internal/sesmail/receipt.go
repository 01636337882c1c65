package sesmail

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// rawObjectKeyPrefix is where receipt rules deliver message bodies inside
// the receipt bucket. The ingest function receives the full key in the
// receipt action record.
const rawObjectKeyPrefix = "emails/"

// ReceiptRule describes one acceptance rule to upsert. Recipients are
// either full addresses (individual mode) or a bare domain (catch-all
// mode, SES treats "example.com" as @example.com).
type ReceiptRule struct {
	Name       string
	Recipients []string
}

// PutReceiptRule creates the rule in the configured rule set, or updates
// it in place when it already exists. Returns true when an existing rule
// was updated. Every rule carries the same action pair: store the raw
// message in S3, then invoke the ingest function.
func (c *Client) PutReceiptRule(ctx context.Context, rule ReceiptRule) (updated bool, err error) {
	if c.v1 == nil {
		return false, fmt.Errorf("SES client not initialized - check credentials")
	}

	built := c.buildRule(rule)

	_, err = c.v1.DescribeReceiptRule(ctx, &ses.DescribeReceiptRuleInput{
		RuleName:    aws.String(rule.Name),
		RuleSetName: aws.String(c.ruleSet),
	})
	switch {
	case err == nil:
		_, err = c.v1.UpdateReceiptRule(ctx, &ses.UpdateReceiptRuleInput{
			Rule:        &built,
			RuleSetName: aws.String(c.ruleSet),
		})
		if err != nil {
			return false, fmt.Errorf("updating receipt rule %s: %w", rule.Name, err)
		}
		log.Printf("[SES] Updated receipt rule %s (%d recipients)", rule.Name, len(rule.Recipients))
		return true, nil

	case IsRuleNotFound(err):
		_, err = c.v1.CreateReceiptRule(ctx, &ses.CreateReceiptRuleInput{
			Rule:        &built,
			RuleSetName: aws.String(c.ruleSet),
		})
		if err != nil {
			return false, fmt.Errorf("creating receipt rule %s: %w", rule.Name, err)
		}
		log.Printf("[SES] Created receipt rule %s (%d recipients)", rule.Name, len(rule.Recipients))
		return false, nil

	default:
		return false, fmt.Errorf("describing receipt rule %s: %w", rule.Name, err)
	}
}

// DeleteReceiptRule removes a rule from the configured rule set. A rule
// that does not exist is not an error; delete is idempotent.
func (c *Client) DeleteReceiptRule(ctx context.Context, name string) error {
	if c.v1 == nil {
		return fmt.Errorf("SES client not initialized - check credentials")
	}

	_, err := c.v1.DeleteReceiptRule(ctx, &ses.DeleteReceiptRuleInput{
		RuleName:    aws.String(name),
		RuleSetName: aws.String(c.ruleSet),
	})
	if err != nil && !IsRuleNotFound(err) {
		return fmt.Errorf("deleting receipt rule %s: %w", name, err)
	}
	return nil
}

// ReceiptRuleExists reports whether a rule with this name is present in
// the configured rule set.
func (c *Client) ReceiptRuleExists(ctx context.Context, name string) (bool, error) {
	if c.v1 == nil {
		return false, fmt.Errorf("SES client not initialized - check credentials")
	}

	_, err := c.v1.DescribeReceiptRule(ctx, &ses.DescribeReceiptRuleInput{
		RuleName:    aws.String(name),
		RuleSetName: aws.String(c.ruleSet),
	})
	if err != nil {
		if IsRuleNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("describing receipt rule %s: %w", name, err)
	}
	return true, nil
}

// buildRule assembles the SES rule shape: scan enabled so verdicts reach
// the receipt record, TLS optional, S3 storage followed by the async
// ingest invocation.
func (c *Client) buildRule(rule ReceiptRule) sestypes.ReceiptRule {
	actions := []sestypes.ReceiptAction{
		{
			S3Action: &sestypes.S3Action{
				BucketName:      aws.String(c.rawBucket),
				ObjectKeyPrefix: aws.String(rawObjectKeyPrefix),
			},
		},
	}
	if c.lambdaARN != "" {
		actions = append(actions, sestypes.ReceiptAction{
			LambdaAction: &sestypes.LambdaAction{
				FunctionArn:    aws.String(c.lambdaARN),
				InvocationType: sestypes.InvocationTypeEvent,
			},
		})
	}

	return sestypes.ReceiptRule{
		Name:        aws.String(rule.Name),
		Enabled:     true,
		Recipients:  rule.Recipients,
		ScanEnabled: true,
		TlsPolicy:   sestypes.TlsPolicyOptional,
		Actions:     actions,
	}
}

// IsRuleNotFound reports whether err is the mailer's rule-does-not-exist
// condition.
func IsRuleNotFound(err error) bool {
	var notFound *sestypes.RuleDoesNotExistException
	return errors.As(err, &notFound)
}
