// Package sesmail is the cloud mailer client: it sends outbound mail
// through SES v2 (simple and raw), fetches raw received messages from the
// receipt bucket in S3, manages SES receipt rules (the v1 API carries
// them), and provisions domain identities for sending verification.
package sesmail

import (
	"context"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/inboundemail/inbound-sub004/internal/config"
)

// Client wraps the three AWS surfaces the mail pipeline touches. Receipt
// rules only exist in the classic SES API, so both generations of client
// are held side by side.
type Client struct {
	v2     *sesv2.Client
	v1     *ses.Client
	s3     *s3.Client
	region string

	ruleSet    string
	rawBucket  string
	lambdaARN  string
	accountID  string
	rulePrefix string
}

// NewClient creates a mailer client. Static credentials are used when
// configured; otherwise the default provider chain applies (IAM role on
// ECS, shared config locally).
func NewClient(ctx context.Context, cfg appconfig.SESConfig) (*Client, error) {
	var awsCfg awsv2.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Client{
		v2:         sesv2.NewFromConfig(awsCfg),
		v1:         ses.NewFromConfig(awsCfg),
		s3:         s3.NewFromConfig(awsCfg),
		region:     cfg.Region,
		ruleSet:    cfg.RuleSetName,
		rawBucket:  cfg.RawMailBucket,
		lambdaARN:  cfg.LambdaFunctionARN,
		accountID:  cfg.AccountID,
		rulePrefix: cfg.RulePrefix,
	}, nil
}

// Region returns the AWS region the client operates in.
func (c *Client) Region() string { return c.region }

// RulePrefix returns the namespace prefix for receipt rules owned by this
// deployment.
func (c *Client) RulePrefix() string { return c.rulePrefix }

// RawBucket returns the bucket receipt rules deliver raw messages into.
func (c *Client) RawBucket() string { return c.rawBucket }
