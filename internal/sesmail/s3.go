package sesmail

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxRawMessageBytes bounds a single fetched message. SES inbound caps
// messages around 30 MiB; anything larger is not a legitimate receipt.
const maxRawMessageBytes = 40 << 20

// FetchRawMessage downloads the raw RFC 5322 bytes the receipt pipeline
// stored at (bucket, key). An empty bucket falls back to the configured
// receipt bucket.
func (c *Client) FetchRawMessage(ctx context.Context, bucket, key string) ([]byte, error) {
	targetBucket := bucket
	if targetBucket == "" {
		targetBucket = c.rawBucket
	}

	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(targetBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3 bucket %s: %w", targetBucket, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, maxRawMessageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	if len(data) > maxRawMessageBytes {
		return nil, fmt.Errorf("object s3://%s/%s exceeds %d bytes", targetBucket, key, maxRawMessageBytes)
	}

	return data, nil
}
