// Package planarchive stores the JSON change plan of each execution
// attempt in S3 for operator review. Archiving is best-effort: a failed
// upload is logged and never affects the job's outcome.
package planarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"curation-engine/internal/curate"
)

// Archive writes change plans to an S3 bucket.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an archive for the given bucket, or nil when no bucket is
// configured. Callers treat a nil *Archive as disabled.
func New(ctx context.Context, bucket, prefix string) (*Archive, error) {
	if bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Archive{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Put uploads one attempt's plan under <prefix>/<jobID>/<attempt>.json.
func (a *Archive) Put(ctx context.Context, jobID string, attempt int, plan curate.ChangePlan) error {
	if a == nil {
		return nil
	}
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%d-%d.json", a.prefix, jobID, attempt, time.Now().UTC().Unix())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put plan object: %w", err)
	}
	return nil
}
