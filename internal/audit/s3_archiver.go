package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opsloop/controlplane/internal/canonical"
	"github.com/opsloop/controlplane/internal/models"
)

// Archiver uploads canonical audit entry JSON to object storage.
type Archiver interface {
	ArchiveEntry(ctx context.Context, entry *models.AuditEntry) (key string, err error)
}

// S3Archiver writes canonicalized audit entries to S3 paths like:
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<entryID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region/credentials are picked up from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveEntry canonicalizes the full entry envelope, uploads it, and returns
// the object key so callers can persist the pointer next to the entry row.
func (s *S3Archiver) ArchiveEntry(ctx context.Context, entry *models.AuditEntry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("nil entry")
	}

	canonBytes, err := canonical.MarshalCanonical(Envelope(entry))
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	ts := time.Now().UTC()
	if !entry.Ts.IsZero() {
		ts = entry.Ts
	}
	year, month, day := ts.Date()
	objectKey := path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", entry.ID),
	)

	upParams := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(canonBytes),
		ContentType: aws.String("application/json"),
		// Server-side encryption with S3-managed keys (SSE-S3).
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if _, err := s.uploader.Upload(ctx, upParams); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return objectKey, nil
}

// Envelope builds the canonical map representation of an audit entry shared by
// the archiver and the Kafka streamer.
func Envelope(entry *models.AuditEntry) map[string]interface{} {
	var changes interface{}
	if len(entry.Changes) > 0 {
		changes = entry.Changes
	}
	return map[string]interface{}{
		"id":           entry.ID.String(),
		"entityType":   entry.EntityType,
		"entityId":     entry.EntityID,
		"action":       entry.Action,
		"actorId":      entry.ActorID,
		"changes":      changes,
		"previousHash": entry.PreviousHash,
		"currentHash":  entry.CurrentHash,
		"ts":           entry.Ts.Format(time.RFC3339Nano),
	}
}
