// Package objectstore provides an S3-compatible blob store for the
// `/api/v1/documents/*` surface (§4.A).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store wraps an S3-compatible client scoped to a single bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// Config configures the S3(-compatible) endpoint. Endpoint and
// ForcePathStyle are set for non-AWS providers (MinIO, R2, etc.); leave
// Endpoint empty to use AWS's default resolver.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// New builds a Store from static credentials, matching the teacher's
// posture of configuring cloud SDK clients from explicit config rather than
// ambient environment discovery.
func New(cfg Config) (*Store, error) {
	awsCfg, err := newAWSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads a single object, replacing any existing object at key.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// Get retrieves an object's full body.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return body, nil
}

// Delete removes an object. Not finding it is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// MultipartUpload tracks an in-progress multipart upload for documents large
// enough to exceed a single PutObject call.
type MultipartUpload struct {
	Key      string
	UploadID string
	parts    []completedPart
}

type completedPart struct {
	partNumber int32
	etag       string
}

// CreateMultipart starts a new multipart upload for key.
func (s *Store) CreateMultipart(ctx context.Context, key, contentType string) (*MultipartUpload, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create multipart %s: %w", key, err)
	}
	return &MultipartUpload{Key: key, UploadID: aws.ToString(out.UploadId)}, nil
}

// UploadPart uploads one part (1-indexed) of an in-progress multipart upload.
func (s *Store) UploadPart(ctx context.Context, mu *MultipartUpload, partNumber int32, body []byte) error {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(mu.Key),
		UploadId:   aws.String(mu.UploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("objectstore: upload part %d of %s: %w", partNumber, mu.Key, err)
	}
	mu.parts = append(mu.parts, completedPart{partNumber: partNumber, etag: aws.ToString(out.ETag)})
	return nil
}

// Complete finalizes a multipart upload once all parts have been uploaded.
func (s *Store) Complete(ctx context.Context, mu *MultipartUpload) error {
	parts := make([]types.CompletedPart, len(mu.parts))
	for i, p := range mu.parts {
		parts[i] = types.CompletedPart{PartNumber: aws.Int32(p.partNumber), ETag: aws.String(p.etag)}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(mu.Key),
		UploadId:        aws.String(mu.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("objectstore: complete multipart %s: %w", mu.Key, err)
	}
	return nil
}

// Abort cancels an in-progress multipart upload, releasing its storage.
func (s *Store) Abort(ctx context.Context, mu *MultipartUpload) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(mu.Key),
		UploadId: aws.String(mu.UploadID),
	})
	if err != nil {
		return fmt.Errorf("objectstore: abort multipart %s: %w", mu.Key, err)
	}
	return nil
}
