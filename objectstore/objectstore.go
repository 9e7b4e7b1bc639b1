// Package objectstore adapts S3 as the backing store for artifact bytes
// referenced by a bundle's artifacts/ directory, following the same upload
// shape used elsewhere in this codebase for archiving canonical JSON, with
// a download path added for bundle assembly.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3ArtifactSource reads and writes artifact bytes at
//
//	s3://<bucket>/<prefix>/<artifactId>
type S3ArtifactSource struct {
	bucket     string
	prefix     string
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3ArtifactSource creates an S3ArtifactSource. Region and credentials
// are resolved from the environment (AWS_REGION, AWS_PROFILE,
// AWS_ACCESS_KEY_ID/SECRET, etc.) by the default AWS config chain.
func NewS3ArtifactSource(ctx context.Context, bucket string, prefix string) (*S3ArtifactSource, error) {
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	return &S3ArtifactSource{
		bucket:     bucket,
		prefix:     prefix,
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3ArtifactSource) objectKey(artifactID string) string {
	if s.prefix == "" {
		return artifactID
	}
	return s.prefix + "/" + artifactID
}

// Put uploads artifact bytes under artifactID, server-side encrypted with
// SSE-S3, matching the encryption posture used for archived audit events.
func (s *S3ArtifactSource) Put(ctx context.Context, artifactID string, contentType string, data []byte) error {
	if artifactID == "" {
		return fmt.Errorf("objectstore: artifactID required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.objectKey(artifactID)),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("objectstore: s3 upload failed: %w", err)
	}
	return nil
}

// Get downloads the artifact bytes stored under artifactID.
func (s *S3ArtifactSource) Get(ctx context.Context, artifactID string) ([]byte, error) {
	if artifactID == "" {
		return nil, fmt.Errorf("objectstore: artifactID required")
	}

	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID)),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: s3 download failed: %w", err)
	}
	return buf.Bytes(), nil
}

// GetReader streams the artifact without buffering the whole object; the
// caller must Close the returned reader.
func (s *S3ArtifactSource) GetReader(ctx context.Context, artifactID string) (io.ReadCloser, error) {
	if artifactID == "" {
		return nil, fmt.Errorf("objectstore: artifactID required")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(artifactID)),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: s3 get object failed: %w", err)
	}
	return out.Body, nil
}
