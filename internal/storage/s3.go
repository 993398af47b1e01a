package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"lingochat/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

type S3Storage struct {
	client   *s3.Client
	bucket   string
	endpoint string
}

// NewS3Storage creates an S3 client for an S3-compatible endpoint
func NewS3Storage(ctx context.Context, endpoint, region, accessKey, secretKey, bucket string) (*S3Storage, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	logger.Info("S3 storage initialized", zap.String("bucket", bucket))

	return &S3Storage{
		client:   client,
		bucket:   bucket,
		endpoint: strings.TrimRight(endpoint, "/"),
	}, nil
}

// Download fetches an object into memory
func (s *S3Storage) Download(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	logger.Debug("File downloaded from S3",
		zap.String("key", key),
		zap.String("size", humanize.Bytes(uint64(len(data)))))

	return data, nil
}

// Upload stores data under key
func (s *S3Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	logger.Debug("File uploaded to S3",
		zap.String("key", key),
		zap.String("size", humanize.Bytes(uint64(len(data)))))

	return nil
}

// Delete removes an object
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	logger.Debug("File deleted from S3", zap.String("key", key))
	return nil
}

// ObjectURL returns the path-style URL of key, as understood by services
// reading directly from the bucket.
func (s *S3Storage) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
}

// OriginalAudioKey is the object key of an uploaded recording
func OriginalAudioKey(senderID, conversationID, file string) string {
	return path.Join(senderID, conversationID, file)
}

// SynthesizedAudioKey is the object key of speech synthesized for one
// recipient. The hash covers the spoken text and voice settings.
func SynthesizedAudioKey(senderID, messageID, recipientID, content, ext string) string {
	return path.Join(senderID, messageID,
		fmt.Sprintf("tts-%s-%s.%s", recipientID, ContentHash(content), strings.TrimPrefix(ext, ".")))
}

// ContentHash is a short stable digest used in object keys
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// ScratchAudioKey is a temporary object key for audio that must be reachable
// by URL during recognition.
func ScratchAudioKey(id, ext string) string {
	return path.Join("scratch", fmt.Sprintf("%s.%s", id, strings.TrimPrefix(ext, ".")))
}
