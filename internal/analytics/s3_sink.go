package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// S3Config configures the optional S3 export mirror used for long-term
// retention beyond the local retention window, and as the destination for
// GDPR export uploads (internal/export).
type S3Config struct {
	Bucket    string
	Region    string
	KeyPrefix string
	Endpoint  string
}

// S3Sink uploads each mirrored record as a small object keyed by
// <prefix><stream>/<UTC date>/<unix-nano timestamp>.json, adapted from the teacher's S3Exporter
// (internal/long-term-archives) from batched Parquet export to per-record
// best-effort JSON upload.
type S3Sink struct {
	cfg      S3Config
	uploader *s3manager.Uploader
	logger   *zap.Logger
}

func NewS3Sink(cfg S3Config, logger *zap.Logger) (*S3Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sess, err := session.NewSession(&aws.Config{
		Region:   aws.String(cfg.Region),
		Endpoint: aws.String(cfg.Endpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: s3 session: %w", err)
	}
	return &S3Sink{
		cfg:      cfg,
		uploader: s3manager.NewUploader(sess),
		logger:   logger,
	}, nil
}

func (s *S3Sink) Mirror(stream Stream, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s/%s/%d.json", s.cfg.KeyPrefix, stream, r.Timestamp.UTC().Format("2006-01-02"), r.Timestamp.UnixNano())
	_, err = s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (s *S3Sink) Close() error { return nil }

// UploadExportArchive uploads an already-built GDPR export container (see
// internal/export) to S3 and returns its object key.
func (s *S3Sink) UploadExportArchive(pluginID string, data []byte) (string, error) {
	key := fmt.Sprintf("%sexports/%s/%d.gdpr", s.cfg.KeyPrefix, pluginID, time.Now().UnixNano())
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("analytics: upload export: %w", err)
	}
	return key, nil
}
