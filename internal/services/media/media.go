// Package media issues time-limited download URLs for learning materials
// stored in an S3-compatible object store. URLs are cached slightly shorter
// than they live, so the cache never hands out a dead link.
package media

import (
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/pkg/utils"
)

// Presigner signs object download URLs. *minio.Client satisfies it.
type Presigner interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// Service resolves material object keys to presigned URLs.
type Service struct {
	presigner Presigner
	loader    *cache.Loader
	bucket    string
	expiry    time.Duration
	log       *zap.Logger
}

// New creates the media service.
func New(presigner Presigner, loader *cache.Loader, bucket string, expiry time.Duration, log *zap.Logger) *Service {
	return &Service{
		presigner: presigner,
		loader:    loader,
		bucket:    bucket,
		expiry:    expiry,
		log:       log,
	}
}

// NewMinioPresigner connects a MinIO client for presigning.
func NewMinioPresigner(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

// Link is a resolved material download.
type Link struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// URL returns a presigned download link for an object key. The link is
// cached for 90% of its lifetime; concurrent requests for the same key
// collapse into one signing call.
func (s *Service) URL(ctx context.Context, objectKey string) (*Link, error) {
	if !utils.ValidateObjectPath(objectKey) {
		return nil, errs.Ef(errs.CodeNotFound, "invalid object key")
	}
	key := utils.NormalizeObjectPath(objectKey)

	var link Link
	err := s.loader.GetOrCompute(ctx, cache.FileURLKey(s.bucket, key), s.cacheTTL(), &link, func(ctx context.Context) (any, error) {
		signed, err := s.presigner.PresignedGetObject(ctx, s.bucket, key, s.expiry, nil)
		if err != nil {
			s.log.Warn("presign failed",
				zap.String("object", key), zap.Error(err))
			return nil, errs.Internal(err)
		}
		return &Link{
			URL:         signed.String(),
			ContentType: utils.ContentTypeFor(key),
			ExpiresAt:   time.Now().UTC().Add(s.expiry),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *Service) cacheTTL() time.Duration {
	return s.expiry * 9 / 10
}
