// Package avatar turns the avatar references stored on comments into URLs a browser can
// load.
package avatar

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	TTL       time.Duration
}

// Resolver presigns object-store avatar references. A nil client passes references
// through unchanged.
type Resolver struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewResolver builds a resolver for cfg. An empty endpoint yields a pass-through
// resolver. The region must be set so presigning never needs a network round trip.
func NewResolver(cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &Resolver{}, nil
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create avatar client: %w", err)
	}
	return &Resolver{client: client, bucket: cfg.Bucket, ttl: cfg.TTL}, nil
}

// URL returns a loadable URL for ref. Absolute http(s) references are returned as they
// are; anything else is an object key in the avatar bucket.
func (r *Resolver) URL(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if isAbsolute(ref) || r == nil || r.client == nil {
		return ref, nil
	}
	signed, err := r.client.PresignedGetObject(ctx, r.bucket, strings.TrimPrefix(ref, "/"), r.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign avatar %s: %w", ref, err)
	}
	return signed.String(), nil
}

func isAbsolute(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
