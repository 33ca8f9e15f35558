// Package blob resolves the storage paths held in records (listing
// photos, gallery images) to URLs a browser can load. Objects live in an
// S3-compatible bucket and are served through presigned GET URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultURLTTL is how long presigned URLs stay valid.
const DefaultURLTTL = time.Hour

// Config describes the bucket holding record media.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	URLTTL    time.Duration
}

// Resolver turns object paths into presigned URLs. Signed URLs are reused
// until half their lifetime has passed so repeated renders of the same
// record produce the same link. Expired entries are dropped whenever a new
// URL is signed.
type Resolver struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]signed
}

type signed struct {
	url     string
	expires time.Time
}

// New creates a resolver for cfg. Region should be set: without it the
// client looks up the bucket location over the network before signing.
func New(cfg Config) (*Resolver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("blob endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}

	return NewWithClient(client, cfg.Bucket, cfg.URLTTL), nil
}

// NewWithClient creates a resolver over an existing client.
func NewWithClient(client *minio.Client, bucket string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}

	return &Resolver{
		client: client,
		bucket: bucket,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]signed),
	}
}

// URL returns a loadable URL for path. Values that are already absolute
// http(s) URLs are returned unchanged; empty paths resolve to "".
func (r *Resolver) URL(ctx context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || isAbsolute(path) {
		return path, nil
	}

	key := strings.TrimPrefix(path, "/")
	now := r.now()

	r.mu.Lock()
	if s, ok := r.cache[key]; ok && now.Before(s.expires) {
		r.mu.Unlock()
		return s.url, nil
	}
	r.mu.Unlock()

	u, err := r.client.PresignedGetObject(ctx, r.bucket, key, r.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("signing %s: %w", key, err)
	}

	r.mu.Lock()
	for k, s := range r.cache {
		if !now.Before(s.expires) {
			delete(r.cache, k)
		}
	}

	r.cache[key] = signed{url: u.String(), expires: now.Add(r.ttl / 2)}
	r.mu.Unlock()

	return u.String(), nil
}

func isAbsolute(path string) bool {
	u, err := url.Parse(path)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
