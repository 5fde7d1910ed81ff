package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
)

// ErrorKind discriminates upload failures.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindTimeout
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error is a failed object upload.
type Error struct {
	Kind   ErrorKind
	Key    string
	Status int // set for KindRejected
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindRejected {
		return fmt.Sprintf("upload %s: rejected with status %d", e.Key, e.Status)
	}
	return fmt.Sprintf("upload %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same upload could succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindRejected:
		return e.Status >= 500
	}
	return false
}

// Config holds object store configuration.
type Config struct {
	Endpoint        string // host[:port], no scheme
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Timeout         time.Duration
}

// Uploader performs content-addressed uploads. Keys are derived from the
// content hash, so re-uploading identical bytes overwrites an identical
// object: retries can never corrupt state.
type Uploader struct {
	config Config
	signer *Signer
	client *http.Client
}

// New creates an Uploader.
func New(config Config) (*Uploader, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	return &Uploader{
		config: config,
		signer: NewSigner(config.AccessKeyID, config.SecretAccessKey, config.Region),
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// UploadDocument uploads the original document payload and returns its
// storage key.
func (u *Uploader) UploadDocument(ctx context.Context, contentHash string, data []byte) (string, error) {
	key := models.DocumentKey(contentHash)
	if err := u.put(ctx, key, "application/pdf", data); err != nil {
		return "", err
	}
	return key, nil
}

// UploadPage uploads one rendered page image and returns its storage key.
func (u *Uploader) UploadPage(ctx context.Context, contentHash string, pageIndex int, data []byte) (string, error) {
	key := models.PageKey(contentHash, pageIndex)
	if err := u.put(ctx, key, "image/jpeg", data); err != nil {
		return "", err
	}
	return key, nil
}

func (u *Uploader) put(ctx context.Context, key, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return &Error{Kind: KindNetwork, Key: key, Err: err}
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)
	// The mirror is served publicly by the bot's CDN.
	req.Header.Set("X-Amz-Acl", "public-read")

	signed := u.signer.Sign(req, models.ContentHash(data))

	resp, err := u.client.Do(signed)
	if err != nil {
		return &Error{Kind: classifyTransport(err), Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: KindRejected, Key: key, Status: resp.StatusCode}
	}

	slog.Debug("uploaded object", "key", key, "size", len(data), "content_type", contentType)
	return nil
}

func (u *Uploader) objectURL(key string) string {
	scheme := "http"
	if u.config.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, u.config.Endpoint, u.config.Bucket, key)
}

func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
