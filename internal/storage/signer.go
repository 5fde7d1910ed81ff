// Package storage mirrors documents and rendered pages to an S3-compatible
// object store using signed PUT requests. There is no handshake: each
// request carries its own SigV4 authorization headers.
package storage

import (
	"net/http"

	"github.com/minio/minio-go/v7/pkg/signer"
)

const contentSHA256Header = "X-Amz-Content-Sha256"

// Signer produces AWS SigV4 authorization headers for object store requests.
type Signer struct {
	accessKeyID     string
	secretAccessKey string
	region          string
}

// NewSigner creates a Signer scoped to the given credentials and region.
func NewSigner(accessKeyID, secretAccessKey, region string) *Signer {
	if region == "" {
		region = "us-east-1"
	}
	return &Signer{
		accessKeyID:     accessKeyID,
		secretAccessKey: secretAccessKey,
		region:          region,
	}
}

// Sign stamps req with the payload hash, signing time and Authorization
// header. The returned request is ready to send; the original is not
// modified beyond its header map.
func (s *Signer) Sign(req *http.Request, payloadHash string) *http.Request {
	req.Header.Set(contentSHA256Header, payloadHash)
	return signer.SignV4(*req, s.accessKeyID, s.secretAccessKey, "", s.region)
}
