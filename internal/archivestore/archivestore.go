// Package archivestore reads and writes archived ("kako") thread dat
// objects from object storage, behind an interface so the S3-backed
// implementation can be swapped for a filesystem one in tests.
package archivestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("archivestore: object not found")

// Store reads and writes archived dat blobs, keyed by board and thread
// number. PutAdmin additionally writes the admin variant, which carries
// per-line IP and authed-token-id fields the public variant omits.
type Store interface {
	Get(ctx context.Context, boardKey string, threadNumber int64) ([]byte, error)
	Put(ctx context.Context, boardKey string, threadNumber int64, data []byte) error
	PutAdmin(ctx context.Context, boardKey string, threadNumber int64, data []byte) error
}

func publicKey(boardKey string, threadNumber int64) string {
	return fmt.Sprintf("%s/dat/%d.dat", boardKey, threadNumber)
}

func adminKey(boardKey string, threadNumber int64) string {
	return fmt.Sprintf("%s/admin/%d.dat", boardKey, threadNumber)
}

// S3Store is the S3-backed Store (cmd/eddist-server itself wires FSStore),
// grounded on the original's s3::Bucket
// object layout ("{board_key}/dat/{n}.dat" public, "{board_key}/admin/{n}.dat"
// admin) reproduced here over aws-sdk-go's S3 client, mirroring the pack's
// own s3Ingester bucket reader.
type S3Store struct {
	api    s3iface.S3API
	bucket string
}

// NewS3Store builds an S3Store for the given bucket name, using the default
// AWS session/credential chain (region, static keys, or instance profile),
// matching the pack's s3Ingester session construction.
func NewS3Store(sess *session.Session, bucket string) *S3Store {
	return &S3Store{api: s3.New(sess), bucket: bucket}
}

// NewS3StoreWithAPI builds an S3Store over an explicit S3API, for tests that
// substitute a stub rather than the filesystem-backed Store.
func NewS3StoreWithAPI(api s3iface.S3API, bucket string) *S3Store {
	return &S3Store{api: api, bucket: bucket}
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && (awsErr.Code() == s3.ErrCodeNoSuchKey || awsErr.Code() == "NotFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archivestore: get %s: %w", key, err)
	}
	defer out.Body.Close() //nolint:errcheck
	return io.ReadAll(out.Body)
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("archivestore: put %s: %w", key, err)
	}
	return nil
}

// Get fetches the public dat object for the given thread.
func (s *S3Store) Get(ctx context.Context, boardKey string, threadNumber int64) ([]byte, error) {
	return s.get(ctx, publicKey(boardKey, threadNumber))
}

// Put writes the public dat object for the given thread.
func (s *S3Store) Put(ctx context.Context, boardKey string, threadNumber int64, data []byte) error {
	return s.put(ctx, publicKey(boardKey, threadNumber), data)
}

// PutAdmin writes the admin dat object (with per-line IP/token-id) for the
// given thread.
func (s *S3Store) PutAdmin(ctx context.Context, boardKey string, threadNumber int64, data []byte) error {
	return s.put(ctx, adminKey(boardKey, threadNumber), data)
}
