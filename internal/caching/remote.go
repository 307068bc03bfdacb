package caching

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/klauspost/compress/gzip"

	"github.com/valeryz/capsules/internal/iohashing"
)

// indexCacheControl keeps index entries uncached, since a capsule's
// entry for a given input hash may be rewritten; blobCacheControl marks
// content-addressed blobs cacheable for 30 days, since a blob's key is
// its content digest and it never changes once written.
const (
	indexCacheControl = "no-cache"
	blobCacheControl  = "max-age=2592000"
)

// RemoteParameters configures a RemoteBackend.
type RemoteParameters struct {
	Bucket   string
	Region   string
	Endpoint string
}

// RemoteBackend is a Backend backed by an S3-compatible object store.
// Index entries are JSON-encoded; blob content is gzip-compressed
// before upload and decompressed transparently on download.
type RemoteBackend struct {
	bucket string
	s3     *s3.S3
}

// NewRemote builds a RemoteBackend from params, failing fast if the
// bucket or region is unset rather than surfacing a confusing error
// from the first S3 call. Endpoint is optional; when set, it overrides
// the AWS endpoint and switches to path-style addressing.
func NewRemote(params RemoteParameters) (*RemoteBackend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("remote cache backend: S3 bucket not specified")
	}
	if params.Region == "" {
		return nil, fmt.Errorf("remote cache backend: S3 region not specified")
	}

	awsConfig := aws.NewConfig().WithRegion(params.Region)
	if params.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(params.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("remote cache backend: creating AWS session: %w", err)
	}

	return &RemoteBackend{bucket: params.Bucket, s3: s3.New(sess)}, nil
}

func (r *RemoteBackend) Name() string { return "remote" }

func (r *RemoteBackend) Lookup(ctx context.Context, capsuleID string, inputs iohashing.InputHashBundle) (*iohashing.InputOutputBundle, error) {
	key := indexKey(capsuleID, inputs.Hash)
	resp, err := r.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
			return nil, nil
		}
		return nil, fmt.Errorf("remote cache backend: looking up %s: %w", key, err)
	}
	defer resp.Body.Close()

	var bundle iohashing.InputOutputBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("remote cache backend: decoding index entry %s: %w", key, err)
	}
	return &bundle, nil
}

func (r *RemoteBackend) Write(ctx context.Context, capsuleID string, bundle iohashing.InputOutputBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("remote cache backend: encoding index entry: %w", err)
	}

	key := indexKey(capsuleID, bundle.Inputs.Hash)
	_, err = r.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(r.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String(indexCacheControl),
	})
	if err != nil {
		return fmt.Errorf("remote cache backend: writing index entry %s: %w", key, err)
	}
	return nil
}

func (r *RemoteBackend) BlobExists(ctx context.Context, digest iohashing.Digest) (bool, error) {
	key := blobKey(digest)
	_, err := r.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && (awsErr.Code() == s3.ErrCodeNoSuchKey || awsErr.Code() == "NotFound") {
			return false, nil
		}
		return false, fmt.Errorf("remote cache backend: checking blob %s: %w", key, err)
	}
	return true, nil
}

func (r *RemoteBackend) Upload(ctx context.Context, digest iohashing.Digest, src io.Reader, size int64) error {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := io.Copy(gz, src); err != nil {
		return fmt.Errorf("remote cache backend: compressing blob %s: %w", digest, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("remote cache backend: compressing blob %s: %w", digest, err)
	}

	key := blobKey(digest)
	_, err := r.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(r.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/octet-stream"),
		ContentEncoding: aws.String("gzip"),
		CacheControl:    aws.String(blobCacheControl),
	})
	if err != nil {
		return fmt.Errorf("remote cache backend: uploading blob %s: %w", key, err)
	}
	return nil
}

func (r *RemoteBackend) Download(ctx context.Context, digest iohashing.Digest) (io.ReadCloser, error) {
	key := blobKey(digest)
	resp, err := r.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("remote cache backend: downloading blob %s: %w", key, err)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("remote cache backend: decompressing blob %s: %w", key, err)
	}
	return &gzipReadCloser{gz: gz, underlying: resp.Body}, nil
}

// gzipReadCloser closes both the gzip reader and the underlying HTTP
// response body it wraps.
type gzipReadCloser struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	bodyErr := g.underlying.Close()
	if gzErr != nil {
		return gzErr
	}
	return bodyErr
}
