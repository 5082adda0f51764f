// Package artifactstore implements the Artifact Storage Provider port
// (pipeline.ArtifactStore) against S3 and, for tests, an in-memory map.
package artifactstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// S3Store implements pipeline.ArtifactStore against AWS S3 (or any
// S3-compatible endpoint). Grounded on storage/s3aws.go's client setup and
// storage/s3_interface.go's narrow client interface, trimmed to the three
// operations the orchestrator actually needs.
type S3Store struct {
	client *s3.Client
}

var _ pipeline.ArtifactStore = (*S3Store)(nil)

func NewS3Store(ctx context.Context, region string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg)}, nil
}

// parseS3URI splits "s3://bucket/key/path" into bucket and key.
func parseS3URI(uri string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(uri, "s3://")
	if rest == uri {
		return "", "", fmt.Errorf("not an s3:// uri: %s", uri)
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 uri: %s", uri)
	}
	return parts[0], parts[1], nil
}

func (s *S3Store) GetInfo(ctx context.Context, uri string) (pipeline.ArtifactInfo, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return pipeline.ArtifactInfo{}, err
	}
	// A directory artifact is stored as a common key prefix; probe for an
	// exact object first, then fall back to treating it as a prefix.
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		hash := "md5=" + strings.Trim(aws.ToString(head.ETag), `"`)
		return pipeline.ArtifactInfo{TotalSize: aws.ToInt64(head.ContentLength), IsDir: false, Hash: hash}, nil
	}

	listed, listErr := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(strings.TrimSuffix(key, "/") + "/"),
	})
	if listErr != nil {
		return pipeline.ArtifactInfo{}, &pipeline.StorageError{Op: "get_info", Err: err}
	}
	var total int64
	hasher := md5.New()
	for _, obj := range listed.Contents {
		total += aws.ToInt64(obj.Size)
		fmt.Fprintf(hasher, "%s:%s\n", aws.ToString(obj.Key), strings.Trim(aws.ToString(obj.ETag), `"`))
	}
	return pipeline.ArtifactInfo{TotalSize: total, IsDir: true, Hash: fmt.Sprintf("md5=%x", hasher.Sum(nil))}, nil
}

func (s *S3Store) DownloadText(ctx context.Context, uri string) (string, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", &pipeline.StorageError{Op: "download_text", Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", &pipeline.StorageError{Op: "download_text", Err: err}
	}
	return string(data), nil
}

func (s *S3Store) UploadText(ctx context.Context, uri, text string) error {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(text)),
	})
	if err != nil {
		return &pipeline.StorageError{Op: "upload_text", Err: err}
	}
	return nil
}
