package artifactstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseS3URI(t *testing.T) {
	bucket, key, err := parseS3URI("s3://my-bucket/path/to/object")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "path/to/object", key)
}

func TestParseS3URIRejectsNonS3Scheme(t *testing.T) {
	_, _, err := parseS3URI("https://my-bucket/path")
	assert.Error(t, err)
}

func TestParseS3URIRejectsMissingKey(t *testing.T) {
	_, _, err := parseS3URI("s3://my-bucket")
	assert.Error(t, err)
}

func TestParseS3URIRejectsEmptyBucket(t *testing.T) {
	_, _, err := parseS3URI("s3:///path/to/object")
	assert.Error(t, err)
}
