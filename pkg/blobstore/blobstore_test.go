package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: api error", e.code) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return "api error" }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs, err := Open(ctx, Config{Provider: ProviderLocal, Path: t.TempDir()})
	require.NoError(t, err)

	id, sum, err := CreateWithSHA1(ctx, bs, strings.NewReader("dns records"))
	require.NoError(t, err)
	assert.Equal(t, "996fe773b2d061defb2a3f44c8a68e63dec3230a", sum)
	assert.Len(t, sum, 40)

	ok, err := bs.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := bs.Get(ctx, id)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "dns records", string(b))

	require.NoError(t, bs.Delete(ctx, id))
	assert.True(t, IsNotFound(bs.Delete(ctx, id)))
	require.NoError(t, DeleteIfExists(ctx, bs, id))

	_, err = bs.Get(ctx, "../escape")
	assert.True(t, IsNotFound(err))
}

func TestOpenRejectsUnknownProvider(t *testing.T) {
	_, err := Open(context.Background(), Config{Provider: "gcs"})
	assert.EqualError(t, err, `unknown blobstore provider "gcs"`)

	_, err = Open(context.Background(), Config{Provider: ProviderS3})
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  S3Config
		wantErr string
	}{
		{name: "empty bucket", config: S3Config{}, wantErr: "bucket name is required"},
		{name: "minimal", config: S3Config{Bucket: "blobs"}},
		{name: "half credentials", config: S3Config{Bucket: "blobs", AccessKeyID: "AKIA"}, wantErr: "must be provided together"},
		{name: "full credentials", config: S3Config{Bucket: "blobs", AccessKeyID: "AKIA", SecretAccessKey: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWrapError(t *testing.T) {
	s := &S3{bucket: "blobs"}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "typed not found", err: &types.NotFound{}, want: ErrNotFound},
		{name: "typed no such key", err: &types.NoSuchKey{}, want: ErrNotFound},
		{name: "typed no such bucket", err: &types.NoSuchBucket{}, want: ErrBucketNotFound},
		{name: "access denied", err: &mockAPIError{code: "AccessDenied"}, want: ErrAccessDenied},
		{name: "bad key", err: &mockAPIError{code: "InvalidAccessKeyId"}, want: ErrInvalidCredentials},
		{name: "slow down", err: &mockAPIError{code: "SlowDown"}, want: ErrThrottled},
		{name: "internal", err: &mockAPIError{code: "InternalError"}, want: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.wrapError("Get", "blob-1", tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "s3 Get blob-1")
		})
	}

	other := errors.New("boom")
	assert.ErrorIs(t, s.wrapError("Get", "", other), other)
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}
