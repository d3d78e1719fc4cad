package s3

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedvault/blobstore"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if in.Body != nil {
		_, _ = io.Copy(io.Discard, in.Body)
	}
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.UploadPartOutput)
	return out, args.Error(1)
}

func (m *mockClient) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.CreateMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.CompleteMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.AbortMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

func (m *mockClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.DeleteObjectOutput)
	return out, args.Error(1)
}

func TestStore_Put(t *testing.T) {
	c := new(mockClient)
	s := NewStore(c, "bucket", "backups/")

	c.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return *in.Bucket == "bucket" && *in.Key == "backups/manifest.json"
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	require.NoError(t, s.Put(context.Background(), "manifest.json", strings.NewReader("{}"), 2))
	c.AssertExpectations(t)
}

func TestStore_Get(t *testing.T) {
	c := new(mockClient)
	s := NewStore(c, "bucket", "backups")

	c.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Key == "backups/missing"
	})).Return(nil, &types.NoSuchKey{}).Once()
	c.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Key == "backups/present"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("data"))}, nil).Once()

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	rc, err := s.Get(context.Background(), "present")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
}

func TestStore_Delete(t *testing.T) {
	c := new(mockClient)
	s := NewStore(c, "bucket", "")

	c.On("DeleteObject", mock.Anything, mock.MatchedBy(func(in *s3.DeleteObjectInput) bool {
		return *in.Key == "gone"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()

	require.NoError(t, s.Delete(context.Background(), "gone"))
	c.AssertExpectations(t)
}

func TestStore_List_Pagination(t *testing.T) {
	c := new(mockClient)
	s := NewStore(c, "bucket", "prefix/")

	c.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken == nil && *in.Prefix == "prefix/snap"
	})).Return(&s3.ListObjectsV2Output{
		Contents:              []types.Object{{Key: aws.String("prefix/snap/b")}},
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("next"),
	}, nil).Once()
	c.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken != nil && *in.ContinuationToken == "next"
	})).Return(&s3.ListObjectsV2Output{
		Contents:    []types.Object{{Key: aws.String("prefix/snap/a")}},
		IsTruncated: aws.Bool(false),
	}, nil).Once()

	names, err := s.List(context.Background(), "snap")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap/a", "snap/b"}, names)
}

func TestIntegration_S3Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}
	ctx := context.Background()
	s, err := NewFromConfig(ctx, bucket, "embedvault-test")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "it/blob", strings.NewReader("hello"), 5))
	rc, err := s.Get(ctx, "it/blob")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "hello", string(b))
	require.NoError(t, s.Delete(ctx, "it/blob"))
}
