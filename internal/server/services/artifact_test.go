package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHash = strings.Repeat("ab", 32)

func newArtifactService(t *testing.T) (*ArtifactService, *fakeRepoManager) {
	t.Helper()
	db, mock := newSQLMockDB(t)
	mock.MatchExpectationsInOrder(false)
	for range 4 {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
	rm := newFakeRepoManager()
	cfg := &config.Config{
		S3Bucket:        "bucket",
		S3Region:        "us-east-1",
		S3BaseEndpoint:  "http://localhost:9000",
		S3RootUser:      "u",
		S3RootPassword:  "p",
		S3PresignExpiry: time.Minute,
	}
	return NewArtifactService(db, rm, cfg), rm
}

func stubPresign(t *testing.T) *[]string {
	t.Helper()
	orig := presignPutObject
	t.Cleanup(func() { presignPutObject = orig })

	var keys []string
	presignPutObject = func(_ *s3.PresignClient, _ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		keys = append(keys, aws.ToString(in.Key))
		return &v4.PresignedHTTPRequest{URL: "https://upload/" + aws.ToString(in.Key)}, nil
	}
	return &keys
}

func TestArtifactSave_IssuesUploadURL(t *testing.T) {
	s, rm := newArtifactService(t)
	keys := stubPresign(t)

	ticket, err := s.Save(context.Background(), "u1", testHash, "a.png", 10)
	require.NoError(t, err)
	assert.False(t, ticket.AlreadyStored)
	assert.Equal(t, "https://upload/"+StorageKey("u1", testHash), ticket.URL)
	assert.Equal(t, []string{StorageKey("u1", testHash)}, *keys)

	a, err := rm.a.Get(context.Background(), "u1", testHash)
	require.NoError(t, err)
	assert.Equal(t, "a.png", a.Name)
	assert.False(t, a.Uploaded)
}

func TestArtifactSave_ConfirmedContentIsNotReuploaded(t *testing.T) {
	s, _ := newArtifactService(t)
	keys := stubPresign(t)
	ctx := context.Background()

	_, err := s.Save(ctx, "u1", testHash, "a.png", 10)
	require.NoError(t, err)
	require.NoError(t, s.Confirm(ctx, "u1", testHash))

	ticket, err := s.Save(ctx, "u1", testHash, "renamed.png", 10)
	require.NoError(t, err)
	assert.True(t, ticket.AlreadyStored)
	assert.Empty(t, ticket.URL)
	assert.Len(t, *keys, 1)
}

func TestArtifactSave_Rejects(t *testing.T) {
	s, _ := newArtifactService(t)

	for _, h := range []string{"", "xyz", strings.ToUpper(testHash)} {
		_, err := s.Save(context.Background(), "u1", h, "n", 1)
		assert.ErrorIs(t, err, common.ErrorInvalidArgument, h)
	}
	_, err := s.Save(context.Background(), "u1", testHash, "n", -1)
	assert.ErrorIs(t, err, common.ErrorInvalidArgument)
}

func TestArtifactSave_PresignError(t *testing.T) {
	s, _ := newArtifactService(t)
	orig := presignPutObject
	t.Cleanup(func() { presignPutObject = orig })
	presignPutObject = func(*s3.PresignClient, context.Context, *s3.PutObjectInput, ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return nil, errBoom{}
	}

	_, err := s.Save(context.Background(), "u1", testHash, "n", 1)
	assert.ErrorContains(t, err, "presign upload")
}

func TestArtifactConfirm_Unknown(t *testing.T) {
	s, _ := newArtifactService(t)
	err := s.Confirm(context.Background(), "u1", testHash)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRemoveObjects(t *testing.T) {
	s, _ := newArtifactService(t)
	orig := deleteObjects
	t.Cleanup(func() { deleteObjects = orig })

	var got []string
	deleteObjects = func(_ *s3.Client, _ context.Context, in *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
		assert.Equal(t, "bucket", aws.ToString(in.Bucket))
		for _, o := range in.Delete.Objects {
			got = append(got, aws.ToString(o.Key))
		}
		return &s3.DeleteObjectsOutput{Errors: []types.Error{{Key: aws.String("k2"), Message: aws.String("denied")}}}, nil
	}

	err := s.RemoveObjects(context.Background(), []string{"k1", "k2"})
	assert.Equal(t, []string{"k1", "k2"}, got)
	assert.ErrorContains(t, err, "k2: denied")

	deleteObjects = func(*s3.Client, context.Context, *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
		return nil, errors.New("unreachable")
	}
	assert.NoError(t, s.RemoveObjects(context.Background(), nil))
	assert.Error(t, s.RemoveObjects(context.Background(), []string{"k"}))
}
