package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/dbx"
	sc "github.com/dmitrijs2005/creditkeeper/internal/server/config"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/repomanager"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}

	deleteObjects = func(c *s3.Client, ctx context.Context, in *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
		return c.DeleteObjects(ctx, in)
	}
)

var contentHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// UploadTicket tells the client where to put artifact content. URL is empty
// when the content is already stored.
type UploadTicket struct {
	URL           string
	AlreadyStored bool
}

// ArtifactService indexes artifacts per user by content hash and hands out
// presigned S3 URLs for uploading their content.
type ArtifactService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
}

func NewArtifactService(db *sql.DB, repomanager repomanager.RepositoryManager, config *sc.Config) *ArtifactService {
	return &ArtifactService{
		db:          db,
		repomanager: repomanager,
		config:      config,
	}
}

// StorageKey is the object key of an artifact: content addressed within
// the user's prefix, so replays land on the same object.
func StorageKey(userID, contentHash string) string {
	return fmt.Sprintf("users/%s/artifacts/%s", userID, contentHash)
}

func (s *ArtifactService) getClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		o.UsePathStyle = true
	}), nil
}

func (s *ArtifactService) presignPut(ctx context.Context, key string) (string, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return "", err
	}

	bucket := s.config.S3Bucket
	req, err := presignPutObject(newS3PresignClient(client), ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.config.S3PresignExpiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// Save records the artifact and returns where to upload its content. Saving
// the same content twice is idempotent: once uploaded, no URL is issued.
func (s *ArtifactService) Save(ctx context.Context, userID, contentHash, name string, size int64) (*UploadTicket, error) {
	if !contentHashPattern.MatchString(contentHash) || size < 0 {
		return nil, fmt.Errorf("%w: bad artifact %q", common.ErrorInvalidArgument, contentHash)
	}

	repo := s.repomanager.Artifacts(s.db)
	a := &models.Artifact{
		UserID:      userID,
		ContentHash: contentHash,
		Name:        name,
		Size:        size,
		ObjectKey:   StorageKey(userID, contentHash),
	}
	if _, err := repo.Create(ctx, a); err != nil {
		return nil, err
	}

	stored, err := repo.Get(ctx, userID, contentHash)
	if err != nil {
		return nil, err
	}
	if stored.Uploaded {
		return &UploadTicket{AlreadyStored: true}, nil
	}

	url, err := s.presignPut(ctx, stored.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &UploadTicket{URL: url}, nil
}

// Confirm marks the artifact content as uploaded.
func (s *ArtifactService) Confirm(ctx context.Context, userID, contentHash string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repomanager.Artifacts(tx).MarkUploaded(ctx, userID, contentHash)
	})
}

// RemoveObjects deletes stored content by key.
func (s *ArtifactService) RemoveObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}

	ids := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
	}
	bucket := s.config.S3Bucket
	out, err := deleteObjects(client, ctx, &s3.DeleteObjectsInput{
		Bucket: &bucket,
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range out.Errors {
		errs = append(errs, fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
	}
	return errors.Join(errs...)
}
