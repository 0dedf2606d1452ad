package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appConfig "github.com/evently-studio/evently-api/config"
	"github.com/evently-studio/evently-api/models"
)

// S3Interface defines the object storage operations used for transcripts
type S3Interface interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	GetPresignedURL(ctx context.Context, key string) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// S3Service stores objects in the configured bucket
type S3Service struct {
	client *s3.Client
	bucket string
}

// InitS3Service creates an S3 client from the AWS settings in the app config
func InitS3Service(ctx context.Context) (*S3Service, error) {
	cfg := appConfig.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AWSAccessKeyID,
			cfg.AWSSecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Service{
		client: s3.NewFromConfig(awsConfig),
		bucket: cfg.AWSS3Bucket,
	}, nil
}

// PutObject uploads body under key
func (s *S3Service) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// GetPresignedURL generates a presigned URL for a private object.
// The URL expires after 1 hour.
func (s *S3Service) GetPresignedURL(ctx context.Context, key string) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	request, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = time.Hour
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return request.URL, nil
}

// DeleteObject removes key from the bucket
func (s *S3Service) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

// TranscriptArchiver keeps a copy of conversations outside the database
type TranscriptArchiver interface {
	Archive(ctx context.Context, conversation *models.Conversation, messages []models.Message) error
	URL(ctx context.Context, conversationID string) (string, error)
	Delete(ctx context.Context, conversationID string) error
}

// Transcript is the archived form of a conversation
type Transcript struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []models.Message     `json:"messages"`
	ArchivedAt   time.Time            `json:"archived_at"`
}

// TranscriptKey is the object key of a conversation transcript
func TranscriptKey(conversationID string) string {
	return fmt.Sprintf("transcripts/%s.json", conversationID)
}

// S3TranscriptArchiver writes transcripts as JSON objects
type S3TranscriptArchiver struct {
	store S3Interface
}

// NewS3TranscriptArchiver archives transcripts into store
func NewS3TranscriptArchiver(store S3Interface) *S3TranscriptArchiver {
	return &S3TranscriptArchiver{store: store}
}

func (a *S3TranscriptArchiver) Archive(ctx context.Context, conversation *models.Conversation, messages []models.Message) error {
	if messages == nil {
		messages = []models.Message{}
	}
	body, err := json.Marshal(Transcript{
		Conversation: conversation,
		Messages:     messages,
		ArchivedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}
	if err := a.store.PutObject(ctx, TranscriptKey(conversation.ID), body, "application/json"); err != nil {
		return err
	}
	log.Printf("Archived transcript of conversation %s (%d messages)", conversation.ID, len(messages))
	return nil
}

func (a *S3TranscriptArchiver) URL(ctx context.Context, conversationID string) (string, error) {
	return a.store.GetPresignedURL(ctx, TranscriptKey(conversationID))
}

func (a *S3TranscriptArchiver) Delete(ctx context.Context, conversationID string) error {
	return a.store.DeleteObject(ctx, TranscriptKey(conversationID))
}

// NoopArchiver is used when no transcript bucket is configured
type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, *models.Conversation, []models.Message) error {
	return ErrTranscriptsDisabled
}

func (NoopArchiver) URL(context.Context, string) (string, error) {
	return "", ErrTranscriptsDisabled
}

func (NoopArchiver) Delete(context.Context, string) error {
	return ErrTranscriptsDisabled
}
