package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"

	config "github.com/maheshrc27/postflow/configs"
)

const MaxMediaSize = 200 << 20

var allowedMedia = map[string]struct{}{
	"mp4": {}, "mov": {}, "jpg": {}, "png": {},
}

// ObjectStore is the part of the S3 API used for media uploads.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Media struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

type MediaService interface {
	Upload(ctx context.Context, userID int64, file io.Reader) (*Media, error)
}

type mediaService struct {
	store     ObjectStore
	bucket    string
	publicURL string
	log       *slog.Logger
}

func NewMediaService(store ObjectStore, bucket, publicURL string, log *slog.Logger) MediaService {
	if log == nil {
		log = slog.Default()
	}
	return &mediaService{
		store:     store,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log,
	}
}

// NewR2Client returns an S3 client for the account's Cloudflare R2 endpoint.
func NewR2Client(ctx context.Context, cfg config.R2) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load r2 config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
	}), nil
}

func (s *mediaService) Upload(ctx context.Context, userID int64, file io.Reader) (*Media, error) {
	data, err := io.ReadAll(io.LimitReader(file, MaxMediaSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading file content: %w", err)
	}
	if len(data) == 0 {
		return nil, invalid("file is empty")
	}
	if len(data) > MaxMediaSize {
		return nil, invalid(fmt.Sprintf("file is larger than %d MiB", MaxMediaSize>>20))
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == types.Unknown {
		return nil, invalid("unsupported file type")
	}
	if _, ok := allowedMedia[kind.Extension]; !ok {
		return nil, invalid(fmt.Sprintf("file type %s is not allowed", kind.Extension))
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%d/%s.%s", userID, id, kind.Extension)

	_, err = s.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(kind.MIME.Value),
	})
	if err != nil {
		s.log.Error("media upload failed", "key", key, "err", err)
		return nil, fmt.Errorf("upload media: %w", err)
	}

	return &Media{
		Key:         key,
		URL:         s.publicURL + "/" + key,
		ContentType: kind.MIME.Value,
		Size:        len(data),
	}, nil
}
