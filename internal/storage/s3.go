package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// FileMetadata represents metadata about a stored file
type FileMetadata struct {
	OriginalName string            `json:"original_name"`
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	Metadata     map[string]string `json:"metadata"`
}

// Options configures NewS3Client.
type Options struct {
	Bucket          string
	Region          string
	Password        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Client stores documents encrypted at rest.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	password string
}

// NewS3Client creates a client from the default credential chain, or from
// static keys when both are set.
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	if opts.Password == "" {
		return nil, fmt.Errorf("storage password not configured")
	}
	var loaders []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loaders = append(loaders, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &S3Client{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   opts.Bucket,
		password: opts.Password,
	}, nil
}

// Put encrypts data and uploads it under key.
func (s *S3Client) Put(ctx context.Context, key string, data []byte, meta *FileMetadata) error {
	enc, err := Encrypt(data, s.password)
	if err != nil {
		return fmt.Errorf("failed to encrypt data: %w", err)
	}

	s3Meta := map[string]string{
		"encrypted":         "true",
		"encryption-format": gcmMagic,
		"plain-size":        strconv.Itoa(len(data)),
	}
	contentType := "application/octet-stream"
	if meta != nil {
		s3Meta["name"] = meta.OriginalName
		if meta.ContentType != "" {
			s3Meta["content-type"] = meta.ContentType
		}
		for k, v := range meta.Metadata {
			s3Meta[strings.ToLower(k)] = v
		}
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(enc),
		ContentType: aws.String(contentType),
		Metadata:    s3Meta,
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("s3 upload failed")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().Str("key", key).Int("size", len(data)).Msg("uploaded encrypted file to S3")
	return nil
}

// Get downloads and decrypts the object at key.
func (s *S3Client) Get(ctx context.Context, key string) ([]byte, *FileMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	enc, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	plain, err := Decrypt(enc, s.password)
	if err != nil {
		return nil, nil, err
	}

	meta := &FileMetadata{Size: int64(len(plain)), Metadata: make(map[string]string)}
	for k, v := range out.Metadata {
		meta.Metadata[strings.ToLower(k)] = v
	}
	meta.OriginalName = meta.Metadata["name"]
	meta.ContentType = meta.Metadata["content-type"]
	return plain, meta, nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *S3Client) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SubmissionKey builds prefix/{submissionID}/{recordID}_{name}.
func SubmissionKey(prefix, submissionID string, recordID int64, name string) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.Trim(unsafeKeyChars.ReplaceAllString(base, "_"), "_")
	if base == "" || base == "." {
		base = "document.pdf"
	}
	return path.Join(prefix, submissionID, fmt.Sprintf("%d_%s", recordID, base))
}
