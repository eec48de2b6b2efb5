package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/franckalain/ukcal/internal/logger"
)

// MaxSize is the largest document accepted for backup
const MaxSize = 5 << 20

// Data types that can be backed up
const (
	DataProfile  = "profile"
	DataHistory  = "history"
	DataSettings = "settings"
)

var (
	ErrNotFound        = errors.New("backup not found")
	ErrInvalidDataType = errors.New("data type must be profile, history or settings")
	ErrInvalidUser     = errors.New("invalid user id")
	ErrTooLarge        = fmt.Errorf("backup exceeds %d bytes", MaxSize)
	ErrInvalidJSON     = errors.New("backup is not valid JSON")
	ErrDisabled        = errors.New("backup is not configured")
)

// Backup stores one JSON document per user and data type
type Backup interface {
	Save(ctx context.Context, userID, dataType string, data []byte) error
	Load(ctx context.Context, userID, dataType string) ([]byte, error)
}

// Key returns the object key of a backup document
func Key(prefix, userID, dataType string) string {
	key := userID + "/" + dataType + ".json"
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// Check validates the addressing of a backup document
func Check(userID, dataType string) error {
	switch dataType {
	case DataProfile, DataHistory, DataSettings:
	default:
		return ErrInvalidDataType
	}
	if strings.TrimSpace(userID) == "" || strings.ContainsAny(userID, "/\\") || userID == "." || userID == ".." {
		return ErrInvalidUser
	}
	return nil
}

// CheckData validates a document before it is stored
func CheckData(data []byte) error {
	if len(data) > MaxSize {
		return ErrTooLarge
	}
	if !json.Valid(data) {
		return ErrInvalidJSON
	}
	return nil
}

// S3Config configures the object storage backend
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Backup keeps backups in an S3 compatible bucket
type S3Backup struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Logger
}

// NewS3Backup creates an S3 backend. Static credentials and a custom
// endpoint are optional; without them the default AWS chain is used.
func NewS3Backup(ctx context.Context, cfg S3Config, log *logger.Logger) (*S3Backup, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("backup bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "UKcal"
	}
	if log == nil {
		log = logger.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backup{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.WithComponent("backup"),
	}, nil
}

// Save uploads data as the backup of userID/dataType
func (b *S3Backup) Save(ctx context.Context, userID, dataType string, data []byte) error {
	if err := Check(userID, dataType); err != nil {
		return err
	}
	if err := CheckData(data); err != nil {
		return err
	}

	key := Key(b.prefix, userID, dataType)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &b.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload backup: %w", err)
	}

	b.log.Info("backup saved", "key", key, "bytes", len(data))
	return nil
}

// Load downloads the backup of userID/dataType
func (b *S3Backup) Load(ctx context.Context, userID, dataType string) ([]byte, error) {
	if err := Check(userID, dataType); err != nil {
		return nil, err
	}

	key := Key(b.prefix, userID, dataType)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download backup: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// NopBackup is used when no bucket is configured
type NopBackup struct{}

func (NopBackup) Save(ctx context.Context, userID, dataType string, data []byte) error {
	if err := Check(userID, dataType); err != nil {
		return err
	}
	return ErrDisabled
}

func (NopBackup) Load(ctx context.Context, userID, dataType string) ([]byte, error) {
	if err := Check(userID, dataType); err != nil {
		return nil, err
	}
	return nil, ErrDisabled
}
