package licensing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-license/pkg/logging"
)

// objectAPI is the subset of the S3 client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config locates the archive bucket. Endpoint and static credentials are
// optional; without them the default AWS credential chain is used.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store archives issued licenses to S3 as snappy-compressed envelopes.
// It implements LicenseStore.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Store creates an archive store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 archive: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client objectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(id string) string {
	return path.Join(s.prefix, "licenses", id+".json.sz")
}

// Put uploads the record's envelope.
func (s *S3Store) Put(ctx context.Context, rec *Record) error {
	raw, err := Encode(rec)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(rec.ID)),
		Body:        bytes.NewReader(snappy.Encode(nil, raw)),
		ContentType: aws.String("application/x-snappy"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive license: %w", err)
	}
	return nil
}

// Get downloads and decodes a record.
func (s *S3Store) Get(ctx context.Context, id string) (*Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived license: %w", err)
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived license: %w", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archived license: %w", err)
	}
	return Decode(raw)
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// Close is a no-op; the S3 client holds no resources.
func (s *S3Store) Close() error {
	return nil
}

// TeeStore writes to a primary store and then to an archive. Only the
// primary's confirmation counts: archive failures are logged, and reads fall
// back to the archive when the primary has no record.
type TeeStore struct {
	primary LicenseStore
	archive LicenseStore
	logger  logging.Logger
}

// NewTeeStore combines primary and archive.
func NewTeeStore(primary, archive LicenseStore, logger logging.Logger) *TeeStore {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &TeeStore{primary: primary, archive: archive, logger: logger.With(logging.Component("archive"))}
}

// Put stores rec in the primary, then archives it.
func (t *TeeStore) Put(ctx context.Context, rec *Record) error {
	if err := t.primary.Put(ctx, rec); err != nil {
		return err
	}
	if err := t.archive.Put(ctx, rec); err != nil {
		t.logger.Warn("license archive failed", logging.LicenseID(rec.ID), logging.Error(err))
	}
	return nil
}

// Get reads from the primary, falling back to the archive.
func (t *TeeStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := t.primary.Get(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	return t.archive.Get(ctx, id)
}

// ListBySubject delegates to the primary when it supports listing.
func (t *TeeStore) ListBySubject(ctx context.Context, subject string) ([]*Record, error) {
	lister, ok := t.primary.(Lister)
	if !ok {
		return nil, errors.New("primary store cannot list licenses")
	}
	return lister.ListBySubject(ctx, subject)
}

// Ping checks the primary only.
func (t *TeeStore) Ping(ctx context.Context) error {
	return t.primary.Ping(ctx)
}

// Close closes both stores.
func (t *TeeStore) Close() error {
	return errors.Join(t.primary.Close(), t.archive.Close())
}
