package snapshot

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config configures an [S3Store].
type S3Config struct {
	Region          string
	AccessKeyID     string // optional, defaults to the SDK credentials chain
	SecretAccessKey string
	SessionToken    string

	Bucket   string
	Prefix   string // prepended to snapshot names
	Endpoint string // S3-compatible servers, such as MinIO

	ACL string // canned ACL, private if empty
}

var validACLs = map[string]bool{
	"":                          true,
	"private":                   true,
	"public-read":               true,
	"public-read-write":         true,
	"authenticated-read":        true,
	"aws-exec-read":             true,
	"bucket-owner-read":         true,
	"bucket-owner-full-control": true,
}

func validateS3Config(config S3Config) error {
	if config.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}
	if config.Bucket == "" {
		return fmt.Errorf("%w: bucket name is required", ErrInvalidConfig)
	}
	if (config.AccessKeyID == "") != (config.SecretAccessKey == "") {
		return fmt.Errorf("%w: access key ID and secret access key go together", ErrInvalidConfig)
	}
	if !validACLs[config.ACL] {
		return fmt.Errorf("%w: invalid ACL value: %s", ErrInvalidConfig, config.ACL)
	}
	return nil
}

// S3API is the subset of the S3 client used by [S3Store].
type S3API interface {
	HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Store uploads snapshots to a bucket.
type S3Store struct {
	config S3Config
	client S3API
}

// NewS3Store validates config, and checks the bucket can be reached.
func NewS3Store(ctx context.Context, config S3Config) (*S3Store, error) {
	if err := validateS3Config(config); err != nil {
		return nil, err
	}

	awscfg := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKeyID != "" {
		awscfg.Credentials = credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, config.SessionToken)
	}
	if config.Endpoint != "" {
		awscfg.Endpoint = aws.String(config.Endpoint)
		awscfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awscfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	return newS3Store(ctx, config, s3.New(sess))
}

func newS3Store(ctx context.Context, config S3Config, client S3API) (*S3Store, error) {
	if config.ACL == "" {
		config.ACL = s3.ObjectCannedACLPrivate
	}

	_, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(config.Bucket)})
	if err != nil {
		return nil, fmt.Errorf("accessing bucket %s: %w", config.Bucket, err)
	}
	return &S3Store{config: config, client: client}, nil
}

// Save uploads localPath under the key Prefix/name.
// The upload is synchronous: the file is gone once the snapshot is taken.
func (s *S3Store) Save(ctx context.Context, localPath, name string) error {
	if localPath == "" || name == "" {
		return fmt.Errorf("%w: empty file path", ErrInvalidConfig)
	}

	fh, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidConfig, localPath)
	}

	key := path.Join(s.config.Prefix, name)
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(key),
		Body:          fh,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String("application/vnd.sqlite3"),
		ACL:           aws.String(s.config.ACL),
	})
	if err != nil {
		return fmt.Errorf("%w: uploading %s: %w", ErrSaveFailed, key, err)
	}

	log.Debug("snapshot uploaded", "bucket", s.config.Bucket, "key", key, "size", st.Size())
	return nil
}

// Close is a no-op, present to satisfy [Store].
func (s *S3Store) Close() error { return nil }
