package snapshot

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	acl      map[string]string
	failPut  error
	failHead error
}

func (m *mockS3Client) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	if m.failPut != nil {
		return nil, m.failPut
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploaded == nil {
		m.uploaded = make(map[string][]byte)
		m.acl = make(map[string]string)
	}
	m.uploaded[aws.StringValue(input.Key)] = body
	m.acl[aws.StringValue(input.Key)] = aws.StringValue(input.ACL)
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error) {
	if m.failHead != nil {
		return nil, m.failHead
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3ConfigValidation(t *testing.T) {
	valid := S3Config{Region: "eu-north-1", Bucket: "backups"}
	require.NoError(t, validateS3Config(valid))

	cases := map[string]func(c *S3Config){
		"NoRegion":      func(c *S3Config) { c.Region = "" },
		"NoBucket":      func(c *S3Config) { c.Bucket = "" },
		"KeyIDNoSecret": func(c *S3Config) { c.AccessKeyID = "AKIA" },
		"UnknownACL":    func(c *S3Config) { c.ACL = "everyone" },
		"SecretNoKeyID": func(c *S3Config) { c.SecretAccessKey = "shh" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			require.ErrorIs(t, validateS3Config(c), ErrInvalidConfig)
		})
	}

	_, err := NewS3Store(t.Context(), S3Config{Bucket: "backups"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestS3Save(t *testing.T) {
	client := new(mockS3Client)
	store, err := newS3Store(t.Context(), S3Config{Region: "eu-north-1", Bucket: "backups", Prefix: "prod"}, client)
	require.NoError(t, err)
	defer store.Close()

	src := writeFile(t, 8192)
	require.NoError(t, store.Save(t.Context(), src, "nightly/x.db"))

	require.Len(t, client.uploaded["prod/nightly/x.db"], 8192)
	require.Equal(t, "private", client.acl["prod/nightly/x.db"])
}

func TestS3Failures(t *testing.T) {
	denied := errors.New("AccessDenied")

	_, err := newS3Store(t.Context(), S3Config{Region: "eu-north-1", Bucket: "backups"}, &mockS3Client{failHead: denied})
	require.ErrorIs(t, err, denied)

	store, err := newS3Store(t.Context(), S3Config{Region: "eu-north-1", Bucket: "backups"}, &mockS3Client{failPut: denied})
	require.NoError(t, err)

	err = store.Save(t.Context(), writeFile(t, 10), "x.db")
	require.ErrorIs(t, err, ErrSaveFailed)
	require.ErrorIs(t, err, denied)
}

func TestTakeS3(t *testing.T) {
	client := new(mockS3Client)
	store, err := newS3Store(t.Context(), S3Config{Region: "eu-north-1", Bucket: "backups", ACL: "bucket-owner-full-control"}, client)
	require.NoError(t, err)

	s := Snapshotter{Pool: seededPool(t, 50), Store: store, TempDir: t.TempDir()}
	snap, err := s.Take(t.Context())
	require.NoError(t, err)

	body := client.uploaded[snap.Name]
	require.Len(t, body, int(snap.Size))
	require.Equal(t, "SQLite format 3\x00", string(body[:16]))
	require.Equal(t, "bucket-owner-full-control", client.acl[snap.Name])
}
