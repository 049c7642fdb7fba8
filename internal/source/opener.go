package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mesikahq/clinic-sync/internal/clinic"
)

// Opener resolves a source URI to a readable stream.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// FileOpener reads batch files from the local filesystem.
type FileOpener struct{}

func (FileOpener) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	f, err := os.Open(strings.TrimPrefix(uri, "file://"))
	if err != nil {
		return nil, &clinic.SourceFormatError{Source: uri, Err: err}
	}
	return f, nil
}

// S3Config configures access to an S3-compatible bucket (AWS S3 or MinIO).
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Opener reads batch files addressed as s3://bucket/key.
type S3Opener struct {
	client *s3.Client
}

// NewS3Opener builds a client from the default AWS credentials chain.
func NewS3Opener(ctx context.Context, cfg S3Config) (*S3Opener, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Opener{client: client}, nil
}

func (o *S3Opener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := SplitS3URI(uri)
	if err != nil {
		return nil, &clinic.SourceFormatError{Source: uri, Err: err}
	}
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, &clinic.SourceFormatError{Source: uri, Err: err}
	}
	return out.Body, nil
}

// SplitS3URI splits s3://bucket/key into its parts.
func SplitS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri needs bucket and key: %s", uri)
	}
	return bucket, key, nil
}

// OpenerFor picks the opener matching the scheme of uri. The S3 client is
// only built when needed.
func OpenerFor(ctx context.Context, uri string, s3cfg S3Config) (Opener, error) {
	if strings.HasPrefix(uri, "s3://") {
		return NewS3Opener(ctx, s3cfg)
	}
	return FileOpener{}, nil
}

// Load opens uri and parses it.
func Load(ctx context.Context, o Opener, uri string) ([]Row, error) {
	rc, err := o.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Read(rc, uri)
}
