package objectstore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lezzur/lime-sync-core/internal/syncerr"
)

// NewS3Client builds a real *s3.Client against an S3-compatible endpoint
// (AWS S3, MinIO, Backblaze B2, etc). An empty endpoint uses AWS's default
// resolution for region.
func NewS3Client(ctx context.Context, endpoint, region, accessKey, secretKey string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, syncerr.Wrap(err, "objectstore: load aws config")
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		// S3-compatible providers typically require path-style bucket
		// addressing rather than AWS's virtual-hosted-style default.
		o.UsePathStyle = endpoint != ""
	}), nil
}
