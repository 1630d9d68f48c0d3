package archiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Target uploads finished archive files to a bucket/prefix through the
// multipart-safe manager.Uploader, since message archive files can exceed
// a single PutObject's practical size.
type S3Target struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Target(client *s3.Client, bucket, prefix string) *S3Target {
	return &S3Target{uploader: manager.NewUploader(client), bucket: bucket, prefix: prefix}
}

// Upload sends a local archive file to S3 under <prefix>/<channelID>/<basename>
// and returns the object key.
func (t *S3Target) Upload(ctx context.Context, channelID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("archiver: open %s for upload: %w", localPath, err)
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(t.prefix, channelID, filepath.Base(localPath)))
	_, err = t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("archiver: upload %s: %w", localPath, err)
	}
	return key, nil
}
