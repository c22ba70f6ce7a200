// Package archive keeps a copy of every submitted application package in
// object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

// PackageRef identifies an archived application zip.
type PackageRef struct {
	models.Identity
	Environment models.Environment
	Digest      string
	Ts          time.Time
}

type Archiver interface {
	ArchivePackage(ctx context.Context, ref PackageRef, zipped []byte) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes packages to keys like:
//
//	<prefix>/packages/<tenant>/<application>/<instance>/<env>/YYYY/MM/DD/<digest>.zip
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys and so on).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

func ObjectKey(prefix string, ref PackageRef) string {
	ts := ref.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(prefix, "packages",
		ref.Tenant, ref.Application, ref.Instance, string(ref.Environment),
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		ref.Digest+".zip",
	)
}

func (s *S3Archiver) ArchivePackage(ctx context.Context, ref PackageRef, zipped []byte) (string, error) {
	if ref.Digest == "" {
		return "", fmt.Errorf("package digest required")
	}
	key := ObjectKey(s.prefix, ref)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(zipped),
		ContentType:          aws.String("application/zip"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"tenant":      ref.Tenant,
			"application": ref.Application,
			"instance":    ref.Instance,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return key, nil
}
