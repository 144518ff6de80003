package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config carries the settings of an S3-compatible endpoint (MinIO, AWS).
type S3Config struct {
	RootUser     string
	RootPassword string
	Bucket       string
	Region       string
	BaseEndpoint string
}

// S3Drive stores backup files in an S3 bucket keyed by their SHA-256, which
// gives the same content-addressed contract as FluxDrive: identical content
// maps to the identical reference.
type S3Drive struct {
	cfg    S3Config
	client *s3.Client
}

func NewS3Drive(ctx context.Context, cfg S3Config) (*S3Drive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.RootUser,
			cfg.RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		o.UsePathStyle = true
	})

	return &S3Drive{cfg: cfg, client: client}, nil
}

// hashFile returns the hex SHA-256 of the file content.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Put uploads the file under its content hash. The hash pass runs before the
// upload because the object key must be known up front.
func (d *S3Drive) Put(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	hash, err := hashFile(path)
	if err != nil {
		return "", err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(hash),
		Body:          newProgressReader(file, fi.Size(), progress),
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put: %w", err)
	}
	return hash, nil
}

// Delete removes the object stored under the content hash.
func (d *S3Drive) Delete(ctx context.Context, hash string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(hash),
	})
	if err != nil {
		return fmt.Errorf("s3 delete: %w", err)
	}
	return nil
}

// Fetch streams the object back.
func (d *S3Drive) Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, "", fmt.Errorf("s3 get: %w", err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// Status sums object sizes in the bucket.
func (d *S3Drive) Status(ctx context.Context) (*Usage, error) {
	var used int64
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.cfg.Bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			used += aws.ToInt64(obj.Size)
		}
	}
	return &Usage{StorageUsed: used}, nil
}
