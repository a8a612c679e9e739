package syncstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"savesync/internal/save"
)

// S3Options configures an S3Store. Region and the static credential pair
// are optional; when empty, the default AWS credential chain applies.
// Endpoint supports S3-compatible servers (MinIO, Garage) and switches the
// client to path-style addressing.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Store keeps the shared state in an S3 bucket using the same layout as
// FileSystemStore, with object keys instead of paths. Manifest atomicity
// comes from S3 put semantics; the lock object uses a conditional put.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	device   string
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds the S3 client and store.
func NewS3Store(ctx context.Context, opts S3Options, device string) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 sync store requires s3_bucket to be set")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		device:   device,
	}, nil
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) objectKey(key save.Key, name string) string {
	return path.Join(s.prefix, "savesync", safeSegment(key.Emulator), safeSegment(key.GameID), name)
}

// Lock creates the lock object with If-None-Match so only one writer wins.
// A lock object older than LockTimeout is deleted and retried.
func (s *S3Store) Lock(ctx context.Context, key save.Key) (func() error, error) {
	lockKey := s.objectKey(key, "manifest.lock")
	body := fmt.Sprintf("%s %s\n", s.device, time.Now().UTC().Format(time.RFC3339))

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(lockKey),
			Body:        strings.NewReader(body),
			IfNoneMatch: aws.String("*"),
		})
		if err == nil {
			return func() error {
				_, derr := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    aws.String(lockKey),
				})
				return derr
			}, nil
		}

		var apiErr smithy.APIError
		if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "PreconditionFailed" {
			return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
		}

		head, herr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(lockKey),
		})
		if herr == nil && head.LastModified != nil && time.Since(*head.LastModified) > LockTimeout {
			_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(lockKey),
			})
			continue
		}
		if attempt > 100 {
			return nil, fmt.Errorf("acquire lock for %s: held by another device", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *S3Store) GetManifest(ctx context.Context, key save.Key) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key, "manifest.json")),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", key, ErrManifestNotFound)
		}
		return nil, fmt.Errorf("read manifest for %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest for %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) PutManifest(ctx context.Context, key save.Key, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key, "manifest.json")),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("write manifest for %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) GetArchive(ctx context.Context, key save.Key, name string, w io.Writer) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key, name)),
	})
	if err != nil {
		return fmt.Errorf("read shared archive %s/%s: %w", key, name, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("read shared archive %s/%s: %w", key, name, err)
	}
	return nil
}

// PutArchive uses the transfer manager so large archives upload in parts.
func (s *S3Store) PutArchive(ctx context.Context, key save.Key, name string, r io.Reader, size int64) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key, name)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("write shared archive %s/%s: %w", key, name, err)
	}
	return nil
}

func (s *S3Store) DeleteArchive(ctx context.Context, key save.Key, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key, name)),
	})
	if err != nil {
		return fmt.Errorf("delete shared archive %s/%s: %w", key, name, err)
	}
	return nil
}

func (s *S3Store) Keys(ctx context.Context) ([]save.Key, error) {
	root := path.Join(s.prefix, "savesync") + "/"
	var keys []save.Key

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(root),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sync store: %w", err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), root)
			parts := strings.Split(rel, "/")
			if len(parts) == 3 && parts[2] == "manifest.json" {
				keys = append(keys, save.Key{Emulator: parts[0], GameID: parts[1]})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
