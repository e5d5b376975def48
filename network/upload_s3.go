package network

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// s3PartSize keeps objects up to this size in a single PutObject request.
const s3PartSize = 64 * 1024 * 1024

// S3ClientParams ...
type S3ClientParams struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type s3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Client uploads objects to S3 in a single upload. It has no resumable mode.
type S3Client struct {
	client   s3API
	uploader *manager.Uploader
	logger   log.Logger
}

// NewS3Client loads the AWS configuration and creates a client for the region.
func NewS3Client(ctx context.Context, params S3ClientParams, logger log.Logger) (*S3Client, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}
	return newS3Client(s3.NewFromConfig(*cfg), logger), nil
}

func newS3Client(client s3API, logger log.Logger) *S3Client {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.Concurrency = 1
		u.PartSize = s3PartSize
	})
	return &S3Client{
		client:   client,
		uploader: uploader,
		logger:   logger,
	}
}

// Upload puts the object into the bucket and reads back its timestamps.
func (c *S3Client) Upload(ctx context.Context, params UploadParams) (*Result, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	output, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Body:              params.Body,
		Bucket:            aws.String(params.Bucket),
		Key:               aws.String(params.Object),
		ContentType:       aws.String(params.ContentType),
		ContentLength:     aws.Int64(params.ContentLength),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", params.Object, err)
	}

	result := &Result{
		MD5Hash: md5FromETag(aws.ToString(output.ETag)),
		CRC32C:  aws.ToString(output.ChecksumCRC32C),
	}

	head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(params.Bucket),
		Key:    aws.String(params.Object),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			if _, ok := apiError.(*types.NotFound); ok {
				return nil, fmt.Errorf("uploaded object %s not found", params.Object)
			}
		}
		return nil, fmt.Errorf("head object: %w", err)
	}
	if head.LastModified != nil {
		result.Created = head.LastModified.UTC()
		result.Updated = head.LastModified.UTC()
	}
	if result.CRC32C == "" {
		result.CRC32C = aws.ToString(head.ChecksumCRC32C)
	}

	c.logger.Debugf("Uploaded %s to bucket %s", params.Object, params.Bucket)
	return result, nil
}

// md5FromETag converts the ETag of a single part upload to a base64 MD5 digest.
// Multipart ETags are not digests, they are returned as is.
func md5FromETag(etag string) string {
	etag = strings.Trim(etag, `"`)
	decoded, err := hex.DecodeString(etag)
	if err != nil || len(decoded) != 16 {
		return etag
	}
	return base64.StdEncoding.EncodeToString(decoded)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

var _ Uploader = (*S3Client)(nil)
var _ Client = (*HTTPClient)(nil)
var _ Client = (*LocalClient)(nil)

