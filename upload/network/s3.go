package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/scribeline/go-uploadkit/upload/chunksource"
)

// S3 limits multipart uploads to parts of at least 5 MiB (except the last).
const s3MinChunkSizeBytes = 5 * 1024 * 1024
const s3DefaultChunkSizeBytes = 8 * 1024 * 1024

const numS3ControlRetries = 3

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Client is the Transport implementation over native S3 multipart
// uploads: initialize = CreateMultipartUpload, chunk = UploadPart,
// status = ListParts, finalize = CompleteMultipartUpload, cancel =
// AbortMultipartUpload. Part numbers are chunk index + 1.
//
// The opaque session ID encodes upload ID, chunk count and object key, so
// a session can be resumed in a fresh process without client-side state.
type S3Client struct {
	client *s3.Client
	bucket string
	prefix string
	logger log.Logger
}

// NewS3Client ...
func NewS3Client(ctx context.Context, params S3Params, logger log.Logger) (*S3Client, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return &S3Client{
		client: s3.NewFromConfig(*cfg),
		bucket: params.Bucket,
		prefix: params.KeyPrefix,
		logger: logger,
	}, nil
}

// Initialize starts a multipart upload for the described file.
func (c *S3Client) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	if req.FileName == "" {
		return InitializeResult{}, fmt.Errorf("file name must not be empty")
	}
	if req.FileSizeBytes <= 0 {
		return InitializeResult{}, fmt.Errorf("file size must be positive")
	}

	chunkSize := req.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = s3DefaultChunkSizeBytes
	}
	if chunkSize < s3MinChunkSizeBytes {
		return InitializeResult{}, fmt.Errorf("chunk size %d is below the S3 part minimum of %d bytes", chunkSize, s3MinChunkSizeBytes)
	}

	key := path.Join(c.prefix, req.FileName)
	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	}
	if req.ContentHash != "" {
		input.Metadata = map[string]string{"content-hash": req.ContentHash}
	}

	resp, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("create multipart upload: %w", err)
	}

	chunkCount, _ := chunksource.Plan(req.FileSizeBytes, chunkSize)
	return InitializeResult{
		SessionID:      encodeS3SessionID(aws.ToString(resp.UploadId), chunkCount, key),
		ChunkSizeBytes: chunkSize,
		ChunkCount:     chunkCount,
	}, nil
}

// UploadChunk performs a single UploadPart attempt. Retries belong to the
// transmission worker, not the transport.
func (c *S3Client) UploadChunk(ctx context.Context, sessionID string, index int, payload []byte) (ChunkState, error) {
	uploadID, _, key, err := decodeS3SessionID(sessionID)
	if err != nil {
		return "", err
	}

	_, err = c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(index + 1)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return "", fmt.Errorf("chunk %d rejected: %w", index, ErrSessionExpired)
		}
		return "", fmt.Errorf("upload part %d: %w", index+1, err)
	}

	// S3 overwrites re-sent parts in place, which matches the
	// at-most-once effective delivery the protocol needs.
	return ChunkAccepted, nil
}

// Status lists the parts S3 accepted so far and computes the missing set.
func (c *S3Client) Status(ctx context.Context, sessionID string) (SessionState, error) {
	uploadID, chunkCount, key, err := decodeS3SessionID(sessionID)
	if err != nil {
		return SessionState{}, err
	}

	accepted, err := c.listAcceptedParts(ctx, uploadID, key)
	if err != nil {
		if isNoSuchUpload(err) {
			return SessionState{}, ErrSessionExpired
		}
		return SessionState{}, fmt.Errorf("list parts: %w", err)
	}

	missing := make([]int, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		if _, ok := accepted[i]; !ok {
			missing = append(missing, i)
		}
	}

	status := "uploading"
	if len(missing) == 0 {
		status = "ready"
	}
	return SessionState{
		Status:        status,
		ChunkCount:    chunkCount,
		MissingChunks: missing,
	}, nil
}

// Finalize completes the multipart upload. The part ETags are recovered
// via ListParts so resumed sessions need no client-side bookkeeping.
// Completing an already-completed upload maps to the idempotent success
// the protocol requires: the artifact (object key) already exists.
func (c *S3Client) Finalize(ctx context.Context, sessionID string) (string, error) {
	uploadID, chunkCount, key, err := decodeS3SessionID(sessionID)
	if err != nil {
		return "", err
	}

	accepted, err := c.listAcceptedParts(ctx, uploadID, key)
	if err != nil {
		if isNoSuchUpload(err) {
			// The upload may have been completed by an earlier, ambiguous
			// finalize call. If the object exists, report the same artifact.
			if c.objectExists(ctx, key) {
				return key, nil
			}
			return "", ErrSessionExpired
		}
		return "", fmt.Errorf("list parts: %w", err)
	}

	if len(accepted) != chunkCount {
		return "", fmt.Errorf("cannot finalize: %d of %d parts present", len(accepted), chunkCount)
	}

	parts := make([]types.CompletedPart, 0, chunkCount)
	indices := make([]int, 0, chunkCount)
	for index := range accepted {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	for _, index := range indices {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(accepted[index]),
			PartNumber: aws.Int32(int32(index + 1)),
		})
	}

	err = retry.Times(numS3ControlRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			if isNoSuchUpload(err) && c.objectExists(ctx, key) {
				return nil, true
			}
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return "", err
	}

	return key, nil
}

// Cancel aborts the multipart upload. S3 garbage-collects any parts that
// were still in flight when the abort landed.
func (c *S3Client) Cancel(ctx context.Context, sessionID string) error {
	uploadID, _, key, err := decodeS3SessionID(sessionID)
	if err != nil {
		return err
	}

	return retry.Times(numS3ControlRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			if isNoSuchUpload(err) {
				return nil, true
			}
			return fmt.Errorf("abort multipart upload: %w", err), false
		}
		return nil, true
	})
}

// DownloadArtifact fetches the assembled object to downloadPath using
// ranged parallel downloads.
func (c *S3Client) DownloadArtifact(ctx context.Context, artifactID string, downloadPath string) error {
	file, err := os.Create(downloadPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}()

	downloader := manager.NewDownloader(c.client)
	_, err = downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(artifactID),
	})
	if err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	return nil
}

// listAcceptedParts returns chunk index -> ETag for every part S3 stored.
func (c *S3Client) listAcceptedParts(ctx context.Context, uploadID, key string) (map[int]string, error) {
	accepted := make(map[int]string)
	var marker *string
	for {
		resp, err := c.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(c.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, err
		}
		for _, part := range resp.Parts {
			accepted[int(aws.ToInt32(part.PartNumber))-1] = aws.ToString(part.ETag)
		}
		if !aws.ToBool(resp.IsTruncated) {
			return accepted, nil
		}
		marker = resp.NextPartNumberMarker
	}
}

func (c *S3Client) objectExists(ctx context.Context, key string) bool {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return err == nil
}

func isNoSuchUpload(err error) bool {
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return true
	}
	var apiError smithy.APIError
	return errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload"
}

func encodeS3SessionID(uploadID string, chunkCount int, key string) string {
	return fmt.Sprintf("%s::%d::%s", uploadID, chunkCount, key)
}

func decodeS3SessionID(sessionID string) (uploadID string, chunkCount int, key string, err error) {
	fields := strings.SplitN(sessionID, "::", 3)
	if len(fields) != 3 {
		return "", 0, "", fmt.Errorf("malformed S3 session ID %q", sessionID)
	}
	chunkCount, err = strconv.Atoi(fields[1])
	if err != nil || chunkCount <= 0 {
		return "", 0, "", fmt.Errorf("malformed chunk count in S3 session ID %q", sessionID)
	}
	return fields[0], chunkCount, fields[2], nil
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
		logger.Debugf("using static aws credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
