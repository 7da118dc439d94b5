package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/TheMichaelB/objsync/internal/config"
	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
)

// s3API is the part of the S3 client the remote uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, opts ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// S3Remote keeps objects in an S3 bucket. Each object has a "current"
// pointer key, one key per version, and a sidecar record per open upload.
// Multi-chunk uploads are S3 multipart uploads; the upload id is the
// transaction id.
type S3Remote struct {
	client   s3API
	bucket   string
	prefix   string
	partSize int64
	logger   *events.Logger

	mu  sync.Mutex
	txs map[string]*s3Tx
}

type s3Tx struct {
	ObjID     models.ObjectID `json:"objId"`
	UploadID  string          `json:"uploadId"`
	Version   models.Version  `json:"version"`
	Current   models.Version  `json:"current"`
	HeadLen   int64           `json:"headLen"`
	SegsTotal int64           `json:"segsTotal"`

	parts []s3Part
}

type s3Part struct {
	num   int32
	etag  string
	start int64
	size  int64
}

func (t *s3Tx) received() int64 {
	if len(t.parts) == 0 {
		return 0
	}
	last := t.parts[len(t.parts)-1]
	return last.start + last.size
}

// NewS3Remote creates a remote from configuration, loading the default
// AWS credential chain unless static keys are given.
func NewS3Remote(ctx context.Context, cfg *config.S3Config, logger *events.Logger) (*S3Remote, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Remote(client, cfg.Bucket, cfg.Prefix, cfg.PartSize, logger), nil
}

func newS3Remote(client s3API, bucket, prefix string, partSize int64, logger *events.Logger) *S3Remote {
	return &S3Remote{
		client:   client,
		bucket:   bucket,
		prefix:   strings.TrimSuffix(prefix, "/"),
		partSize: partSize,
		logger:   logger.WithField("component", "s3_remote"),
		txs:      make(map[string]*s3Tx),
	}
}

// MaxChunkSize implements Remote; every chunk is one multipart part.
func (s *S3Remote) MaxChunkSize() int64 {
	return s.partSize
}

func (s *S3Remote) objPrefix(id models.ObjectID) string {
	return path.Join(s.prefix, url.PathEscape(id.String())) + "/"
}

func (s *S3Remote) currentKey(id models.ObjectID) string {
	return s.objPrefix(id) + "current"
}

func (s *S3Remote) versionKey(id models.ObjectID, v models.Version) string {
	return s.objPrefix(id) + "v/" + strconv.FormatUint(uint64(v), 10)
}

func (s *S3Remote) txKey(id models.ObjectID, v models.Version) string {
	return s.objPrefix(id) + "tx/" + strconv.FormatUint(uint64(v), 10) + ".json"
}

// SaveFirstChunk implements Remote.
func (s *S3Remote) SaveFirstChunk(ctx context.Context, id models.ObjectID, chunk *FirstChunk) (string, error) {
	cur, _, err := s.readCurrent(ctx, id)
	if err != nil {
		return "", err
	}
	if chunk.Current == 0 && cur != 0 {
		return "", fmt.Errorf("%s: %w", id.String(), models.ErrObjAlreadyExists)
	}
	if cur != chunk.Current || chunk.Version <= cur {
		return "", &models.VersionMismatchError{ObjID: id, Current: cur}
	}

	uploads, err := s.listUploads(ctx, id)
	if err != nil {
		return "", err
	}
	if len(uploads) > 0 {
		return "", fmt.Errorf("%s: %w", id.String(), models.ErrConcurrentTransaction)
	}

	head, err := objfile.Encode(chunk.Diff, chunk.Header)
	if err != nil {
		return "", err
	}
	body := append(head, chunk.Segs...)
	key := s.versionKey(id, chunk.Version)

	if chunk.IsLast {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		})
		if err != nil {
			return "", classifyS3(err, "put version")
		}
		return "", s.commit(ctx, id, chunk.Version, chunk.Current)
	}

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classifyS3(err, "create multipart upload")
	}

	tx := &s3Tx{
		ObjID:     id,
		UploadID:  aws.ToString(created.UploadId),
		Version:   chunk.Version,
		Current:   chunk.Current,
		HeadLen:   int64(len(head)),
		SegsTotal: chunk.SegsTotal,
	}
	rec, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.txKey(id, chunk.Version)),
		Body:   bytes.NewReader(rec),
	}); err != nil {
		return "", classifyS3(err, "put transaction record")
	}

	etag, err := s.uploadPart(ctx, key, tx.UploadID, 1, body)
	if err != nil {
		return "", err
	}
	tx.parts = []s3Part{{num: 1, etag: etag, start: 0, size: int64(len(chunk.Segs))}}

	s.mu.Lock()
	s.txs[tx.UploadID] = tx
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"obj_id":    id.String(),
		"version":   uint64(chunk.Version),
		"upload_id": tx.UploadID,
	}).Debug("Started multipart upload")
	return tx.UploadID, nil
}

// SaveFollowingChunk implements Remote. A chunk starting where an
// accepted part started replaces that part.
func (s *S3Remote) SaveFollowingChunk(ctx context.Context, id models.ObjectID, chunk *FollowingChunk) error {
	tx, err := s.transaction(ctx, id, chunk.TransactionID)
	if err != nil {
		return err
	}

	idx := len(tx.parts)
	if chunk.Offset != tx.received() {
		idx = -1
		for i, p := range tx.parts {
			if p.start == chunk.Offset && i > 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("chunk at %d does not continue upload at %d", chunk.Offset, tx.received())
		}
	}

	num := int32(idx + 1)
	key := s.versionKey(id, tx.Version)
	etag, err := s.uploadPart(ctx, key, tx.UploadID, num, chunk.Segs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	tx.parts = append(tx.parts[:idx], s3Part{num: num, etag: etag, start: chunk.Offset, size: int64(len(chunk.Segs))})
	s.mu.Unlock()

	if !chunk.IsLast {
		return nil
	}

	if tx.SegsTotal >= 0 && tx.received() != tx.SegsTotal {
		return fmt.Errorf("upload of %s ended at %d of %d bytes", id.String(), tx.received(), tx.SegsTotal)
	}

	completed := make([]types.CompletedPart, len(tx.parts))
	for i, p := range tx.parts {
		completed[i] = types.CompletedPart{ETag: aws.String(p.etag), PartNumber: aws.Int32(p.num)}
	}
	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(tx.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	}); err != nil {
		return classifyS3(err, "complete multipart upload")
	}

	s.forget(tx)
	return s.commit(ctx, id, tx.Version, tx.Current)
}

// CancelTransaction implements Remote.
func (s *S3Remote) CancelTransaction(ctx context.Context, id models.ObjectID, txID string) error {
	uploads, err := s.listUploads(ctx, id)
	if err != nil {
		return err
	}

	for _, u := range uploads {
		uploadID := aws.ToString(u.UploadId)
		if txID != "" && uploadID != txID {
			continue
		}
		if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      u.Key,
			UploadId: u.UploadId,
		}); err != nil {
			if err := classifyS3(err, "abort multipart upload"); !errors.Is(err, models.ErrUnknownTransaction) {
				return err
			}
		}

		if v, ok := s.versionFromKey(id, aws.ToString(u.Key)); ok {
			s.deleteKey(ctx, s.txKey(id, v))
		}
		s.mu.Lock()
		delete(s.txs, uploadID)
		s.mu.Unlock()
	}
	return nil
}

// DeleteObj implements Remote.
func (s *S3Remote) DeleteObj(ctx context.Context, id models.ObjectID) error {
	if err := s.CancelTransaction(ctx, id, ""); err != nil {
		return err
	}

	var ids []types.ObjectIdentifier
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objPrefix(id)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classifyS3(err, "list objects")
		}
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	// DeleteObjects takes at most 1000 keys
	for len(ids) > 0 {
		n := min(len(ids), 1000)
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids[:n], Quiet: aws.Bool(true)},
		}); err != nil {
			return classifyS3(err, "delete objects")
		}
		ids = ids[n:]
	}

	s.logger.WithField("obj_id", id.String()).Debug("Deleted object")
	return nil
}

// commit moves the current pointer to v with a conditional write, so a
// concurrent commit by another client shows up as a version mismatch.
func (s *S3Remote) commit(ctx context.Context, id models.ObjectID, v, expected models.Version) error {
	cur, etag, err := s.readCurrent(ctx, id)
	if err != nil {
		return err
	}
	if cur != expected {
		s.deleteKey(ctx, s.versionKey(id, v))
		return &models.VersionMismatchError{ObjID: id, Current: cur}
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.currentKey(id)),
		Body:   strings.NewReader(strconv.FormatUint(uint64(v), 10)),
	}
	if etag == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(etag)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		if isPreconditionFailed(err) {
			s.deleteKey(ctx, s.versionKey(id, v))
			now, _, rerr := s.readCurrent(ctx, id)
			if rerr != nil {
				return rerr
			}
			return &models.VersionMismatchError{ObjID: id, Current: now}
		}
		return classifyS3(err, "put current pointer")
	}

	s.deleteKey(ctx, s.txKey(id, v))
	return nil
}

func (s *S3Remote) readCurrent(ctx context.Context, id models.ObjectID) (models.Version, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.currentKey(id)),
	})
	if err != nil {
		err = classifyS3(err, "get current pointer")
		if models.IsNotFound(err) {
			return 0, "", nil
		}
		return 0, "", err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, "", fmt.Errorf("read current pointer: %w: %v", models.ErrConnectivity, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse current pointer of %s: %w", id.String(), err)
	}
	return models.Version(v), aws.ToString(out.ETag), nil
}

func (s *S3Remote) listUploads(ctx context.Context, id models.ObjectID) ([]types.MultipartUpload, error) {
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objPrefix(id) + "v/"),
	})
	if err != nil {
		return nil, classifyS3(err, "list multipart uploads")
	}
	return out.Uploads, nil
}

// transaction finds an open upload, rebuilding it from S3 after a restart.
func (s *S3Remote) transaction(ctx context.Context, id models.ObjectID, txID string) (*s3Tx, error) {
	s.mu.Lock()
	tx, ok := s.txs[txID]
	s.mu.Unlock()
	if ok {
		if tx.ObjID != id {
			return nil, fmt.Errorf("%s: %w", txID, models.ErrUnknownTransaction)
		}
		return tx, nil
	}

	uploads, err := s.listUploads(ctx, id)
	if err != nil {
		return nil, err
	}
	var key string
	for _, u := range uploads {
		if aws.ToString(u.UploadId) == txID {
			key = aws.ToString(u.Key)
		}
	}
	v, ok := s.versionFromKey(id, key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", txID, models.ErrUnknownTransaction)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.txKey(id, v)),
	})
	if err != nil {
		return nil, classifyS3(err, "get transaction record")
	}
	defer out.Body.Close()

	tx = &s3Tx{}
	if err := json.NewDecoder(out.Body).Decode(tx); err != nil {
		return nil, fmt.Errorf("decode transaction record: %w", err)
	}

	parts, err := s.client.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(txID),
	})
	if err != nil {
		return nil, classifyS3(err, "list parts")
	}

	start := -tx.HeadLen
	for _, p := range parts.Parts {
		size := aws.ToInt64(p.Size)
		if start < 0 {
			size += start
			start = 0
		}
		tx.parts = append(tx.parts, s3Part{
			num:   aws.ToInt32(p.PartNumber),
			etag:  aws.ToString(p.ETag),
			start: start,
			size:  size,
		})
		start += size
	}

	s.mu.Lock()
	s.txs[txID] = tx
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"obj_id":    id.String(),
		"upload_id": txID,
		"parts":     len(tx.parts),
	}).Info("Recovered multipart upload")
	return tx, nil
}

func (s *S3Remote) uploadPart(ctx context.Context, key, uploadID string, num int32, body []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(num),
		Body:       bytes.NewReader(body),
	})
	if err != nil {
		return "", classifyS3(err, "upload part")
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Remote) versionFromKey(id models.ObjectID, key string) (models.Version, bool) {
	rest, ok := strings.CutPrefix(key, s.objPrefix(id)+"v/")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return models.Version(v), true
}

func (s *S3Remote) deleteKey(ctx context.Context, key string) {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("S3 cleanup failed")
	}
}

func (s *S3Remote) forget(tx *s3Tx) {
	s.mu.Lock()
	delete(s.txs, tx.UploadID)
	s.mu.Unlock()
}

// classifyS3 maps SDK failures onto the error taxonomy. Failures without
// a service error never reached S3.
func classifyS3(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("s3 %s: %w: %v", op, models.ErrConnectivity, err)
	}

	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("s3 %s: %w: %v", op, models.ErrNotFound, err)
	case "NoSuchUpload":
		return fmt.Errorf("s3 %s: %w: %v", op, models.ErrUnknownTransaction, err)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return fmt.Errorf("s3 %s: %w: %v", op, models.ErrConnectivity, err)
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
}
