// Package s3store implements objectstore.MultipartUploader over Amazon S3.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/objectstore"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/awsconf"
)

// API is the subset of the S3 client used by Uploader.
type API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Uploader writes export artifacts with S3 multipart uploads.
type Uploader struct {
	client API
}

// New wraps an S3 client.
func New(client API) *Uploader {
	return &Uploader{client: client}
}

// NewFromOptions builds an Uploader from shared AWS settings. A custom
// endpoint switches to path-style addressing for emulators.
func NewFromOptions(ctx context.Context, opts awsconf.Options) (*Uploader, error) {
	cfg, err := awsconf.Load(ctx, opts)
	if err != nil {
		return nil, err
	}
	pathStyle := strings.TrimSpace(opts.EndpointURL) != ""
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	})
	return New(client), nil
}

func storageErr(op string, up objectstore.Upload, err error) error {
	return errs.New("s3/"+op, errs.CodeStorage,
		errs.WithCause(err),
		errs.WithFields(map[string]string{"bucket": up.Bucket, "key": up.Key, "upload_id": up.ID}))
}

// Open implements objectstore.MultipartUploader.
func (u *Uploader) Open(ctx context.Context, bucket, key, contentType string) (objectstore.Upload, error) {
	up := objectstore.Upload{Bucket: bucket, Key: key}
	out, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return objectstore.Upload{}, storageErr("create_multipart_upload", up, err)
	}
	up.ID = aws.ToString(out.UploadId)
	if up.ID == "" {
		return objectstore.Upload{}, storageErr("create_multipart_upload", up, fmt.Errorf("empty upload id"))
	}
	return up, nil
}

// UploadPart implements objectstore.MultipartUploader.
func (u *Uploader) UploadPart(ctx context.Context, up objectstore.Upload, number int32, body []byte) (objectstore.Part, error) {
	out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(up.Bucket),
		Key:           aws.String(up.Key),
		UploadId:      aws.String(up.ID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return objectstore.Part{}, storageErr("upload_part", up, err)
	}
	return objectstore.Part{Number: number, ETag: aws.ToString(out.ETag)}, nil
}

// Complete implements objectstore.MultipartUploader.
func (u *Uploader) Complete(ctx context.Context, up objectstore.Upload, parts []objectstore.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	_, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(up.Bucket),
		Key:             aws.String(up.Key),
		UploadId:        aws.String(up.ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return storageErr("complete_multipart_upload", up, err)
	}
	return nil
}

// Abort implements objectstore.MultipartUploader.
func (u *Uploader) Abort(ctx context.Context, up objectstore.Upload) error {
	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(up.Bucket),
		Key:      aws.String(up.Key),
		UploadId: aws.String(up.ID),
	})
	if err != nil {
		return storageErr("abort_multipart_upload", up, err)
	}
	return nil
}

var _ objectstore.MultipartUploader = (*Uploader)(nil)
